package nomad

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"text/template"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/orchestrator"
)

// This will load the given templates into the embed FS so that they are bundled
// into the compiled binary.

//go:embed jobs/*
var jobTemplates embed.FS

type NomadClient struct {
	addr            string
	token           string
	templates       *template.Template
	ingressHostname string
	httpClient      *http.Client
}

func NomadTemplatePath(jobPath string) string {
	return jobPath + ".hcl.tmpl"
}

func NewNomadClient(addr string, token string, ingressHostname string) *NomadClient {
	funcs := template.FuncMap{
		"isLocal": func(d orchestrator.Driver) bool {
			return d.DriverType() == "local"
		},
		"isDocker": func(d orchestrator.Driver) bool {
			return d.DriverType() == "docker"
		},
		"replaceHyphen": orchestrator.ReplaceHyphen,
	}

	tmpl, err := template.New("job_templates").Funcs(funcs).Option("missingkey=error").ParseFS(jobTemplates, "jobs/*")
	if err != nil {
		log.Panicf("error parsing job templates: %v", err)
	}

	slog.Info("creating nomad http client", "addr", addr)
	for _, t := range tmpl.Templates() {
		slog.Debug("found job template: " + t.Name())
	}

	return &NomadClient{
		addr:            addr,
		token:           token,
		templates:       tmpl,
		ingressHostname: ingressHostname,
		httpClient:      http.DefaultClient,
	}
}

var errNomadReturnedNotFound = errors.New("nomad returned status 404")

func (c *NomadClient) request(ctx context.Context, method, endpoint string, body io.Reader, result interface{}) error {
	fullEndpoint, err := url.JoinPath(c.addr, endpoint)
	if err != nil {
		return fmt.Errorf("error formatting url for nomad endpoint %v: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullEndpoint, body)
	if err != nil {
		return fmt.Errorf("error creating %v request for nomad endpoint %v: %w", method, endpoint, err)
	}
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("X-Nomad-Token", c.token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: error sending %v request to nomad endpoint %v: %v", orchestrator.ErrBackendUnavailable, method, endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return errNomadReturnedNotFound
	}
	if res.StatusCode != http.StatusOK {
		data, err := io.ReadAll(res.Body)
		if err == nil {
			slog.Error("nomad returned error", "method", method, "endpoint", endpoint, "code", res.StatusCode, "response", string(data))
		}
		return fmt.Errorf("%w: %v request to nomad endpoint %v returned status %d", orchestrator.ErrBackendUnavailable, method, endpoint, res.StatusCode)
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("%w: error parsing %v response from nomad endpoint %v: %v", orchestrator.ErrBackendUnavailable, method, endpoint, err)
		}
	}

	return nil
}

func (c *NomadClient) get(ctx context.Context, endpoint string, result interface{}) error {
	return c.request(ctx, "GET", endpoint, nil, result)
}

func (c *NomadClient) post(ctx context.Context, endpoint string, body io.Reader, result interface{}) error {
	return c.request(ctx, "POST", endpoint, body, result)
}

func (c *NomadClient) delete(ctx context.Context, endpoint string) error {
	return c.request(ctx, "DELETE", endpoint, nil, nil)
}

// RenderSpec validates the job and renders its HCL template. It makes no
// requests to nomad.
func (c *NomadClient) RenderSpec(job orchestrator.Job) (orchestrator.JobSpec, error) {
	templatePath := NomadTemplatePath(job.JobTemplatePath())

	if err := job.Validate(); err != nil {
		slog.Error("invalid job", "job_name", job.GetJobName(), "template", templatePath, "error", err)
		return orchestrator.JobSpec{}, err
	}

	content := strings.Builder{}
	if err := c.templates.ExecuteTemplate(&content, templatePath, job); err != nil {
		slog.Error("error rendering job template", "job_name", job.GetJobName(), "template", templatePath, "error", err)
		return orchestrator.JobSpec{}, fmt.Errorf("%w: %v", orchestrator.ErrTemplateRender, err)
	}

	return orchestrator.JobSpec{Name: job.GetJobName(), Template: templatePath, Body: content.String()}, nil
}

func (c *NomadClient) parseJob(ctx context.Context, spec orchestrator.JobSpec) (interface{}, error) {
	payload := map[string]interface{}{"JobHCL": spec.Body, "Canonicalize": true}

	body := &bytes.Buffer{}
	err := json.NewEncoder(body).Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("error encoding job payload: %w", err)
	}

	var jobDef interface{}
	err = c.post(ctx, "v1/jobs/parse", body, &jobDef)
	if err != nil {
		return nil, err
	}

	return jobDef, nil
}

func (c *NomadClient) submitJob(ctx context.Context, jobDef interface{}) error {
	body := &bytes.Buffer{}
	err := json.NewEncoder(body).Encode(map[string]interface{}{"Job": jobDef})
	if err != nil {
		return fmt.Errorf("error encoding job submit payload: %w", err)
	}

	return c.post(ctx, "v1/jobs", body, nil)
}

func (c *NomadClient) Submit(ctx context.Context, spec orchestrator.JobSpec) error {
	slog.Info("starting nomad job", "job_name", spec.Name, "template", spec.Template)

	jobDef, err := c.parseJob(ctx, spec)
	if err != nil {
		slog.Error("error parsing nomad job", "job_name", spec.Name, "template", spec.Template, "error", err)
		return fmt.Errorf("error starting nomad job: %w", err)
	}

	err = c.submitJob(ctx, jobDef)
	if err != nil {
		slog.Error("error submitting nomad job", "job_name", spec.Name, "template", spec.Template, "error", err)
		return fmt.Errorf("error starting nomad job: %w", err)
	}

	slog.Info("nomad job started successfully", "job_name", spec.Name, "template", spec.Template)

	return nil
}

func (c *NomadClient) Stop(ctx context.Context, jobName string) error {
	slog.Info("stopping nomad job", "job_name", jobName)

	err := c.delete(ctx, fmt.Sprintf("v1/job/%v", jobName))
	if err != nil {
		if errors.Is(err, errNomadReturnedNotFound) {
			slog.Info("nomad job does not exist, nothing to stop", "job_name", jobName)
			return nil
		}
		slog.Error("error stopping nomad job", "job_name", jobName, "error", err)
		return fmt.Errorf("error stopping nomad job %v: %w", jobName, err)
	}

	slog.Info("nomad job stopped successfully", "job_name", jobName)

	return nil
}

type nomadJob struct {
	ID     string
	Status string
	Stop   bool
}

type taskGroupSummary struct {
	Queued   int
	Complete int
	Failed   int
	Running  int
	Starting int
	Lost     int
}

type jobSummary struct {
	Summary map[string]taskGroupSummary
}

// jobState maps nomad's pending/running/dead to the orchestrator job states.
// Dead jobs are told apart using the allocation counts in the job summary.
func jobState(job nomadJob, summary jobSummary) (orchestrator.JobState, string) {
	switch job.Status {
	case "pending":
		return orchestrator.JobPending, ""
	case "running":
		return orchestrator.JobRunning, ""
	}

	if job.Stop {
		return orchestrator.JobStopped, ""
	}

	complete := 0
	for group, s := range summary.Summary {
		if s.Failed > 0 || s.Lost > 0 {
			return orchestrator.JobFailed, fmt.Sprintf("task group %v has %d failed and %d lost allocations", group, s.Failed, s.Lost)
		}
		complete += s.Complete
	}
	if complete > 0 {
		return orchestrator.JobSucceeded, ""
	}
	return orchestrator.JobFailed, fmt.Sprintf("nomad job %v is dead with no completed allocations", job.ID)
}

func (c *NomadClient) Status(ctx context.Context, jobName string) (orchestrator.JobInfo, error) {
	slog.Debug("retrieving nomad job info", "job_name", jobName)

	var job nomadJob
	err := c.get(ctx, fmt.Sprintf("v1/job/%v", jobName), &job)
	if err != nil {
		if errors.Is(err, errNomadReturnedNotFound) {
			return orchestrator.JobInfo{}, orchestrator.ErrJobNotFound
		}
		slog.Error("error getting nomad job info", "job_name", jobName, "error", err)
		return orchestrator.JobInfo{}, fmt.Errorf("error getting info for nomad job %v: %w", jobName, err)
	}

	var summary jobSummary
	if job.Status == "dead" && !job.Stop {
		err := c.get(ctx, fmt.Sprintf("v1/job/%v/summary", jobName), &summary)
		if err != nil {
			if errors.Is(err, errNomadReturnedNotFound) {
				return orchestrator.JobInfo{}, orchestrator.ErrJobNotFound
			}
			return orchestrator.JobInfo{}, fmt.Errorf("error getting summary for nomad job %v: %w", jobName, err)
		}
	}

	state, detail := jobState(job, summary)

	slog.Debug("nomad job info retrieved successfully", "job_name", jobName, "state", state)

	return orchestrator.JobInfo{Name: jobName, State: state, Detail: detail}, nil
}

type jobAllocation struct {
	ID string
}

func (c *NomadClient) jobAllocations(ctx context.Context, jobName string) ([]string, error) {
	var allocations []jobAllocation
	err := c.get(ctx, fmt.Sprintf("v1/job/%v/allocations", jobName), &allocations)
	if err != nil {
		if errors.Is(err, errNomadReturnedNotFound) {
			return nil, orchestrator.ErrJobNotFound
		}
		return nil, fmt.Errorf("error retreiving allocations for nomad job %v: %w", jobName, err)
	}

	allocIds := make([]string, 0, len(allocations))
	for _, alloc := range allocations {
		allocIds = append(allocIds, alloc.ID)
	}

	return allocIds, nil
}

func (c *NomadClient) getLogs(ctx context.Context, allocId string, logType string) (string, error) {
	url, err := url.JoinPath(c.addr, fmt.Sprintf("v1/client/fs/logs/%v", allocId))
	if err != nil {
		return "", fmt.Errorf("error formatting allocation logs url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("error creating new request: %w", err)
	}
	req.Header.Add("X-Nomad-Token", c.token)

	params := map[string]string{
		"task": "backend", "type": logType, "origin": "end", "offset": "5000", "plain": "true",
	}
	query := req.URL.Query()
	for k, v := range params {
		query.Add(k, v)
	}
	req.URL.RawQuery = query.Encode()

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: error retrieving nomad logs: %v", orchestrator.ErrBackendUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: get nomad job logs returned status %d", orchestrator.ErrBackendUnavailable, res.StatusCode)
	}

	content, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("error reading log response: %w", err)
	}

	return string(content), nil
}

func (c *NomadClient) Logs(ctx context.Context, jobName string) ([]orchestrator.JobLog, error) {
	slog.Info("retrieving nomad job logs", "job_name", jobName)

	allocations, err := c.jobAllocations(ctx, jobName)
	if err != nil {
		slog.Error("error listing job allocations", "job_name", jobName, "error", err)
		return nil, fmt.Errorf("error listing allocations for job %v: %w", jobName, err)
	}

	logs := make([]orchestrator.JobLog, 0)

	for _, alloc := range allocations {
		stdoutLogs, err := c.getLogs(ctx, alloc, "stdout")
		if err != nil {
			slog.Error("error getting stdout logs", "job_name", jobName, "error", err)
			return nil, fmt.Errorf("error getting logs from stdout for job %v: %w", jobName, err)
		}
		stderrLogs, err := c.getLogs(ctx, alloc, "stderr")
		if err != nil {
			slog.Error("error getting stderr logs", "job_name", jobName, "error", err)
			return nil, fmt.Errorf("error getting logs from stderr for job %v: %w", jobName, err)
		}

		logs = append(logs, orchestrator.JobLog{Stdout: stdoutLogs, Stderr: stderrLogs})
	}

	slog.Info("nomad job logs retrieved successfully", "job_name", jobName)

	return logs, nil
}

type nomadAllocation struct {
	ClientStatus       string
	AllocatedResources struct {
		Tasks map[string]struct {
			Cpu struct {
				CpuShares int
			}
		}
	}
}

func (c *NomadClient) TotalCpuUsage(ctx context.Context) (int, error) {
	slog.Debug("getting nomad total cpu usage")

	var allocations []nomadAllocation
	err := c.get(ctx, "v1/allocations", &allocations)
	if err != nil {
		slog.Error("error getting nomad total cpu usage", "error", err)
		return 0, fmt.Errorf("error getting nomad total cpu usage: %w", err)
	}

	totalUsage := 0
	for _, alloc := range allocations {
		if alloc.ClientStatus == "running" {
			for _, task := range alloc.AllocatedResources.Tasks {
				totalUsage += task.Cpu.CpuShares
			}
		}
	}

	slog.Debug("got nomad total cpu usage successfully", "total_cpu_usage", totalUsage)

	return totalUsage, nil
}

func (c *NomadClient) IngressHostname() string {
	return c.ingressHostname
}
