package tests

import (
	"context"
	"sync"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/orchestrator"
)

// backendStub records submitted jobs instead of running them on a cluster.
type backendStub struct {
	mu         sync.Mutex
	activeJobs map[string]orchestrator.JobState
	templates  map[string]string

	deploymentNames map[string]string
}

func newBackendStub() *backendStub {
	return &backendStub{
		activeJobs: make(map[string]orchestrator.JobState),
		templates:  make(map[string]string),

		deploymentNames: make(map[string]string),
	}
}

func (c *backendStub) RenderSpec(job orchestrator.Job) (orchestrator.JobSpec, error) {
	if err := job.Validate(); err != nil {
		return orchestrator.JobSpec{}, err
	}
	if deploy, ok := job.(orchestrator.DeployJob); ok {
		c.mu.Lock()
		c.deploymentNames[deploy.JobName] = deploy.DeploymentName
		c.mu.Unlock()
	}
	return orchestrator.JobSpec{Name: job.GetJobName(), Template: job.JobTemplatePath()}, nil
}

func (c *backendStub) Submit(ctx context.Context, spec orchestrator.JobSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeJobs[spec.Name] = orchestrator.JobRunning
	c.templates[spec.Name] = spec.Template
	return nil
}

func (c *backendStub) Stop(ctx context.Context, jobName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.activeJobs, jobName)
	return nil
}

func (c *backendStub) Status(ctx context.Context, jobName string) (orchestrator.JobInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.activeJobs[jobName]
	if !ok {
		return orchestrator.JobInfo{}, orchestrator.ErrJobNotFound
	}
	return orchestrator.JobInfo{Name: jobName, State: state}, nil
}

func (c *backendStub) Logs(ctx context.Context, jobName string) ([]orchestrator.JobLog, error) {
	return []orchestrator.JobLog{{Stdout: "running " + jobName}}, nil
}

func (c *backendStub) TotalCpuUsage(ctx context.Context) (int, error) {
	return 0, nil
}

func (c *backendStub) IngressHostname() string {
	return "ingress.hostname"
}

func (c *backendStub) isActive(jobName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.activeJobs[jobName]
	return ok
}

func (c *backendStub) setState(jobName string, state orchestrator.JobState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeJobs[jobName] = state
}

func (c *backendStub) submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.templates)
}

// clear drops every job, as if the cluster lost them.
func (c *backendStub) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.activeJobs)
}
