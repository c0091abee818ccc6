package kubernetes

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"strconv"
	"strings"
	"text/template"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/orchestrator"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

//go:embed jobs/*
var jobTemplates embed.FS

const (
	jobNameLabel   = "thirdai.com/job-name"
	managedByLabel = "app.kubernetes.io/managed-by"
	managedBy      = "model-bazaar"

	mhzPerCore = 2400
)

type KubernetesClient struct {
	clientset       k8s.Interface
	namespace       string
	templates       *template.Template
	ingressHostname string
}

func NewKubernetesClient(clientset k8s.Interface, namespace, ingressHostname string) *KubernetesClient {
	funcs := template.FuncMap{
		"namespace":    func() string { return namespace },
		"resourceName": ResourceName,
		"replaceHyphen": func(s string) string {
			return strings.ReplaceAll(s, "-", "_")
		},
		"quote": strconv.Quote,
		"image": func(d orchestrator.Driver) (string, error) {
			docker, ok := d.(orchestrator.DockerDriver)
			if !ok {
				return "", fmt.Errorf("kubernetes jobs require a docker driver")
			}
			if docker.Registry == "" {
				return fmt.Sprintf("%s:%s", docker.ImageName, docker.Tag), nil
			}
			return fmt.Sprintf("%s/%s:%s", docker.Registry, docker.ImageName, docker.Tag), nil
		},
	}

	tmpl, err := template.New("job_templates").Funcs(funcs).Option("missingkey=error").ParseFS(jobTemplates, "jobs/*")
	if err != nil {
		log.Panicf("error parsing job templates: %v", err)
	}

	slog.Info("creating kubernetes client", "namespace", namespace)
	return &KubernetesClient{
		clientset:       clientset,
		namespace:       namespace,
		templates:       tmpl,
		ingressHostname: ingressHostname,
	}
}

// NewInClusterClient creates a client from the service account of the pod it
// runs in.
func NewInClusterClient(namespace, ingressHostname string) (*KubernetesClient, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("error loading in-cluster kubernetes config: %w", err)
	}
	clientset, err := k8s.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating kubernetes clientset: %w", err)
	}
	return NewKubernetesClient(clientset, namespace, ingressHostname), nil
}

func (c *KubernetesClient) IngressHostname() string {
	return c.ingressHostname
}

func (c *KubernetesClient) RenderSpec(job orchestrator.Job) (orchestrator.JobSpec, error) {
	if err := job.Validate(); err != nil {
		slog.Error("invalid job", "job_name", job.GetJobName(), "error", err)
		return orchestrator.JobSpec{}, err
	}

	docs := make([]string, 0, len(resources))
	for _, resource := range resources {
		name := job.JobTemplatePath() + resource.FileSuffix
		if c.templates.Lookup(name) == nil {
			continue
		}

		var buf strings.Builder
		if err := c.templates.ExecuteTemplate(&buf, name, job); err != nil {
			slog.Error("error rendering job template", "job_name", job.GetJobName(), "template", name, "error", err)
			return orchestrator.JobSpec{}, fmt.Errorf("%w: error rendering %v: %w", orchestrator.ErrTemplateRender, name, err)
		}
		// Optional resources render to nothing when they do not apply.
		if strings.TrimSpace(buf.String()) == "" {
			continue
		}
		docs = append(docs, buf.String())
	}

	if len(docs) == 0 {
		return orchestrator.JobSpec{}, fmt.Errorf("%w: no templates found for %v", orchestrator.ErrTemplateRender, job.JobTemplatePath())
	}

	body := strings.Join(docs, "\n---\n")
	if _, err := splitDocuments(body); err != nil {
		slog.Error("rendered job is not valid yaml", "job_name", job.GetJobName(), "error", err)
		return orchestrator.JobSpec{}, fmt.Errorf("%w: %w", orchestrator.ErrTemplateRender, err)
	}

	return orchestrator.JobSpec{Name: job.GetJobName(), Template: job.JobTemplatePath(), Body: body}, nil
}

func (c *KubernetesClient) Submit(ctx context.Context, spec orchestrator.JobSpec) error {
	slog.Info("submitting kubernetes job", "job_name", spec.Name, "template", spec.Template)

	docs, err := splitDocuments(spec.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", orchestrator.ErrTemplateRender, err)
	}

	for _, doc := range docs {
		if err := c.processDocument(ctx, doc); err != nil {
			slog.Error("error applying kubernetes resource", "job_name", spec.Name, "kind", doc["kind"], "error", err)
			return fmt.Errorf("%w: %w", orchestrator.ErrBackendUnavailable, err)
		}
	}

	slog.Info("kubernetes job submitted successfully", "job_name", spec.Name, "resources", len(docs))
	return nil
}

func ignoreNotFound(err error) error {
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// Stop deletes every resource that may belong to the job.
func (c *KubernetesClient) Stop(ctx context.Context, jobName string) error {
	name := ResourceName(jobName)
	slog.Info("stopping kubernetes job", "job_name", jobName, "resource_name", name)

	propagation := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &propagation}

	errs := []error{
		ignoreNotFound(c.clientset.AutoscalingV2().HorizontalPodAutoscalers(c.namespace).Delete(ctx, name, opts)),
		ignoreNotFound(c.clientset.NetworkingV1().Ingresses(c.namespace).Delete(ctx, name, opts)),
		ignoreNotFound(c.clientset.CoreV1().Services(c.namespace).Delete(ctx, name, opts)),
		ignoreNotFound(c.clientset.AppsV1().Deployments(c.namespace).Delete(ctx, name, opts)),
		ignoreNotFound(c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, name, opts)),
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("error stopping kubernetes job", "job_name", jobName, "error", err)
		return fmt.Errorf("%w: error stopping job %v: %w", orchestrator.ErrBackendUnavailable, jobName, err)
	}

	slog.Info("kubernetes job stopped successfully", "job_name", jobName)
	return nil
}

func jobState(job *batchv1.Job) orchestrator.JobInfo {
	info := orchestrator.JobInfo{Name: job.Name, State: orchestrator.JobPending}

	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			info.State = orchestrator.JobSucceeded
			return info
		case batchv1.JobFailed:
			info.State = orchestrator.JobFailed
			info.Detail = cond.Message
			return info
		}
	}

	switch {
	case job.Status.Succeeded > 0:
		info.State = orchestrator.JobSucceeded
	case job.Status.Failed > 0 && job.Status.Active == 0:
		info.State = orchestrator.JobFailed
		info.Detail = fmt.Sprintf("%d pod(s) of job %v failed", job.Status.Failed, job.Name)
	case job.Status.Active > 0:
		info.State = orchestrator.JobRunning
	}
	return info
}

func deploymentState(deployment *appsv1.Deployment) orchestrator.JobInfo {
	info := orchestrator.JobInfo{Name: deployment.Name, State: orchestrator.JobPending}

	if deployment.Spec.Replicas != nil && *deployment.Spec.Replicas == 0 {
		info.State = orchestrator.JobStopped
		return info
	}

	for _, cond := range deployment.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse && cond.Reason == "ProgressDeadlineExceeded" {
			info.State = orchestrator.JobFailed
			info.Detail = cond.Message
			return info
		}
	}

	if deployment.Status.AvailableReplicas > 0 {
		info.State = orchestrator.JobRunning
	}
	return info
}

// Status reports the state of the Job backing a batch job, or the Deployment
// backing a service.
func (c *KubernetesClient) Status(ctx context.Context, jobName string) (orchestrator.JobInfo, error) {
	name := ResourceName(jobName)

	job, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		info := jobState(job)
		info.Name = jobName
		return info, nil
	}
	if !apierrors.IsNotFound(err) {
		slog.Error("error getting kubernetes job", "job_name", jobName, "error", err)
		return orchestrator.JobInfo{}, fmt.Errorf("%w: error getting job %v: %w", orchestrator.ErrBackendUnavailable, jobName, err)
	}

	deployment, err := c.clientset.AppsV1().Deployments(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		info := deploymentState(deployment)
		info.Name = jobName
		return info, nil
	}
	if apierrors.IsNotFound(err) {
		return orchestrator.JobInfo{}, orchestrator.ErrJobNotFound
	}
	slog.Error("error getting kubernetes deployment", "job_name", jobName, "error", err)
	return orchestrator.JobInfo{}, fmt.Errorf("%w: error getting deployment %v: %w", orchestrator.ErrBackendUnavailable, jobName, err)
}

func (c *KubernetesClient) podLogs(ctx context.Context, podName string) (string, error) {
	stream, err := c.clientset.CoreV1().Pods(c.namespace).GetLogs(podName, &corev1.PodLogOptions{}).Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("error retrieving logs for pod %s: %w", podName, err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("error reading logs for pod %s: %w", podName, err)
	}
	return string(data), nil
}

// Logs returns the logs of every pod of the job. Kubernetes does not separate
// stdout and stderr so everything is reported as stdout.
func (c *KubernetesClient) Logs(ctx context.Context, jobName string) ([]orchestrator.JobLog, error) {
	name := ResourceName(jobName)

	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", jobNameLabel, name),
	})
	if err != nil {
		slog.Error("error listing pods for job", "job_name", jobName, "error", err)
		return nil, fmt.Errorf("%w: error listing pods for job %v: %w", orchestrator.ErrBackendUnavailable, jobName, err)
	}

	logs := make([]orchestrator.JobLog, 0, len(pods.Items))
	for _, pod := range pods.Items {
		podLog, err := c.podLogs(ctx, pod.Name)
		if err != nil {
			slog.Error("error getting logs for pod", "pod", pod.Name, "error", err)
			return nil, fmt.Errorf("%w: %w", orchestrator.ErrBackendUnavailable, err)
		}
		logs = append(logs, orchestrator.JobLog{Stdout: podLog})
	}
	return logs, nil
}

// TotalCpuUsage sums the cpu requests of the running pods started by the
// platform, converted to MHz.
func (c *KubernetesClient) TotalCpuUsage(ctx context.Context) (int, error) {
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", managedByLabel, managedBy),
	})
	if err != nil {
		slog.Error("error listing pods", "error", err)
		return 0, fmt.Errorf("%w: error listing pods: %w", orchestrator.ErrBackendUnavailable, err)
	}

	var millicores int64
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		for _, container := range pod.Spec.Containers {
			millicores += container.Resources.Requests.Cpu().MilliValue()
		}
	}

	return int(millicores * mhzPerCore / 1000), nil
}
