package orchestrator

import (
	"context"
	"errors"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
)

var (
	ErrJobNotFound        = schema.NewError(schema.ErrNotFound, "job not found")
	ErrBackendUnavailable = errors.New("cluster backend unavailable")
	ErrTemplateRender     = errors.New("unable to render job template")
)

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobStopped   JobState = "stopped"
)

func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobStopped
}

type JobInfo struct {
	Name  string
	State JobState
	// Detail describes why the job is in its current state, if the backend
	// reports a reason. It is written to the job logs when a job fails.
	Detail string
}

type JobLog struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// JobSpec is a fully rendered, backend specific job description. Nothing is
// sent to the cluster until it is passed to Submit.
type JobSpec struct {
	Name     string
	Template string
	Body     string
}

type Client interface {
	RenderSpec(job Job) (JobSpec, error)

	Submit(ctx context.Context, spec JobSpec) error

	// Stop succeeds if the job does not exist or is already stopped.
	Stop(ctx context.Context, jobName string) error

	Status(ctx context.Context, jobName string) (JobInfo, error)

	Logs(ctx context.Context, jobName string) ([]JobLog, error)

	TotalCpuUsage(ctx context.Context) (int, error)

	IngressHostname() string
}

// StartJob renders and submits the job.
func StartJob(ctx context.Context, client Client, job Job) error {
	spec, err := client.RenderSpec(job)
	if err != nil {
		return err
	}
	return client.Submit(ctx, spec)
}
