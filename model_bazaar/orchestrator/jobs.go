package orchestrator

import (
	"fmt"
)

type Driver interface {
	DriverType() string
}

type DockerEnv struct {
	Registry       string
	DockerUsername string
	DockerPassword string
	ShareDir       string
}

type DockerDriver struct {
	ImageName string
	Tag       string
	DockerEnv
}

func (p DockerDriver) DriverType() string {
	return "docker"
}

type LocalDriver struct {
	PlatformDir string
	PythonPath  string
}

func (p LocalDriver) DriverType() string {
	return "local"
}

type Resources struct {
	AllocationCores     int
	AllocationMhz       int
	AllocationMemory    int
	AllocationMemoryMax int
}

func (r Resources) validate() error {
	if r.AllocationCores <= 0 || r.AllocationMhz <= 0 {
		return fmt.Errorf("%w: cpu allocation must be positive", ErrTemplateRender)
	}
	if r.AllocationMemory <= 0 {
		return fmt.Errorf("%w: memory allocation must be positive", ErrTemplateRender)
	}
	if r.AllocationMemoryMax < r.AllocationMemory {
		return fmt.Errorf("%w: memory limit %d is less than memory request %d", ErrTemplateRender, r.AllocationMemoryMax, r.AllocationMemory)
	}
	return nil
}

type CloudCredentials struct {
	AwsAccessKey       string
	AwsAccessSecret    string
	AwsRegionName      string
	AzureAccountName   string
	AzureAccountKey    string
	GcpCredentialsFile string
}

func (c CloudCredentials) HasAws() bool {
	return c.AwsAccessKey != "" && c.AwsAccessSecret != ""
}

func (c CloudCredentials) HasAzure() bool {
	return c.AzureAccountName != "" && c.AzureAccountKey != ""
}

func (c CloudCredentials) HasGcp() bool {
	return c.GcpCredentialsFile != ""
}

type Job interface {
	GetJobName() string

	JobTemplatePath() string

	// Validate checks that every variable the job template requires is set.
	Validate() error
}

func requireFields(fields ...[2]string) error {
	for _, f := range fields {
		if f[1] == "" {
			return fmt.Errorf("%w: missing required variable %v", ErrTemplateRender, f[0])
		}
	}
	return nil
}

func validateDriver(d Driver) error {
	switch d := d.(type) {
	case DockerDriver:
		return requireFields([2]string{"ImageName", d.ImageName}, [2]string{"Tag", d.Tag})
	case LocalDriver:
		return requireFields([2]string{"PlatformDir", d.PlatformDir}, [2]string{"PythonPath", d.PythonPath})
	case nil:
		return fmt.Errorf("%w: missing required variable Driver", ErrTemplateRender)
	default:
		return fmt.Errorf("%w: unsupported driver %v", ErrTemplateRender, d.DriverType())
	}
}

type TrainJob struct {
	JobName          string
	ModelId          string
	ConfigPath       string
	Driver           Driver
	Resources        Resources
	CloudCredentials CloudCredentials

	IngressHostname string
}

func (j TrainJob) GetJobName() string {
	return j.JobName
}

func (j TrainJob) JobTemplatePath() string {
	return "train"
}

func (j TrainJob) Validate() error {
	err := requireFields(
		[2]string{"JobName", j.JobName},
		[2]string{"ModelId", j.ModelId},
		[2]string{"ConfigPath", j.ConfigPath},
	)
	if err != nil {
		return err
	}
	if err := validateDriver(j.Driver); err != nil {
		return err
	}
	return j.Resources.validate()
}

type DeployJob struct {
	JobName string
	ModelId string

	ConfigPath     string
	DeploymentName string

	AutoscalingEnabled bool
	AutoscalingMin     int
	AutoscalingMax     int

	Driver Driver

	Resources Resources

	CloudCredentials CloudCredentials

	JobToken string
	IsKE     bool

	IngressHostname string
}

func (j DeployJob) GetJobName() string {
	return j.JobName
}

func (j DeployJob) JobTemplatePath() string {
	return "deploy"
}

func (j DeployJob) Validate() error {
	err := requireFields(
		[2]string{"JobName", j.JobName},
		[2]string{"ModelId", j.ModelId},
		[2]string{"ConfigPath", j.ConfigPath},
		[2]string{"JobToken", j.JobToken},
		[2]string{"IngressHostname", j.IngressHostname},
	)
	if err != nil {
		return err
	}
	if err := validateDriver(j.Driver); err != nil {
		return err
	}
	if j.AutoscalingEnabled {
		if j.AutoscalingMin < 1 || j.AutoscalingMax < j.AutoscalingMin {
			return fmt.Errorf("%w: invalid autoscaling bounds min=%d max=%d", ErrTemplateRender, j.AutoscalingMin, j.AutoscalingMax)
		}
	}
	return j.Resources.validate()
}

// Replicas is the number of instances started before any autoscaling.
func (j DeployJob) Replicas() int {
	if j.AutoscalingEnabled {
		return j.AutoscalingMin
	}
	return 1
}

type LlmDispatchJob struct {
	ModelBazaarEndpoint string
	ShareDir            string
	// Path of the license file as seen by the job.
	LicensePath string

	Driver Driver

	IngressHostname string
}

func (j LlmDispatchJob) GetJobName() string {
	return "llm-dispatch"
}

func (j LlmDispatchJob) JobTemplatePath() string {
	return "llm_dispatch"
}

func (j LlmDispatchJob) Validate() error {
	err := requireFields(
		[2]string{"ModelBazaarEndpoint", j.ModelBazaarEndpoint},
		[2]string{"ShareDir", j.ShareDir},
		[2]string{"LicensePath", j.LicensePath},
		[2]string{"IngressHostname", j.IngressHostname},
	)
	if err != nil {
		return err
	}
	return validateDriver(j.Driver)
}
