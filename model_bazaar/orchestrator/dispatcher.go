package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/auth"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/config"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/licensing"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/storage"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/store"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils/logging"

	"github.com/google/uuid"
)

const jobTokenExpiration = 1000 * 24 * time.Hour

// Environment holds the settings shared by every job the dispatcher starts.
type Environment struct {
	Driver              Driver
	CloudCredentials    CloudCredentials
	ModelBazaarEndpoint string
}

type DispatchRequest struct {
	Job     string
	ModelId uuid.UUID
	UserId  uuid.UUID

	Resources config.JobOptions

	// Overrides the default cloud credentials for this job if set.
	Credentials *CloudCredentials

	ModelOptions json.RawMessage
	Data         json.RawMessage
	TrainOptions json.RawMessage
	IsRetraining bool

	DeploymentName string
	Autoscaling    config.AutoscalingOptions
	// Merged over the model attributes in the deploy config.
	Options map[string]string
}

type JobHandle struct {
	Name    string
	Job     string
	ModelId uuid.UUID
	// Existing is true if the job was already pending or running and nothing
	// new was submitted.
	Existing bool
}

type Dispatcher struct {
	client  Client
	store   *store.Store
	storage storage.Storage
	gate    *licensing.Gate
	jobAuth *auth.JobTokenManager
	env     Environment
}

func NewDispatcher(client Client, store *store.Store, storage storage.Storage, gate *licensing.Gate, jobAuth *auth.JobTokenManager, env Environment) *Dispatcher {
	return &Dispatcher{
		client:  client,
		store:   store,
		storage: storage,
		gate:    gate,
		jobAuth: jobAuth,
		env:     env,
	}
}

func (d *Dispatcher) Client() Client {
	return d.client
}

func (d *Dispatcher) hostDir() string {
	if d.env.Driver != nil && d.env.Driver.DriverType() == "local" {
		return filepath.Join(d.storage.Location(), "host_dir")
	}
	return filepath.Join("/thirdai_platform", "host_dir")
}

// Dispatch submits the train or deploy job for a model. The job name is
// derived from the model, so a second dispatch while the first job is still
// pending or running returns the existing handle instead of submitting again.
// The model's lock is held from the status check until the new status is
// written.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (JobHandle, error) {
	if err := schema.CheckValidJob(req.Job); err != nil {
		return JobHandle{}, err
	}
	if err := req.Resources.Validate(); err != nil {
		return JobHandle{}, fmt.Errorf("%w: %v", schema.ErrValidationFailed, err)
	}
	if err := req.Autoscaling.Validate(); err != nil {
		return JobHandle{}, fmt.Errorf("%w: %v", schema.ErrValidationFailed, err)
	}

	start := time.Now()
	defer func() {
		dispatchLatencyMetric.Observe(time.Since(start).Seconds())
	}()

	var handle JobHandle
	err := d.store.WithModelLock(ctx, req.ModelId, func(m *store.LockedModel) error {
		model, err := m.Get()
		if err != nil {
			return err
		}

		handle = JobHandle{Name: model.JobName(req.Job), Job: req.Job, ModelId: model.Id}

		info, err := d.client.Status(ctx, handle.Name)
		if err == nil && !info.State.Terminal() {
			slog.Info("job is already active, skipping dispatch", "job_name", handle.Name, "state", info.State, "code", logging.JOB_DISPATCH)
			handle.Existing = true
			return nil
		}
		if err != nil && !errors.Is(err, ErrJobNotFound) {
			return fmt.Errorf("error checking for existing job %v: %w", handle.Name, err)
		}

		if err := schema.CheckTransition(&model, req.Job, schema.Starting); err != nil {
			return err
		}

		return d.submit(ctx, m, model, req)
	})

	if err != nil {
		dispatchMetric.WithLabelValues(req.Job, "error").Inc()
		slog.Error("job dispatch failed", "job", req.Job, "model_id", req.ModelId, "error", err, "code", logging.JOB_DISPATCH)
		return JobHandle{}, err
	}

	if handle.Existing {
		dispatchMetric.WithLabelValues(req.Job, "existing").Inc()
	} else {
		dispatchMetric.WithLabelValues(req.Job, "submitted").Inc()
		slog.Info("job dispatched", "job_name", handle.Name, "model_id", handle.ModelId, "code", logging.JOB_DISPATCH)
	}

	return handle, nil
}

func (d *Dispatcher) submit(ctx context.Context, m *store.LockedModel, model schema.Model, req DispatchRequest) error {
	resources := Resources{
		AllocationCores:     req.Resources.AllocationCores,
		AllocationMhz:       req.Resources.CpuUsageMhz(),
		AllocationMemory:    req.Resources.AllocationMemory,
		AllocationMemoryMax: req.Resources.AllocationMemoryMax,
	}

	license, err := d.checkLicense(ctx, resources.AllocationMhz)
	if err != nil {
		return err
	}

	token, err := d.jobAuth.CreateJobToken(model.Id, req.Job, jobTokenExpiration)
	if err != nil {
		return fmt.Errorf("error creating job token: %w", err)
	}

	creds := d.env.CloudCredentials
	if req.Credentials != nil {
		creds = *req.Credentials
	}

	fullConfigPath := filepath.Join(d.storage.Location(), storage.JobConfigPath(model.Id, req.Job))

	var job Job
	var jobConfig interface{}
	if req.Job == schema.TrainJob {
		job = TrainJob{
			JobName:          model.TrainJobName(),
			ModelId:          model.Id.String(),
			ConfigPath:       fullConfigPath,
			Driver:           d.env.Driver,
			Resources:        resources,
			CloudCredentials: creds,
			IngressHostname:  d.client.IngressHostname(),
		}
		jobConfig = config.TrainConfig{
			ModelId:             model.Id,
			ModelType:           model.Type,
			ModelSubType:        model.SubType,
			ModelBazaarDir:      d.storage.Location(),
			ModelBazaarEndpoint: d.env.ModelBazaarEndpoint,
			JobAuthToken:        token,
			LicenseKey:          license.BoltLicenseKey,
			BaseModelId:         model.BaseModelId,
			UserId:              req.UserId,
			ModelOptions:        req.ModelOptions,
			Data:                req.Data,
			TrainOptions:        req.TrainOptions,
			JobOptions:          req.Resources,
			IsRetraining:        req.IsRetraining,
		}
	} else {
		options := model.GetAttributes()
		maps.Copy(options, req.Options)

		job = DeployJob{
			JobName:            model.DeployJobName(),
			ModelId:            model.Id.String(),
			ConfigPath:         fullConfigPath,
			DeploymentName:     req.DeploymentName,
			AutoscalingEnabled: req.Autoscaling.Enabled,
			AutoscalingMin:     req.Autoscaling.Min,
			AutoscalingMax:     req.Autoscaling.Max,
			Driver:             d.env.Driver,
			Resources:          resources,
			CloudCredentials:   creds,
			JobToken:           token,
			IsKE:               model.Type == schema.KnowledgeExtraction,
			IngressHostname:    d.client.IngressHostname(),
		}
		jobConfig = config.DeployConfig{
			ModelId:             model.Id,
			UserId:              req.UserId,
			ModelType:           model.Type,
			ModelBazaarDir:      d.storage.Location(),
			HostDir:             d.hostDir(),
			ModelBazaarEndpoint: d.env.ModelBazaarEndpoint,
			LicenseKey:          license.BoltLicenseKey,
			JobAuthToken:        token,
			Autoscaling:         req.Autoscaling.Enabled,
			Options:             options,
		}
	}

	spec, err := d.client.RenderSpec(job)
	if err != nil {
		return err
	}

	if err := d.storage.WriteJobConfig(model.Id, req.Job, jobConfig); err != nil {
		return fmt.Errorf("error saving job config: %w", err)
	}

	if err := d.client.Submit(ctx, spec); err != nil {
		d.recordSubmitFailure(ctx, m, model, req.Job, err)
		return fmt.Errorf("error submitting job %v: %w", spec.Name, err)
	}

	return m.UpdateStatus(req.Job, schema.Starting)
}

func (d *Dispatcher) checkLicense(ctx context.Context, jobCpuMhz int) (licensing.LicensePayload, error) {
	usage, err := d.client.TotalCpuUsage(ctx)
	if err != nil {
		return licensing.LicensePayload{}, fmt.Errorf("error getting current cpu usage: %w", err)
	}

	license, err := d.gate.CheckCapacity(usage + jobCpuMhz)
	if err != nil {
		slog.Error("license verification failed for new job", "current_usage", usage, "job_usage", jobCpuMhz, "error", err, "code", logging.LICENSE)
		return licensing.LicensePayload{}, err
	}
	return license, nil
}

func (d *Dispatcher) recordSubmitFailure(ctx context.Context, m *store.LockedModel, model schema.Model, job string, submitErr error) {
	msg := fmt.Sprintf("unable to start %v job: %v", job, submitErr)

	var err error
	if schema.ValidTransition(job, model.Status(job), schema.Failed) {
		err = m.UpdateStatusWithLog(job, schema.Failed, schema.LogError, msg)
	} else {
		err = d.store.AppendJobLog(ctx, model.Id, job, schema.LogError, msg)
	}
	if err != nil {
		slog.Error("error recording job submit failure", "model_id", model.Id, "job", job, "error", err)
	}
}

// Stop stops the backend job and marks the status stopped. A deployment cannot
// be stopped while active deployments depend on it.
func (d *Dispatcher) Stop(ctx context.Context, job string, modelId uuid.UUID) error {
	if err := schema.CheckValidJob(job); err != nil {
		return err
	}

	if job == schema.DeployJob {
		usedBy, err := d.store.CountDependents(ctx, modelId, true)
		if err != nil {
			return err
		}
		if usedBy != 0 {
			return fmt.Errorf("%w: cannot stop deployment for model %v since it is used as a dependency by %d other active models", schema.ErrHasDependents, modelId, usedBy)
		}
	}

	return d.store.WithModelLock(ctx, modelId, func(m *store.LockedModel) error {
		model, err := m.Get()
		if err != nil {
			return err
		}

		name := model.JobName(job)
		if err := d.client.Stop(ctx, name); err != nil {
			return fmt.Errorf("error stopping job %v: %w", name, err)
		}
		stopMetric.WithLabelValues(job).Inc()

		current := model.Status(job)
		if !schema.ValidTransition(job, current, schema.Stopped) {
			slog.Info("job stopped, model status unchanged", "job_name", name, "status", current, "code", logging.JOB_STOP)
			return nil
		}

		if err := m.UpdateStatus(job, schema.Stopped); err != nil {
			return err
		}

		slog.Info("job stopped", "job_name", name, "code", logging.JOB_STOP)
		return nil
	})
}

// StopAll stops both jobs of a model without touching its status. Used before a
// model is deleted.
func (d *Dispatcher) StopAll(ctx context.Context, model schema.Model) error {
	for _, job := range []string{schema.TrainJob, schema.DeployJob} {
		if err := d.client.Stop(ctx, model.JobName(job)); err != nil {
			return fmt.Errorf("error stopping %v job for model %v: %w", job, model.Id, err)
		}
	}
	return nil
}

func (d *Dispatcher) Logs(ctx context.Context, job string, modelId uuid.UUID) ([]JobLog, error) {
	if err := schema.CheckValidJob(job); err != nil {
		return nil, err
	}
	model, err := d.store.GetModel(ctx, modelId, false, false)
	if err != nil {
		return nil, err
	}
	return d.client.Logs(ctx, model.JobName(job))
}

// WaitForCompletion polls the job until it reaches a terminal state or ctx is
// done.
func (d *Dispatcher) WaitForCompletion(ctx context.Context, handle JobHandle, interval time.Duration) (JobInfo, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		info, err := d.client.Status(ctx, handle.Name)
		if err != nil {
			return JobInfo{}, err
		}
		if info.State.Terminal() {
			return info, nil
		}

		select {
		case <-ctx.Done():
			return JobInfo{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
