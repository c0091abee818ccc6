package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/store"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils/logging"

	"github.com/google/uuid"
)

func syncable(job, status string) bool {
	switch status {
	case schema.Starting, schema.InProgress:
		return true
	case schema.Complete:
		return job == schema.DeployJob
	default:
		return false
	}
}

// nextStatus maps the backend state of a job to the model status it implies.
// An empty result means the status is left as is.
func nextStatus(job, current string, state JobState) string {
	switch state {
	case JobRunning:
		if current == schema.Starting {
			return schema.InProgress
		}
	case JobFailed:
		return schema.Failed
	case JobSucceeded:
		if job == schema.TrainJob {
			return schema.Complete
		}
		return schema.Stopped
	case JobStopped:
		return schema.Stopped
	}
	return ""
}

// Sync reconciles the status of every active model with the state of its jobs
// on the cluster. A job that failed or disappeared marks the model failed and
// leaves a job log explaining why.
func (d *Dispatcher) Sync(ctx context.Context) error {
	models, err := d.store.ListActiveModels(ctx)
	if err != nil {
		return fmt.Errorf("error listing active models: %w", err)
	}

	var errs []error
	for _, model := range models {
		for _, job := range []string{schema.TrainJob, schema.DeployJob} {
			if !syncable(job, model.Status(job)) {
				continue
			}
			if err := d.syncJob(ctx, model.Id, job); err != nil {
				slog.Error("error syncing job status", "model_id", model.Id, "job", job, "error", err, "code", logging.JOB_SYNC)
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

func (d *Dispatcher) syncJob(ctx context.Context, modelId uuid.UUID, job string) error {
	return d.store.WithModelLock(ctx, modelId, func(m *store.LockedModel) error {
		model, err := m.Get()
		if err != nil {
			if errors.Is(err, schema.ErrModelNotFound) {
				return nil
			}
			return err
		}

		current := model.Status(job)
		if !syncable(job, current) {
			return nil
		}

		name := model.JobName(job)
		info, err := d.client.Status(ctx, name)
		if errors.Is(err, ErrJobNotFound) {
			info = JobInfo{Name: name, State: JobFailed, Detail: fmt.Sprintf("%v job %v no longer exists on the cluster", job, name)}
		} else if err != nil {
			return fmt.Errorf("error getting status of job %v: %w", name, err)
		}

		next := nextStatus(job, current, info.State)
		if next == "" || next == current {
			return nil
		}
		if !schema.ValidTransition(job, current, next) {
			slog.Warn("ignoring job state that does not match model status", "job_name", name, "state", info.State, "status", current, "code", logging.JOB_SYNC)
			return nil
		}

		if next == schema.Failed {
			detail := info.Detail
			if detail == "" {
				detail = fmt.Sprintf("%v job %v failed", job, name)
			}
			err = m.UpdateStatusWithLog(job, next, schema.LogError, detail)
		} else {
			err = m.UpdateStatus(job, next)
		}
		if err != nil {
			return err
		}

		statusSyncMetric.WithLabelValues(job, next).Inc()
		slog.Info("synced model status with job state", "job_name", name, "state", info.State, "from", current, "to", next, "code", logging.JOB_SYNC)
		return nil
	})
}

// RunStatusSync calls Sync every interval until ctx is done.
func (d *Dispatcher) RunStatusSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Sync(ctx); err != nil {
				slog.Error("status sync failed", "error", err, "code", logging.JOB_SYNC)
			}
		}
	}
}
