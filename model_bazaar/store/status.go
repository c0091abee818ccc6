package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LockedModel is handed to callbacks of WithModelLock. Its methods must only be
// used while the callback runs.
type LockedModel struct {
	ctx context.Context
	db  *gorm.DB
	id  uuid.UUID
}

func (m *LockedModel) Id() uuid.UUID {
	return m.id
}

func (m *LockedModel) Get() (schema.Model, error) {
	return schema.GetModel(m.id, m.db.WithContext(m.ctx), true, true, false)
}

func (m *LockedModel) UpdateStatus(job, status string) error {
	return m.db.WithContext(m.ctx).Transaction(func(txn *gorm.DB) error {
		return transition(txn, m.id, job, status)
	})
}

// UpdateStatusWithLog applies the transition and appends the log line in one
// transaction, so readers never see the new status without its explanation.
func (m *LockedModel) UpdateStatusWithLog(job, status, level, message string) error {
	if err := schema.CheckValidLogLevel(level); err != nil {
		return err
	}
	return m.db.WithContext(m.ctx).Transaction(func(txn *gorm.DB) error {
		if err := transition(txn, m.id, job, status); err != nil {
			return err
		}
		return appendJobLog(txn, m.id, job, level, message)
	})
}

// WithModelLock runs fn while holding the model's lock. Status mutations for a
// single model are serialized through this lock; different models proceed
// concurrently.
func (s *Store) WithModelLock(ctx context.Context, modelId uuid.UUID, fn func(m *LockedModel) error) error {
	unlock, err := s.locks.Lock(ctx, modelId.String())
	if err != nil {
		return fmt.Errorf("error acquiring lock for model %v: %w", modelId, err)
	}
	defer unlock()

	return fn(&LockedModel{ctx: ctx, db: s.db, id: modelId})
}

func (s *Store) UpdateStatus(ctx context.Context, modelId uuid.UUID, job, status string) error {
	return s.WithModelLock(ctx, modelId, func(m *LockedModel) error {
		return m.UpdateStatus(job, status)
	})
}

func (s *Store) UpdateStatusWithLog(ctx context.Context, modelId uuid.UUID, job, status, level, message string) error {
	return s.WithModelLock(ctx, modelId, func(m *LockedModel) error {
		return m.UpdateStatusWithLog(job, status, level, message)
	})
}

func transition(txn *gorm.DB, modelId uuid.UUID, job, status string) error {
	model, err := schema.GetModel(modelId, txn, false, false, false)
	if err != nil {
		return err
	}

	if err := schema.CheckTransition(&model, job, status); err != nil {
		return err
	}

	current := model.Status(job)
	if current == status {
		return nil
	}

	result := txn.Model(&schema.Model{Id: modelId}).Update(job+"_status", status)
	if result.Error != nil {
		return dbError("update model status", result.Error, "model_id", modelId, "job", job, "status", status)
	}

	slog.Info("updated model status", "model_id", modelId, "job", job, "from", current, "to", status)
	return nil
}

func appendJobLog(txn *gorm.DB, modelId uuid.UUID, job, level, message string) error {
	log := schema.JobLog{
		Id:        uuid.New(),
		ModelId:   modelId,
		Job:       job,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if result := txn.Create(&log); result.Error != nil {
		return dbError("create job log", result.Error, "model_id", modelId)
	}
	return nil
}

func (s *Store) AppendJobLog(ctx context.Context, modelId uuid.UUID, job, level, message string) error {
	if err := schema.CheckValidJob(job); err != nil {
		return err
	}
	if err := schema.CheckValidLogLevel(level); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := checkModelExists(txn, modelId); err != nil {
			return err
		}
		return appendJobLog(txn, modelId, job, level, message)
	})
}

// ListJobLogs returns the job logs of the model and of all its transitive
// dependencies, oldest first.
func (s *Store) ListJobLogs(ctx context.Context, modelId uuid.UUID, job string) ([]schema.JobLog, error) {
	db := s.db.WithContext(ctx)

	deps, err := listModelDependencies(modelId, db)
	if err != nil {
		return nil, fmt.Errorf("error retrieving job logs: %w", err)
	}

	depIds := make([]uuid.UUID, 0, len(deps))
	for _, dep := range deps {
		depIds = append(depIds, dep.Id)
	}

	var logs []schema.JobLog
	result := db.Where("model_id IN ?", depIds).Where("job = ?", job).Order("timestamp ASC").Find(&logs)
	if result.Error != nil {
		return nil, dbError("list job logs", result.Error, "model_id", modelId)
	}

	return logs, nil
}

var statusPriority = []string{
	schema.Failed, schema.NotStarted, schema.Stopped,
	schema.Starting, schema.InProgress, schema.Complete,
}

// AggregateStatus reports the effective status of a job for a model, taking
// its dependencies into account: a model is only as far along as its least
// advanced dependency. The returned messages explain which models produced
// the status.
func (s *Store) AggregateStatus(ctx context.Context, modelId uuid.UUID, job string) (string, []string, error) {
	if err := schema.CheckValidJob(job); err != nil {
		return "", nil, err
	}

	db := s.db.WithContext(ctx)

	model, err := schema.GetModel(modelId, db, false, false, false)
	if err != nil {
		return "", nil, err
	}

	status := model.Status(job)
	if status == schema.NotStarted || status == schema.Stopped || status == schema.Failed {
		return status, []string{fmt.Sprintf("model %v has status %v", model.Name, status)}, nil
	}

	deps, err := listModelDependencies(model.Id, db)
	if err != nil {
		return "", nil, fmt.Errorf("error while getting model status: %w", err)
	}

	statuses := map[string][]string{}
	for _, dep := range deps {
		depStatus := dep.Status(job)
		if dep.Id == model.Id {
			statuses[depStatus] = append(statuses[depStatus], fmt.Sprintf("model %v has status %v", dep.Id, depStatus))
		} else {
			statuses[depStatus] = append(statuses[depStatus], fmt.Sprintf("the model depends on %v which has status %v", dep.Id, depStatus))
		}
	}

	for _, s := range statusPriority {
		if len(statuses[s]) > 0 {
			return s, statuses[s], nil
		}
	}

	return status, nil, nil
}
