package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/locking"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// graphLockKey guards edge insertion so that two concurrent inserts cannot both
// pass the reachability check and close a cycle between them.
const graphLockKey = "model-graph"

type Store struct {
	db    *gorm.DB
	locks locking.Locker
}

func New(db *gorm.DB, locks locking.Locker) *Store {
	if locks == nil {
		locks = locking.NewKeyedMutex()
	}
	return &Store{db: db, locks: locks}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

type Attribute struct {
	Key   string
	Value string
}

type ModelSpec struct {
	// Optional, a new id is generated if unset.
	Id uuid.UUID

	Name    string
	Type    string
	SubType string

	Access            string
	DefaultPermission string

	TeamId      *uuid.UUID
	BaseModelId *uuid.UUID

	Attributes []Attribute
}

func (spec *ModelSpec) validate() error {
	if spec.Name == "" {
		return fmt.Errorf("%w: model name must be specified", schema.ErrValidationFailed)
	}
	if spec.Type == "" {
		return fmt.Errorf("%w: model type must be specified", schema.ErrValidationFailed)
	}
	if spec.Access == "" {
		spec.Access = schema.Private
	}
	if err := schema.CheckValidAccess(spec.Access); err != nil {
		return err
	}
	if spec.DefaultPermission == "" {
		spec.DefaultPermission = schema.ReadPerm
	}
	if err := schema.CheckValidPermission(spec.DefaultPermission); err != nil {
		return err
	}
	if spec.Id == uuid.Nil {
		spec.Id = uuid.New()
	}
	return nil
}

func dbError(op string, err error, args ...any) error {
	slog.Error("sql error in "+op, append(args, "error", err)...)
	return schema.ErrDbAccessFailed
}

func checkModelExists(txn *gorm.DB, modelId uuid.UUID) error {
	var count int64
	result := txn.Model(&schema.Model{}).Where("id = ?", modelId).Count(&count)
	if result.Error != nil {
		return dbError("check model exists", result.Error, "model_id", modelId)
	}
	if count != 1 {
		return schema.ErrModelNotFound
	}
	return nil
}

// CreateModel inserts a model in not_started/not_started together with its
// attributes and dependency edges. Either everything is written or nothing is.
func (s *Store) CreateModel(ctx context.Context, spec ModelSpec, ownerId uuid.UUID, dependencies []uuid.UUID) (schema.Model, error) {
	if err := spec.validate(); err != nil {
		return schema.Model{}, err
	}

	unlock, err := s.locks.Lock(ctx, graphLockKey)
	if err != nil {
		return schema.Model{}, err
	}
	defer unlock()

	model := schema.Model{
		Id:                spec.Id,
		Name:              spec.Name,
		Type:              spec.Type,
		SubType:           spec.SubType,
		PublishedDate:     time.Now().UTC(),
		TrainStatus:       schema.NotStarted,
		DeployStatus:      schema.NotStarted,
		Access:            spec.Access,
		DefaultPermission: spec.DefaultPermission,
		BaseModelId:       spec.BaseModelId,
		UserId:            ownerId,
		TeamId:            spec.TeamId,
	}

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetUser(ownerId, txn); err != nil {
			return err
		}

		if spec.TeamId != nil {
			if _, err := schema.GetTeam(*spec.TeamId, txn); err != nil {
				return err
			}
		}

		if spec.BaseModelId != nil {
			if err := checkModelExists(txn, *spec.BaseModelId); err != nil {
				if errors.Is(err, schema.ErrModelNotFound) {
					return fmt.Errorf("%w: base model %v", schema.ErrDependencyNotFound, *spec.BaseModelId)
				}
				return err
			}
		}

		var duplicates int64
		result := txn.Model(&schema.Model{}).Where("user_id = ? AND name = ?", ownerId, spec.Name).Count(&duplicates)
		if result.Error != nil {
			return dbError("check duplicate model", result.Error, "name", spec.Name)
		}
		if duplicates > 0 {
			return fmt.Errorf("%w: '%v'", schema.ErrDuplicateModel, spec.Name)
		}

		if result := txn.Create(&model); result.Error != nil {
			return dbError("create model", result.Error, "model_id", model.Id)
		}

		for _, attr := range spec.Attributes {
			row := schema.ModelAttribute{ModelId: model.Id, Key: attr.Key, Value: attr.Value}
			if result := txn.Save(&row); result.Error != nil {
				return dbError("create model attribute", result.Error, "model_id", model.Id, "key", attr.Key)
			}
		}

		for _, dep := range dependencies {
			if err := addEdge(txn, model.Id, dep); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return schema.Model{}, err
	}

	slog.Info("created model", "model_id", model.Id, "name", model.Name, "type", model.Type, "n_deps", len(dependencies))

	return s.GetModel(ctx, model.Id, true, true)
}

func (s *Store) GetModel(ctx context.Context, modelId uuid.UUID, withDeps, withAttrs bool) (schema.Model, error) {
	return schema.GetModel(modelId, s.db.WithContext(ctx), withDeps, withAttrs, false)
}

// ListModels returns every model, most recently published first.
func (s *Store) ListModels(ctx context.Context) ([]schema.Model, error) {
	var models []schema.Model
	result := s.db.WithContext(ctx).Preload("Dependencies").Preload("Attributes").Order("published_date DESC").Find(&models)
	if result.Error != nil {
		return nil, dbError("list models", result.Error)
	}
	return models, nil
}

// ListActiveModels returns models with a job that the backend may still be
// running: train starting or in progress, or deploy starting, in progress or
// complete.
func (s *Store) ListActiveModels(ctx context.Context) ([]schema.Model, error) {
	var models []schema.Model
	result := s.db.WithContext(ctx).
		Where("train_status IN ?", []string{schema.Starting, schema.InProgress}).
		Or("deploy_status IN ?", []string{schema.Starting, schema.InProgress, schema.Complete}).
		Find(&models)
	if result.Error != nil {
		return nil, dbError("list active models", result.Error)
	}
	return models, nil
}

func (s *Store) SetAttribute(ctx context.Context, modelId uuid.UUID, key, value string) error {
	return s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := checkModelExists(txn, modelId); err != nil {
			return err
		}
		row := schema.ModelAttribute{ModelId: modelId, Key: key, Value: value}
		if result := txn.Save(&row); result.Error != nil {
			return dbError("set model attribute", result.Error, "model_id", modelId, "key", key)
		}
		return nil
	})
}
