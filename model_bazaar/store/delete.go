package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeleteModel removes a model that no other model depends on. Rows referencing
// the model are removed explicitly in the same transaction, independent of any
// foreign key actions the database may also apply.
func (s *Store) DeleteModel(ctx context.Context, modelId uuid.UUID) error {
	unlock, err := s.locks.Lock(ctx, graphLockKey)
	if err != nil {
		return err
	}
	defer unlock()

	return s.WithModelLock(ctx, modelId, func(m *LockedModel) error {
		err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
			if err := checkModelExists(txn, modelId); err != nil {
				return err
			}

			dependents, err := countDependents(txn, modelId, false)
			if err != nil {
				return err
			}
			if dependents > 0 {
				return fmt.Errorf("%w: %d model(s) depend on %v", schema.ErrHasDependents, dependents, modelId)
			}

			return deleteModelRows(txn, modelId)
		})
		if err != nil {
			return err
		}

		slog.Info("deleted model", "model_id", modelId)
		return nil
	})
}

func deleteModelRows(txn *gorm.DB, modelId uuid.UUID) error {
	steps := []struct {
		name string
		run  func() *gorm.DB
	}{
		{"model attributes", func() *gorm.DB {
			return txn.Delete(&schema.ModelAttribute{}, "model_id = ?", modelId)
		}},
		{"model dependencies", func() *gorm.DB {
			return txn.Delete(&schema.ModelDependency{}, "model_id = ?", modelId)
		}},
		{"model permissions", func() *gorm.DB {
			return txn.Delete(&schema.ModelPermission{}, "model_id = ?", modelId)
		}},
		{"api key model links", func() *gorm.DB {
			return txn.Exec("DELETE FROM user_api_key_models WHERE model_id = ?", modelId)
		}},
		{"job logs", func() *gorm.DB {
			return txn.Delete(&schema.JobLog{}, "model_id = ?", modelId)
		}},
		{"base model references", func() *gorm.DB {
			return txn.Model(&schema.Model{}).Where("base_model_id = ?", modelId).Update("base_model_id", nil)
		}},
		{"model", func() *gorm.DB {
			return txn.Delete(&schema.Model{Id: modelId})
		}},
	}

	for _, step := range steps {
		if result := step.run(); result.Error != nil {
			return dbError("delete "+step.name, result.Error, "model_id", modelId)
		}
	}

	return nil
}
