package store

import (
	"context"
	"log/slog"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) updateModelField(ctx context.Context, modelId uuid.UUID, column string, value interface{}) error {
	return s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := checkModelExists(txn, modelId); err != nil {
			return err
		}
		result := txn.Model(&schema.Model{Id: modelId}).Update(column, value)
		if result.Error != nil {
			return dbError("update model "+column, result.Error, "model_id", modelId)
		}
		slog.Info("updated model", "model_id", modelId, "field", column, "value", value)
		return nil
	})
}

func (s *Store) UpdateAccess(ctx context.Context, modelId uuid.UUID, access string) error {
	if err := schema.CheckValidAccess(access); err != nil {
		return err
	}
	return s.updateModelField(ctx, modelId, "access", access)
}

func (s *Store) UpdateDefaultPermission(ctx context.Context, modelId uuid.UUID, permission string) error {
	if err := schema.CheckValidPermission(permission); err != nil {
		return err
	}
	return s.updateModelField(ctx, modelId, "default_permission", permission)
}

// UpdateTeam assigns the model to a team, or removes it from its team when
// teamId is nil.
func (s *Store) UpdateTeam(ctx context.Context, modelId uuid.UUID, teamId *uuid.UUID) error {
	if teamId != nil {
		if _, err := schema.GetTeam(*teamId, s.db.WithContext(ctx)); err != nil {
			return err
		}
	}
	return s.updateModelField(ctx, modelId, "team_id", teamId)
}

func (s *Store) SetPermission(ctx context.Context, modelId, userId uuid.UUID, permission string) error {
	if err := schema.CheckValidPermission(permission); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := checkModelExists(txn, modelId); err != nil {
			return err
		}
		if _, err := schema.GetUser(userId, txn); err != nil {
			return err
		}

		row := schema.ModelPermission{UserId: userId, ModelId: modelId, Permission: permission}
		result := txn.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "model_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"permission"}),
		}).Create(&row)
		if result.Error != nil {
			return dbError("set model permission", result.Error, "model_id", modelId, "user_id", userId)
		}

		slog.Info("set model permission", "model_id", modelId, "user_id", userId, "permission", permission)
		return nil
	})
}

func (s *Store) RemovePermission(ctx context.Context, modelId, userId uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&schema.ModelPermission{}, "model_id = ? AND user_id = ?", modelId, userId)
	if result.Error != nil {
		return dbError("delete model permission", result.Error, "model_id", modelId, "user_id", userId)
	}
	return nil
}

func (s *Store) ListPermissions(ctx context.Context, modelId uuid.UUID) ([]schema.ModelPermission, error) {
	db := s.db.WithContext(ctx)
	if err := checkModelExists(db, modelId); err != nil {
		return nil, err
	}

	var perms []schema.ModelPermission
	if result := db.Preload("User").Where("model_id = ?", modelId).Find(&perms); result.Error != nil {
		return nil, dbError("list model permissions", result.Error, "model_id", modelId)
	}
	return perms, nil
}
