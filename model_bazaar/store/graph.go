package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// reachable reports whether target can be reached from start by following
// dependency edges. The traversal is a breadth first search over the
// model_dependencies table, one query per level.
func reachable(txn *gorm.DB, start, target uuid.UUID) (bool, error) {
	if start == target {
		return true, nil
	}

	visited := map[uuid.UUID]bool{start: true}
	frontier := []uuid.UUID{start}

	for len(frontier) > 0 {
		var next []uuid.UUID
		result := txn.Model(&schema.ModelDependency{}).Where("model_id IN ?", frontier).Distinct().Pluck("dependency_id", &next)
		if result.Error != nil {
			return false, dbError("traverse model dependencies", result.Error)
		}

		frontier = frontier[:0]
		for _, id := range next {
			if id == target {
				return true, nil
			}
			if !visited[id] {
				visited[id] = true
				frontier = append(frontier, id)
			}
		}
	}

	return false, nil
}

// addEdge inserts modelId -> dependencyId unless it would close a cycle, which
// is the case exactly when modelId is reachable from dependencyId.
func addEdge(txn *gorm.DB, modelId, dependencyId uuid.UUID) error {
	if err := checkModelExists(txn, dependencyId); err != nil {
		if errors.Is(err, schema.ErrModelNotFound) {
			return fmt.Errorf("%w: %v", schema.ErrDependencyNotFound, dependencyId)
		}
		return err
	}

	cycle, err := reachable(txn, dependencyId, modelId)
	if err != nil {
		return err
	}
	if cycle {
		return fmt.Errorf("%w: %v -> %v", schema.ErrCyclicDependency, modelId, dependencyId)
	}

	edge := schema.ModelDependency{ModelId: modelId, DependencyId: dependencyId}
	result := txn.Clauses(clause.OnConflict{DoNothing: true}).Create(&edge)
	if result.Error != nil {
		return dbError("create model dependency", result.Error, "model_id", modelId, "dependency_id", dependencyId)
	}
	return nil
}

func (s *Store) AddDependency(ctx context.Context, modelId, dependencyId uuid.UUID) error {
	unlock, err := s.locks.Lock(ctx, graphLockKey)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := checkModelExists(txn, modelId); err != nil {
			return err
		}
		return addEdge(txn, modelId, dependencyId)
	})
	if err != nil {
		return err
	}

	slog.Info("added model dependency", "model_id", modelId, "dependency_id", dependencyId)
	return nil
}

func (s *Store) RemoveDependency(ctx context.Context, modelId, dependencyId uuid.UUID) error {
	unlock, err := s.locks.Lock(ctx, graphLockKey)
	if err != nil {
		return err
	}
	defer unlock()

	result := s.db.WithContext(ctx).Delete(&schema.ModelDependency{}, "model_id = ? AND dependency_id = ?", modelId, dependencyId)
	if result.Error != nil {
		return dbError("delete model dependency", result.Error, "model_id", modelId, "dependency_id", dependencyId)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: model %v does not depend on %v", schema.ErrDependencyNotFound, modelId, dependencyId)
	}

	slog.Info("removed model dependency", "model_id", modelId, "dependency_id", dependencyId)
	return nil
}

// ListModelDependencies returns the model and everything it transitively
// depends on. Dependencies always appear before the models that use them, and
// the requested model is last.
func (s *Store) ListModelDependencies(ctx context.Context, modelId uuid.UUID) ([]schema.Model, error) {
	return listModelDependencies(modelId, s.db.WithContext(ctx))
}

func listModelDependencies(modelId uuid.UUID, db *gorm.DB) ([]schema.Model, error) {
	visited := map[uuid.UUID]struct{}{}
	models := []schema.Model{}

	var recurse func(uuid.UUID) error

	recurse = func(m uuid.UUID) error {
		if _, ok := visited[m]; ok {
			return nil
		}

		visited[m] = struct{}{}

		model, err := schema.GetModel(m, db, true, true, false)
		if err != nil {
			return err
		}

		for _, dep := range model.Dependencies {
			if err := recurse(dep.DependencyId); err != nil {
				return err
			}
		}

		models = append(models, model)
		return nil
	}

	if err := recurse(modelId); err != nil {
		return nil, fmt.Errorf("error listing model dependencies: %w", err)
	}

	return models, nil
}

// CountDependents counts the models with a direct edge to modelId. With
// activeOnly only dependents whose deployment is starting, running or complete
// are counted.
func (s *Store) CountDependents(ctx context.Context, modelId uuid.UUID, activeOnly bool) (int64, error) {
	return countDependents(s.db.WithContext(ctx), modelId, activeOnly)
}

func countDependents(txn *gorm.DB, modelId uuid.UUID, activeOnly bool) (int64, error) {
	query := txn.Model(&schema.ModelDependency{}).Where("dependency_id = ?", modelId)
	if activeOnly {
		query = query.Joins("Model").Where("deploy_status IN ?", []string{schema.Starting, schema.InProgress, schema.Complete})
	}

	var count int64
	if result := query.Count(&count); result.Error != nil {
		return 0, dbError("count dependent models", result.Error, "model_id", modelId)
	}
	return count, nil
}
