package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// findOne loads the single row matching the query, mapping a missing row to
// notFound and any other failure to ErrDbAccessFailed.
func findOne[T any](db *gorm.DB, notFound error, query string, args ...any) (T, error) {
	var row T
	result := db.Where(query, args...).First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return row, notFound
		}
		slog.Error("sql error loading row", "table", result.Statement.Table, "query", query, "error", result.Error)
		return row, ErrDbAccessFailed
	}
	return row, nil
}

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	return findOne[User](db, ErrUserNotFound, "id = ?", userId)
}

func GetTeam(teamId uuid.UUID, db *gorm.DB) (Team, error) {
	return findOne[Team](db, ErrTeamNotFound, "id = ?", teamId)
}

func GetUserTeam(teamId, userId uuid.UUID, db *gorm.DB) (UserTeam, error) {
	return findOne[UserTeam](db, ErrUserTeamNotFound, "team_id = ? and user_id = ?", teamId, userId)
}

// GetModel loads a model, optionally with its direct dependencies, its
// attributes, and its owner.
func GetModel(modelId uuid.UUID, db *gorm.DB, loadDeps, loadAttrs, loadUser bool) (Model, error) {
	if loadDeps {
		db = db.Preload("Dependencies").Preload("Dependencies.Dependency")
	}
	if loadAttrs {
		db = db.Preload("Attributes")
	}
	if loadUser {
		db = db.Preload("User")
	}
	return findOne[Model](db, ErrModelNotFound, "id = ?", modelId)
}

// GetModelPermission returns nil if there is no explicit permission row for
// the user on the model.
func GetModelPermission(modelId, userId uuid.UUID, db *gorm.DB) (*ModelPermission, error) {
	perm, err := findOne[ModelPermission](db, gorm.ErrRecordNotFound, "model_id = ? and user_id = ?", modelId, userId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &perm, nil
}
