package services

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/auth"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/store"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TeamService struct {
	db       *gorm.DB
	store    *store.Store
	userAuth auth.IdentityProvider
}

func (s *TeamService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.With(auth.RequireAdmin(s.db)).Post("/create", s.CreateTeam)

	r.Get("/list", s.List)

	r.Route("/{team_id}", func(r chi.Router) {
		r.With(auth.RequireAdmin(s.db)).Delete("/", s.DeleteTeam)

		r.Group(func(r chi.Router) {
			r.Use(auth.AdminOrTeamAdminOnly(s.db))

			r.Post("/users", s.AddUserToTeam)
			r.Delete("/users/{user_id}", s.RemoveUserFromTeam)

			r.Post("/admins/{user_id}", s.AddTeamAdmin)
			r.Delete("/admins/{user_id}", s.RemoveTeamAdmin)

			r.Get("/users", s.TeamUsers)
			r.Get("/models", s.TeamModels)
		})
	})

	return r
}

type createTeamRequest struct {
	Name string `json:"name"`
}

type createTeamResponse struct {
	TeamId uuid.UUID `json:"team_id"`
}

func (s *TeamService) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var params createTeamRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Name == "" {
		utils.WriteError(w, "team name must be specified", http.StatusBadRequest)
		return
	}

	newTeam := schema.Team{Id: uuid.New(), Name: params.Name}

	err := s.db.WithContext(r.Context()).Transaction(func(txn *gorm.DB) error {
		var existing int64
		result := txn.Model(&schema.Team{}).Where("name = ?", params.Name).Count(&existing)
		if result.Error != nil {
			slog.Error("sql error checking for duplicate team name", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if existing != 0 {
			return fmt.Errorf("%w: team with name %v already exists", schema.ErrInvalidState, params.Name)
		}

		if result := txn.Create(&newTeam); result.Error != nil {
			slog.Error("sql error creating new team", "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})

	if err != nil {
		writeError(w, "error creating team", err)
		return
	}

	slog.Info("created team", "team_id", newTeam.Id, "name", newTeam.Name)

	utils.WriteJsonResponse(w, createTeamResponse{TeamId: newTeam.Id})
}

// DeleteTeam removes the team and its memberships. Protected models of the
// team become private to their owners.
func (s *TeamService) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	teamId, ok := urlParamUUID(w, r, "team_id")
	if !ok {
		return
	}

	err := s.db.WithContext(r.Context()).Transaction(func(txn *gorm.DB) error {
		if err := checkTeamExists(txn, teamId); err != nil {
			return err
		}

		result := txn.Model(&schema.Model{}).Where("team_id = ? AND access = ?", teamId, schema.Protected).Update("access", schema.Private)
		if result.Error != nil {
			slog.Error("sql error updating model access after team deletion", "team_id", teamId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		result = txn.Model(&schema.Model{}).Where("team_id = ?", teamId).Update("team_id", nil)
		if result.Error != nil {
			slog.Error("sql error clearing model teams after team deletion", "team_id", teamId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		if result := txn.Delete(&schema.UserTeam{}, "team_id = ?", teamId); result.Error != nil {
			slog.Error("sql error deleting team members", "team_id", teamId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		if result := txn.Delete(&schema.Team{Id: teamId}); result.Error != nil {
			slog.Error("sql error deleting team", "team_id", teamId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})

	if err != nil {
		writeError(w, "error deleting team", err)
		return
	}

	slog.Info("deleted team", "team_id", teamId)

	utils.WriteSuccess(w)
}

type addUserToTeamRequest struct {
	UserId    uuid.UUID `json:"user_id"`
	TeamAdmin bool      `json:"team_admin"`
}

func (s *TeamService) AddUserToTeam(w http.ResponseWriter, r *http.Request) {
	teamId, ok := urlParamUUID(w, r, "team_id")
	if !ok {
		return
	}

	var params addUserToTeamRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.UserId == uuid.Nil {
		utils.WriteError(w, "user_id must be specified", http.StatusBadRequest)
		return
	}

	err := s.db.WithContext(r.Context()).Transaction(func(txn *gorm.DB) error {
		if err := checkTeamExists(txn, teamId); err != nil {
			return err
		}

		if err := checkUserExists(txn, params.UserId); err != nil {
			return err
		}

		userTeam := schema.UserTeam{UserId: params.UserId, TeamId: teamId, IsTeamAdmin: params.TeamAdmin}
		if result := txn.Save(&userTeam); result.Error != nil {
			slog.Error("sql error creating new user_team entry", "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})

	if err != nil {
		writeError(w, "error adding user to team", err)
		return
	}

	utils.WriteSuccess(w)
}

// RemoveUserFromTeam also removes the team from any models the user owns in
// it, so they are no longer visible to the remaining members.
func (s *TeamService) RemoveUserFromTeam(w http.ResponseWriter, r *http.Request) {
	teamId, ok := urlParamUUID(w, r, "team_id")
	if !ok {
		return
	}
	userId, ok := urlParamUUID(w, r, "user_id")
	if !ok {
		return
	}

	err := s.db.WithContext(r.Context()).Transaction(func(txn *gorm.DB) error {
		if err := checkTeamExists(txn, teamId); err != nil {
			return err
		}

		if err := checkTeamMember(txn, userId, teamId); err != nil {
			return err
		}

		if result := txn.Delete(&schema.UserTeam{UserId: userId, TeamId: teamId}); result.Error != nil {
			slog.Error("sql error deleting user_team entry", "team_id", teamId, "user_id", userId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		result := txn.Model(&schema.Model{}).Where("team_id = ? AND user_id = ?", teamId, userId).Updates(map[string]interface{}{"team_id": nil, "access": schema.Private})
		if result.Error != nil {
			slog.Error("sql error updating models after removing user from team", "team_id", teamId, "user_id", userId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})

	if err != nil {
		writeError(w, "error removing user from team", err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *TeamService) setTeamAdmin(w http.ResponseWriter, r *http.Request, isTeamAdmin bool) {
	teamId, ok := urlParamUUID(w, r, "team_id")
	if !ok {
		return
	}
	userId, ok := urlParamUUID(w, r, "user_id")
	if !ok {
		return
	}

	err := s.db.WithContext(r.Context()).Transaction(func(txn *gorm.DB) error {
		if err := checkTeamExists(txn, teamId); err != nil {
			return err
		}

		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		if !isTeamAdmin {
			if err := checkTeamMember(txn, userId, teamId); err != nil {
				return err
			}
		}

		result := txn.Save(&schema.UserTeam{TeamId: teamId, UserId: userId, IsTeamAdmin: isTeamAdmin})
		if result.Error != nil {
			slog.Error("sql error updating team admin", "user_id", userId, "team_id", teamId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})

	if err != nil {
		writeError(w, "error updating team admin", err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *TeamService) AddTeamAdmin(w http.ResponseWriter, r *http.Request) {
	s.setTeamAdmin(w, r, true)
}

func (s *TeamService) RemoveTeamAdmin(w http.ResponseWriter, r *http.Request) {
	s.setTeamAdmin(w, r, false)
}

type TeamInfo struct {
	Id   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

func (s *TeamService) List(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(w, r)
	if !ok {
		return
	}

	db := s.db.WithContext(r.Context())

	var teams []schema.Team
	var result *gorm.DB
	if user.IsAdmin {
		result = db.Order("name").Find(&teams)
	} else {
		memberOf := db.Model(&schema.UserTeam{}).Select("team_id").Where("user_id = ?", user.Id)
		result = db.Where("id IN (?)", memberOf).Order("name").Find(&teams)
	}

	if result.Error != nil {
		slog.Error("sql error listing accessible teams", "user_id", user.Id, "error", result.Error)
		writeError(w, "error listing teams", schema.ErrDbAccessFailed)
		return
	}

	infos := make([]TeamInfo, 0, len(teams))
	for _, team := range teams {
		infos = append(infos, TeamInfo{Id: team.Id, Name: team.Name})
	}

	utils.WriteJsonResponse(w, infos)
}

type TeamUserInfo struct {
	UserId    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	TeamAdmin bool      `json:"team_admin"`
}

func (s *TeamService) TeamUsers(w http.ResponseWriter, r *http.Request) {
	teamId, ok := urlParamUUID(w, r, "team_id")
	if !ok {
		return
	}

	db := s.db.WithContext(r.Context())

	if err := checkTeamExists(db, teamId); err != nil {
		writeError(w, "error listing team users", err)
		return
	}

	var users []schema.UserTeam
	if result := db.Preload("User").Where("team_id = ?", teamId).Find(&users); result.Error != nil {
		slog.Error("sql error listing team users", "team_id", teamId, "error", result.Error)
		writeError(w, "error listing team users", schema.ErrDbAccessFailed)
		return
	}

	infos := make([]TeamUserInfo, 0, len(users))
	for _, user := range users {
		info := TeamUserInfo{UserId: user.UserId, TeamAdmin: user.IsTeamAdmin}
		if user.User != nil {
			info.Username = user.User.Username
			info.Email = user.User.Email
		}
		infos = append(infos, info)
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *TeamService) TeamModels(w http.ResponseWriter, r *http.Request) {
	teamId, ok := urlParamUUID(w, r, "team_id")
	if !ok {
		return
	}

	db := s.db.WithContext(r.Context())

	if err := checkTeamExists(db, teamId); err != nil {
		writeError(w, "error listing team models", err)
		return
	}

	var models []schema.Model
	result := db.
		Preload("Dependencies").Preload("Dependencies.Dependency").Preload("Attributes").Preload("User").
		Where("team_id = ?", teamId).
		Find(&models)
	if result.Error != nil {
		slog.Error("sql error listing team models", "team_id", teamId, "error", result.Error)
		writeError(w, "error listing team models", schema.ErrDbAccessFailed)
		return
	}

	infos := make([]ModelInfo, 0, len(models))
	for _, model := range models {
		info, err := convertToModelInfo(r.Context(), s.store, model)
		if err != nil {
			writeError(w, "error listing team models", err)
			return
		}
		infos = append(infos, info)
	}

	utils.WriteJsonResponse(w, infos)
}
