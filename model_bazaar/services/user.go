package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/auth"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if s.userAuth.AllowDirectSignup() {
			r.Post("/signup", s.Signup)
		}

		r.Post("/login", s.LoginWithEmail)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/info", s.Info)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Use(auth.RequireAdmin(s.db))

		r.Get("/list", s.List)

		r.Post("/{user_id}/admin", s.PromoteAdmin)
		r.Delete("/{user_id}/admin", s.DemoteAdmin)
	})

	return r
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

func (s *UserService) Signup(w http.ResponseWriter, r *http.Request) {
	var params signupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	user, err := s.userAuth.CreateUser(r.Context(), auth.NewUser{Username: params.Username, Email: params.Email, Password: params.Password})
	if err != nil {
		writeError(w, "signup failed", err)
		return
	}

	slog.Info("user signed up", "user_id", user.Id, "username", user.Username)

	utils.WriteJsonResponse(w, signupResponse{UserId: user.Id})
}

type loginResponse struct {
	UserId      uuid.UUID `json:"user_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Admin       bool      `json:"admin"`
}

func (s *UserService) LoginWithEmail(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		utils.WriteError(w, "missing or invalid Authorization header", http.StatusUnauthorized)
		return
	}

	login, err := s.userAuth.LoginWithEmail(r.Context(), email, password)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFoundWithEmail) || errors.Is(err, auth.ErrInvalidCredentials) {
			err = CodedError(err, http.StatusUnauthorized)
		}
		writeError(w, "login failed", err)
		return
	}

	utils.WriteJsonResponse(w, loginResponse{
		UserId:      login.UserId(),
		AccessToken: login.AccessToken,
		ExpiresAt:   login.ExpiresAt,
		Admin:       login.IsAdmin(),
	})
}

type UserTeamInfo struct {
	TeamId      uuid.UUID `json:"team_id"`
	TeamName    string    `json:"team_name"`
	IsTeamAdmin bool      `json:"team_admin"`
}

type UserInfo struct {
	Id    uuid.UUID      `json:"id"`
	Email string         `json:"email"`
	Name  string         `json:"username"`
	Admin bool           `json:"admin"`
	Teams []UserTeamInfo `json:"teams"`
}

func convertToUserInfo(user *schema.User) UserInfo {
	teams := make([]UserTeamInfo, 0, len(user.Teams))
	for _, team := range user.Teams {
		info := UserTeamInfo{TeamId: team.TeamId, IsTeamAdmin: team.IsTeamAdmin}
		if team.Team != nil {
			info.TeamName = team.Team.Name
		}
		teams = append(teams, info)
	}

	return UserInfo{
		Id:    user.Id,
		Email: user.Email,
		Name:  user.Username,
		Admin: user.IsAdmin,
		Teams: teams,
	}
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	reqUser, ok := requestUser(w, r)
	if !ok {
		return
	}

	var user schema.User
	result := s.db.WithContext(r.Context()).Preload("Teams").Preload("Teams.Team").First(&user, "id = ?", reqUser.Id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			writeError(w, "error loading user info", schema.ErrUserNotFound)
			return
		}
		slog.Error("sql error loading user info", "user_id", reqUser.Id, "error", result.Error)
		writeError(w, "error loading user info", schema.ErrDbAccessFailed)
		return
	}

	utils.WriteJsonResponse(w, convertToUserInfo(&user))
}

func (s *UserService) List(w http.ResponseWriter, r *http.Request) {
	var users []schema.User
	result := s.db.WithContext(r.Context()).Preload("Teams").Preload("Teams.Team").Order("username").Find(&users)
	if result.Error != nil {
		slog.Error("sql error listing users", "error", result.Error)
		writeError(w, "error listing users", schema.ErrDbAccessFailed)
		return
	}

	infos := make([]UserInfo, 0, len(users))
	for i := range users {
		infos = append(infos, convertToUserInfo(&users[i]))
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *UserService) setAdmin(w http.ResponseWriter, r *http.Request, isAdmin bool) {
	userId, ok := urlParamUUID(w, r, "user_id")
	if !ok {
		return
	}

	err := s.db.WithContext(r.Context()).Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			return err
		}

		if !isAdmin && user.IsAdmin {
			var admins int64
			if result := txn.Model(&schema.User{}).Where("is_admin = ?", true).Count(&admins); result.Error != nil {
				slog.Error("sql error counting admins", "error", result.Error)
				return schema.ErrDbAccessFailed
			}
			if admins <= 1 {
				return fmt.Errorf("%w: cannot demote the last admin", schema.ErrInvalidState)
			}
		}

		result := txn.Model(&user).Update("is_admin", isAdmin)
		if result.Error != nil {
			slog.Error("sql error updating user admin flag", "user_id", userId, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		return nil
	})

	if err != nil {
		writeError(w, "error updating admin status", err)
		return
	}

	slog.Info("updated user admin status", "user_id", userId, "admin", isAdmin)

	utils.WriteSuccess(w)
}

func (s *UserService) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	s.setAdmin(w, r, true)
}

func (s *UserService) DemoteAdmin(w http.ResponseWriter, r *http.Request) {
	s.setAdmin(w, r, false)
}
