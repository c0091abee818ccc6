package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFoundWithEmail = schema.NewError(schema.ErrUnauthorized, "no user found for given email")
	ErrInvalidCredentials    = schema.NewError(schema.ErrUnauthorized, "invalid login credentials")
	ErrGeneratingJwt         = errors.New("error generating jwt")
	ErrEmailAlreadyInUse     = schema.NewError(schema.ErrInvalidState, "email is already in use")
	ErrUsernameAlreadyInUse  = schema.NewError(schema.ErrInvalidState, "username is already in use")
)

// LoginResult is the principal a login authenticated and the access token
// that carries it on later requests.
type LoginResult struct {
	Principal   Principal
	AccessToken string
	ExpiresAt   time.Time
}

func (l LoginResult) UserId() uuid.UUID {
	return l.Principal.User.Id
}

func (l LoginResult) IsAdmin() bool {
	return l.Principal.User.IsAdmin
}

type NewUser struct {
	Username string
	Email    string
	Password string
}

func (u NewUser) validate() error {
	if u.Username == "" || u.Email == "" || u.Password == "" {
		return fmt.Errorf("%w: username, email, and password must be specified", schema.ErrValidationFailed)
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return fmt.Errorf("%w: invalid email '%v'", schema.ErrValidationFailed, u.Email)
	}
	return nil
}

// IdentityProvider authenticates the users of the engine. Every middleware
// chain it returns leaves the authenticated user in the request context, where
// PrincipalFromRequest finds it.
type IdentityProvider interface {
	AuthMiddleware() chi.Middlewares

	AllowDirectSignup() bool

	LoginWithEmail(ctx context.Context, email, password string) (LoginResult, error)

	CreateUser(ctx context.Context, user NewUser) (schema.User, error)

	GetTokenExpiration(r *http.Request) (time.Time, error)
}

// ensureAdmin creates the configured admin unless a user with the same id,
// username, or email already exists. An existing user is left untouched so a
// restart never resets a changed admin password.
func ensureAdmin(db *gorm.DB, admin schema.User) error {
	admin.IsAdmin = true

	err := db.Transaction(func(txn *gorm.DB) error {
		var existing []schema.User
		result := txn.Limit(1).Find(&existing, "id = ? or username = ? or email = ?", admin.Id, admin.Username, admin.Email)
		if result.Error != nil {
			slog.Error("sql error checking for existing admin", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if len(existing) > 0 {
			if !existing[0].IsAdmin {
				slog.Warn("configured admin matches a non admin user", "user_id", existing[0].Id, "username", existing[0].Username)
			}
			return nil
		}

		if result := txn.Create(&admin); result.Error != nil {
			slog.Error("sql error creating initial admin user", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		slog.Info("created initial admin", "user_id", admin.Id, "username", admin.Username)
		return nil
	})
	if err != nil {
		return fmt.Errorf("error adding initial admin to db: %w", err)
	}

	return nil
}

type requestContextKey string

const (
	userRequestContextKey   requestContextKey = "user"
	apiKeyRequestContextKey requestContextKey = "api_key"
	modelRequestContextKey  requestContextKey = "job_model_id"
)
