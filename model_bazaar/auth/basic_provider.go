package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const passwordHashCost = 10

// BasicIdentityProvider keeps users and bcrypt password hashes in the engine's
// database and issues its own short lived access tokens.
type BasicIdentityProvider struct {
	jwtManager *JwtManager
	db         *gorm.DB
}

type BasicProviderArgs struct {
	Secret        []byte
	AdminUsername string
	AdminEmail    string
	AdminPassword string
}

func NewBasicIdentityProvider(db *gorm.DB, args BasicProviderArgs) (*BasicIdentityProvider, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(args.AdminPassword), passwordHashCost)
	if err != nil {
		return nil, fmt.Errorf("error encrypting admin password: %w", err)
	}

	admin := schema.User{Id: uuid.New(), Username: args.AdminUsername, Email: args.AdminEmail, Password: hashedPwd}
	if err := ensureAdmin(db, admin); err != nil {
		return nil, err
	}

	return &BasicIdentityProvider{jwtManager: NewJwtManager(args.Secret), db: db}, nil
}

// loadPrincipal resolves the user id claim of a verified token. The user is
// reloaded on every request so deleted users lose access immediately.
func (auth *BasicIdentityProvider) loadPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claim, err := valueFromContext(r, userIdKey)
		if err != nil {
			writeAuthError(w, err.Error(), http.StatusUnauthorized)
			return
		}

		userId, err := uuid.Parse(claim)
		if err != nil {
			writeAuthError(w, fmt.Sprintf("invalid user id '%v' in token", claim), http.StatusUnauthorized)
			return
		}

		user, err := schema.GetUser(userId, auth.db.WithContext(r.Context()))
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				writeAuthError(w, err.Error(), http.StatusUnauthorized)
				return
			}
			writeAuthError(w, fmt.Sprintf("unable to load user %v", userId), http.StatusInternalServerError)
			return
		}

		recordPrincipal(r.Context(), UserPrincipal(user))

		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

func (auth *BasicIdentityProvider) AuthMiddleware() chi.Middlewares {
	return chi.Middlewares{auth.jwtManager.Verifier(), auth.jwtManager.Authenticator(), auth.loadPrincipal}
}

func (auth *BasicIdentityProvider) AllowDirectSignup() bool {
	return true
}

func (auth *BasicIdentityProvider) LoginWithEmail(ctx context.Context, email, password string) (LoginResult, error) {
	var users []schema.User
	result := auth.db.WithContext(ctx).Limit(1).Find(&users, "email = ?", email)
	if result.Error != nil {
		slog.Error("sql error looking up user by email", "error", result.Error)
		return LoginResult{}, schema.ErrDbAccessFailed
	}
	if len(users) == 0 {
		return LoginResult{}, ErrUserNotFoundWithEmail
	}
	user := users[0]

	if err := bcrypt.CompareHashAndPassword(user.Password, []byte(password)); err != nil {
		slog.Warn("failed login attempt", "user_id", user.Id)
		return LoginResult{}, ErrInvalidCredentials
	}

	token, expiresAt, err := auth.jwtManager.CreateUserJwt(user.Id)
	if err != nil {
		return LoginResult{}, ErrGeneratingJwt
	}

	return LoginResult{Principal: UserPrincipal(user), AccessToken: token, ExpiresAt: expiresAt}, nil
}

func (auth *BasicIdentityProvider) CreateUser(ctx context.Context, newUser NewUser) (schema.User, error) {
	if err := newUser.validate(); err != nil {
		return schema.User{}, err
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(newUser.Password), passwordHashCost)
	if err != nil {
		return schema.User{}, fmt.Errorf("error encrypting password: %w", err)
	}

	user := schema.User{Id: uuid.New(), Username: newUser.Username, Email: newUser.Email, Password: hashedPwd}

	err = auth.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var existing []schema.User
		result := txn.Limit(1).Find(&existing, "username = ? or email = ?", user.Username, user.Email)
		if result.Error != nil {
			slog.Error("sql error checking for existing username/email", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if len(existing) > 0 {
			if existing[0].Username == user.Username {
				return ErrUsernameAlreadyInUse
			}
			return ErrEmailAlreadyInUse
		}

		if result := txn.Create(&user); result.Error != nil {
			slog.Error("sql error creating new user entry", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		return schema.User{}, fmt.Errorf("error creating new user: %w", err)
	}

	return user, nil
}

func (auth *BasicIdentityProvider) GetTokenExpiration(r *http.Request) (time.Time, error) {
	token, _, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return time.Time{}, fmt.Errorf("error retrieving access token: %w", err)
	}

	return token.Expiration(), nil
}
