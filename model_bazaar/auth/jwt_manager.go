package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
)

// User access tokens are short lived and cannot be revoked individually;
// rotating the secret invalidates all of them.
const userTokenExpiry = 15 * time.Minute

type JwtManager struct {
	auth *jwtauth.JWTAuth
}

func NewJwtManager(secret []byte) *JwtManager {
	return &JwtManager{auth: jwtauth.New("HS256", secret, nil)}
}

func (m *JwtManager) Verifier() func(http.Handler) http.Handler {
	return jwtauth.Verifier(m.auth)
}

// Authenticator rejects requests without a valid token. It replaces the
// jwtauth default so that failures use the same json error body as the rest
// of the api.
func (m *JwtManager) Authenticator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, _, err := jwtauth.FromContext(r.Context())
			if err != nil || token == nil {
				writeAuthError(w, "missing or invalid access token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const userIdKey = "user_id"

// CreateUserJwt returns the signed token and the time it expires.
func (m *JwtManager) CreateUserJwt(userId uuid.UUID) (string, time.Time, error) {
	expiresAt := time.Now().Add(userTokenExpiry).Truncate(time.Second)
	claims := map[string]interface{}{
		userIdKey: userId.String(),
	}
	jwtauth.SetExpiry(claims, expiresAt)
	jwtauth.SetIssuedNow(claims)

	_, token, err := m.auth.Encode(claims)
	if err != nil {
		slog.Error("error generating jwt", "error", err)
		return "", time.Time{}, fmt.Errorf("error generating access token: %w", err)
	}
	return token, expiresAt, nil
}

func valueFromContext(r *http.Request, key string) (string, error) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return "", fmt.Errorf("error retrieving auth claims: %w", err)
	}

	valueUncasted, ok := claims[key]
	if !ok {
		return "", fmt.Errorf("invalid token: unable to locate key %v in claims", key)
	}

	value, ok := valueUncasted.(string)
	if !ok {
		return "", fmt.Errorf("invalid token: value for key %v has invalid type", key)
	}

	return value, nil
}
