package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidJobToken = schema.NewError(schema.ErrUnauthorized, "invalid job token")

type JobClaims struct {
	ModelId string `json:"model_id"`
	Job     string `json:"job"`
	jwt.RegisteredClaims
}

// JobTokenManager issues the tokens that train and deploy jobs use to report
// status and logs for the single model they were started for.
type JobTokenManager struct {
	secret []byte
}

func NewJobTokenManager(secret []byte) *JobTokenManager {
	return &JobTokenManager{secret: secret}
}

func (m *JobTokenManager) CreateJobToken(modelId uuid.UUID, job string, exp time.Duration) (string, error) {
	now := time.Now()
	claims := JobClaims{
		ModelId: modelId.String(),
		Job:     job,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "model_bazaar",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(exp)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("error signing job token: %w", err)
	}
	return token, nil
}

func (m *JobTokenManager) Verify(token string) (*JobClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &JobClaims{}, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobToken, err)
	}

	claims, ok := parsed.Claims.(*JobClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidJobToken
	}
	return claims, nil
}

// Middleware accepts only tokens issued for the given job kind and stores the
// model id from the token in the request context.
func (m *JobTokenManager) Middleware(job string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				writeAuthError(w, "missing job token", http.StatusUnauthorized)
				return
			}

			claims, err := m.Verify(token)
			if err != nil {
				writeAuthError(w, err.Error(), http.StatusUnauthorized)
				return
			}

			if claims.Job != job {
				writeAuthError(w, fmt.Sprintf("token was issued for a %v job, not %v", claims.Job, job), http.StatusForbidden)
				return
			}

			modelId, err := uuid.Parse(claims.ModelId)
			if err != nil {
				writeAuthError(w, fmt.Sprintf("invalid model id in job token: %v", err), http.StatusUnauthorized)
				return
			}

			recordJob(r.Context(), modelId, claims.Job)

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), modelRequestContextKey, modelId)))
		})
	}
}

func ModelIdFromContext(r *http.Request) (uuid.UUID, error) {
	id, ok := r.Context().Value(modelRequestContextKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, fmt.Errorf("model id not found in request context")
	}
	return id, nil
}
