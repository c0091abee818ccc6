package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

const ApiKeyPrefix = "thirdai_platform_key"

const ApiKeyHeader = "X-API-Key"

var (
	ErrMissingAPIKey = schema.NewError(schema.ErrUnauthorized, "API key is missing")
	ErrInvalidAPIKey = schema.NewError(schema.ErrUnauthorized, "API key is invalid")
	ErrExpiredAPIKey = schema.NewError(schema.ErrUnauthorized, "API key has expired")
)

func removeApiKeyPrefix(input string) (string, error) {
	expectedPrefix := ApiKeyPrefix + "-"
	if strings.HasPrefix(input, expectedPrefix) {
		return strings.TrimPrefix(input, expectedPrefix), nil
	}
	return "", fmt.Errorf("input string must start with the prefix '%s-'", ApiKeyPrefix)
}

// GenerateApiKey returns the full key to hand to the user and the hash to
// store. Only the hash is ever persisted.
func GenerateApiKey() (string, string, error) {
	secret, err := generateRandomString(32)
	if err != nil {
		return "", "", err
	}

	fullKey := fmt.Sprintf("%s-%s", ApiKeyPrefix, secret)
	return fullKey, HashSecret(secret), nil
}

func generateRandomString(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	str := base64.RawURLEncoding.EncodeToString(bytes)
	if len(str) < n {
		return "", errors.New("insufficient length in generated string")
	}
	return str[:n], nil
}

func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ValidateApiKey looks up the key by its hash and checks that it has not
// expired. Model scope is not checked here, it is part of Authorize.
func ValidateApiKey(ctx context.Context, db *gorm.DB, fullKey string) (*schema.UserAPIKey, error) {
	if fullKey == "" {
		return nil, ErrMissingAPIKey
	}

	secret, err := removeApiKeyPrefix(fullKey)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	var record schema.UserAPIKey
	if err := db.WithContext(ctx).Where("hashkey = ?", HashSecret(secret)).Preload("Models").First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidAPIKey
		}
		slog.Error("sql error looking up api key", "error", err)
		return nil, schema.ErrDbAccessFailed
	}

	if time.Now().After(record.ExpiryTime) {
		return nil, ErrExpiredAPIKey
	}

	return &record, nil
}

// EitherUserOrApiKey authenticates requests carrying an X-API-Key header with
// the key, and everything else with the user token middlewares.
func EitherUserOrApiKey(db *gorm.DB, userAuthMiddlewares chi.Middlewares) func(http.Handler) http.Handler {
	userAuthChain := chi.Chain(userAuthMiddlewares...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get(ApiKeyHeader)
			if apiKey == "" {
				userAuthChain.Handler(next).ServeHTTP(w, r)
				return
			}

			key, err := ValidateApiKey(r.Context(), db, apiKey)
			if err != nil {
				switch {
				case errors.Is(err, ErrInvalidAPIKey), errors.Is(err, ErrMissingAPIKey):
					writeAuthError(w, err.Error(), http.StatusUnauthorized)
				case errors.Is(err, ErrExpiredAPIKey):
					writeAuthError(w, err.Error(), http.StatusForbidden)
				default:
					writeAuthError(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			user, err := schema.GetUser(key.CreatedBy, db.WithContext(r.Context()))
			if err != nil {
				if errors.Is(err, schema.ErrUserNotFound) {
					writeAuthError(w, "api key owner no longer exists", http.StatusUnauthorized)
					return
				}
				writeAuthError(w, "unable to load api key owner", http.StatusInternalServerError)
				return
			}

			ctx := withUser(r.Context(), user)
			ctx = context.WithValue(ctx, apiKeyRequestContextKey, key)
			recordPrincipal(ctx, Principal{User: &user, APIKey: key})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
