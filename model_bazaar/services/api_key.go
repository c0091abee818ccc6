package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/auth"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrApiKeyNotFound = schema.NewError(schema.ErrNotFound, "api key not found")

// ApiKeyService manages api keys. Keys can only be managed with a user token,
// a key cannot be used to mint or revoke other keys.
type ApiKeyService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *ApiKeyService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Post("/create", s.Create)
	r.Get("/list", s.List)
	r.Delete("/{key_id}", s.Delete)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin(s.db))

		r.Get("/all", s.ListAll)
	})

	return r
}

type createApiKeyRequest struct {
	ModelIds  []uuid.UUID `json:"model_ids"`
	Name      string      `json:"name"`
	Exp       time.Time   `json:"exp"`
	AllModels bool        `json:"all_models"`
}

func (req *createApiKeyRequest) validate() error {
	if !req.AllModels && len(req.ModelIds) == 0 {
		return errors.New("model_ids are required if all_models is false")
	}
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("name is required")
	}
	if req.Exp.Before(time.Now()) {
		return errors.New("api key is already expired")
	}
	return nil
}

type createApiKeyResponse struct {
	ApiKey string `json:"api_key"`
}

func uniqueIds(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	unique := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return unique
}

// dependencyIds returns the direct dependencies of the given models that are
// not in the list themselves. A deployment queries its dependencies with the
// caller's key, so they are added to the key's scope.
func dependencyIds(txn *gorm.DB, modelIds []uuid.UUID) ([]uuid.UUID, error) {
	var deps []schema.ModelDependency
	if err := txn.Where("model_id IN ?", modelIds).Find(&deps).Error; err != nil {
		slog.Error("sql error listing model dependencies", "error", err)
		return nil, schema.ErrDbAccessFailed
	}

	requested := make(map[uuid.UUID]bool, len(modelIds))
	for _, id := range modelIds {
		requested[id] = true
	}

	ids := make([]uuid.UUID, 0, len(deps))
	for _, dep := range deps {
		if !requested[dep.DependencyId] {
			ids = append(ids, dep.DependencyId)
		}
	}
	return uniqueIds(ids), nil
}

// scopedModels loads the models for a new key. The caller must own every
// model it asks for. Dependencies are included whoever owns them, access to
// them is still checked per request.
func scopedModels(txn *gorm.DB, userId uuid.UUID, modelIds []uuid.UUID) ([]schema.Model, error) {
	ids := uniqueIds(modelIds)

	var models []schema.Model
	if err := txn.Where("id IN ?", ids).Where("user_id = ?", userId).Find(&models).Error; err != nil {
		slog.Error("sql error loading api key models", "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	if len(models) != len(ids) {
		return nil, CodedError(errors.New("some model_ids are invalid or do not belong to the user"), http.StatusBadRequest)
	}

	depIds, err := dependencyIds(txn, ids)
	if err != nil {
		return nil, err
	}
	if len(depIds) == 0 {
		return models, nil
	}

	var deps []schema.Model
	if err := txn.Where("id IN ?", depIds).Find(&deps).Error; err != nil {
		slog.Error("sql error loading api key model dependencies", "error", err)
		return nil, schema.ErrDbAccessFailed
	}
	return append(models, deps...), nil
}

func (s *ApiKeyService) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(w, r)
	if !ok {
		return
	}

	var params createApiKeyRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if err := params.validate(); err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	fullKey, hashKey, err := auth.GenerateApiKey()
	if err != nil {
		slog.Error("error generating api key", "error", err)
		utils.WriteError(w, "failed to generate api key", http.StatusInternalServerError)
		return
	}

	var keyId uuid.UUID
	err = s.db.WithContext(r.Context()).Transaction(func(txn *gorm.DB) error {
		var models []schema.Model
		if !params.AllModels {
			var err error
			models, err = scopedModels(txn, user.Id, params.ModelIds)
			if err != nil {
				return err
			}
		}

		key := schema.UserAPIKey{
			Id:            uuid.New(),
			HashKey:       hashKey,
			Name:          params.Name,
			Models:        models,
			AllModels:     params.AllModels,
			GeneratedTime: time.Now(),
			ExpiryTime:    params.Exp,
			CreatedBy:     user.Id,
		}

		if err := txn.Create(&key).Error; err != nil {
			slog.Error("sql error creating api key", "error", err)
			return schema.ErrDbAccessFailed
		}
		keyId = key.Id

		return nil
	})
	if err != nil {
		writeError(w, "error creating api key", err)
		return
	}

	slog.Info("created api key", "key_id", keyId, "user_id", user.Id, "all_models", params.AllModels)

	utils.WriteJsonResponse(w, createApiKeyResponse{ApiKey: fullKey})
}

type ApiKeyInfo struct {
	Id        uuid.UUID   `json:"id"`
	Name      string      `json:"name"`
	CreatedBy uuid.UUID   `json:"created_by"`
	Expiry    time.Time   `json:"expiry"`
	AllModels bool        `json:"all_models"`
	ModelIds  []uuid.UUID `json:"model_ids"`
}

func (s *ApiKeyService) listKeys(w http.ResponseWriter, r *http.Request, query *gorm.DB) {
	var keys []schema.UserAPIKey
	if err := query.Preload("Models").Order("generated_time").Find(&keys).Error; err != nil {
		slog.Error("sql error listing api keys", "error", err)
		writeError(w, "error listing api keys", schema.ErrDbAccessFailed)
		return
	}

	infos := make([]ApiKeyInfo, 0, len(keys))
	for _, key := range keys {
		modelIds := make([]uuid.UUID, 0, len(key.Models))
		for _, model := range key.Models {
			modelIds = append(modelIds, model.Id)
		}
		infos = append(infos, ApiKeyInfo{
			Id:        key.Id,
			Name:      key.Name,
			CreatedBy: key.CreatedBy,
			Expiry:    key.ExpiryTime,
			AllModels: key.AllModels,
			ModelIds:  modelIds,
		})
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *ApiKeyService) List(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(w, r)
	if !ok {
		return
	}

	s.listKeys(w, r, s.db.WithContext(r.Context()).Where("created_by = ?", user.Id))
}

func (s *ApiKeyService) ListAll(w http.ResponseWriter, r *http.Request) {
	s.listKeys(w, r, s.db.WithContext(r.Context()))
}

// Delete revokes a key. Only the creator of the key or an admin may revoke it.
func (s *ApiKeyService) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(w, r)
	if !ok {
		return
	}

	keyId, ok := urlParamUUID(w, r, "key_id")
	if !ok {
		return
	}

	err := s.db.WithContext(r.Context()).Transaction(func(txn *gorm.DB) error {
		var key schema.UserAPIKey
		if err := txn.First(&key, "id = ?", keyId).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrApiKeyNotFound
			}
			slog.Error("sql error retrieving api key", "key_id", keyId, "error", err)
			return schema.ErrDbAccessFailed
		}

		if key.CreatedBy != user.Id && !user.IsAdmin {
			return fmt.Errorf("%w: you do not own this key", schema.ErrUnauthorized)
		}

		if err := txn.Select("Models").Delete(&key).Error; err != nil {
			slog.Error("sql error deleting api key", "key_id", keyId, "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		writeError(w, "error deleting api key", err)
		return
	}

	slog.Info("deleted api key", "key_id", keyId, "user_id", user.Id)

	utils.WriteSuccess(w)
}
