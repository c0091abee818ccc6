package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/auth"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/orchestrator"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/storage"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/store"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ModelService struct {
	db         *gorm.DB
	store      *store.Store
	authz      *auth.Authorizer
	dispatcher *orchestrator.Dispatcher
	storage    storage.Storage

	userAuth auth.IdentityProvider
}

func (s *ModelService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(auth.EitherUserOrApiKey(s.db, s.userAuth.AuthMiddleware()))

	r.Post("/create", s.Create)
	r.Get("/list", s.List)

	r.Route("/{model_id}", func(r chi.Router) {
		r.Get("/permissions", s.Permissions)

		r.Group(func(r chi.Router) {
			r.Use(auth.ModelPermissionOnly(s.authz, auth.ReadPermission))

			r.Get("/", s.Info)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.ModelPermissionOnly(s.authz, auth.WritePermission))

			r.Post("/dependencies", s.AddDependency)
			r.Delete("/dependencies/{dependency_id}", s.RemoveDependency)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.ModelPermissionOnly(s.authz, auth.OwnerPermission))

			r.Delete("/", s.Delete)
			r.Post("/access", s.UpdateAccess)
			r.Post("/default-permission", s.UpdateDefaultPermission)
			r.Post("/team", s.UpdateTeam)
			r.Post("/permissions", s.SetPermission)
			r.Delete("/permissions/{user_id}", s.RemovePermission)
		})
	})

	return r
}

type ModelDependency struct {
	ModelId   uuid.UUID `json:"model_id"`
	ModelName string    `json:"model_name"`
	Type      string    `json:"type"`
	Username  string    `json:"username"`
}

type ModelInfo struct {
	ModelId           uuid.UUID  `json:"model_id"`
	ModelName         string     `json:"model_name"`
	Type              string     `json:"type"`
	SubType           string     `json:"sub_type"`
	Access            string     `json:"access"`
	DefaultPermission string     `json:"default_permission"`
	TrainStatus       string     `json:"train_status"`
	DeployStatus      string     `json:"deploy_status"`
	PublishDate       time.Time  `json:"publish_date"`
	UserEmail         string     `json:"user_email"`
	Username          string     `json:"username"`
	TeamId            *uuid.UUID `json:"team_id"`
	BaseModelId       *uuid.UUID `json:"base_model_id"`

	Attributes map[string]string `json:"attributes"`

	Dependencies []ModelDependency `json:"dependencies"`
}

// withModelInfo preloads everything convertToModelInfo reads.
func withModelInfo(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Dependencies").
		Preload("Dependencies.Dependency").
		Preload("Dependencies.Dependency.User").
		Preload("Attributes").
		Preload("User")
}

// convertToModelInfo reports the aggregate train and deploy statuses, which
// account for the statuses of the model's dependencies.
func convertToModelInfo(ctx context.Context, s *store.Store, model schema.Model) (ModelInfo, error) {
	trainStatus, _, err := s.AggregateStatus(ctx, model.Id, schema.TrainJob)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("error retrieving model train status: %w", err)
	}
	deployStatus, _, err := s.AggregateStatus(ctx, model.Id, schema.DeployJob)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("error retrieving model deploy status: %w", err)
	}

	var userEmail, username string
	if model.User != nil {
		userEmail = model.User.Email
		username = model.User.Username
	}

	deps := make([]ModelDependency, 0, len(model.Dependencies))
	for _, dep := range model.Dependencies {
		entry := ModelDependency{ModelId: dep.DependencyId}
		if dep.Dependency != nil {
			entry.ModelName = dep.Dependency.Name
			entry.Type = dep.Dependency.Type
			if dep.Dependency.User != nil {
				entry.Username = dep.Dependency.User.Username
			}
		}
		deps = append(deps, entry)
	}

	return ModelInfo{
		ModelId:           model.Id,
		ModelName:         model.Name,
		Type:              model.Type,
		SubType:           model.SubType,
		Access:            model.Access,
		DefaultPermission: model.DefaultPermission,
		TrainStatus:       trainStatus,
		DeployStatus:      deployStatus,
		PublishDate:       model.PublishedDate,
		UserEmail:         userEmail,
		Username:          username,
		TeamId:            model.TeamId,
		BaseModelId:       model.BaseModelId,
		Attributes:        model.GetAttributes(),
		Dependencies:      deps,
	}, nil
}

type createModelRequest struct {
	ModelName    string            `json:"model_name"`
	ModelType    string            `json:"model_type"`
	ModelSubType string            `json:"model_sub_type"`
	BaseModelId  *uuid.UUID        `json:"base_model_id"`
	Dependencies []uuid.UUID       `json:"dependencies"`
	Attributes   map[string]string `json:"attributes"`

	Access            string     `json:"access"`
	DefaultPermission string     `json:"default_permission"`
	TeamId            *uuid.UUID `json:"team_id"`
}

func (params *createModelRequest) validate() error {
	if params.ModelName == "" {
		return fmt.Errorf("%w: model_name must be specified", schema.ErrValidationFailed)
	}
	if params.ModelType == "" {
		return fmt.Errorf("%w: model_type must be specified", schema.ErrValidationFailed)
	}
	if params.Access == schema.Protected && params.TeamId == nil {
		return fmt.Errorf("%w: must specify team_id for a protected model", schema.ErrValidationFailed)
	}
	return nil
}

func requireReadPermission(ctx context.Context, authz *auth.Authorizer, principal auth.Principal, modelId uuid.UUID, role string) error {
	allowed, err := authz.Authorize(ctx, principal, modelId, schema.ReadPerm)
	if err != nil {
		if errors.Is(err, schema.ErrModelNotFound) {
			return fmt.Errorf("%w: %v %v", schema.ErrDependencyNotFound, role, modelId)
		}
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: no permission to access %v %v", schema.ErrUnauthorized, role, modelId)
	}
	return nil
}

// createModel checks that the principal can use the base model and every
// dependency before creating the model. A model with a base model inherits the
// base model's attributes and dependencies unless it specifies its own.
func createModel(ctx context.Context, db *gorm.DB, s *store.Store, authz *auth.Authorizer, principal auth.Principal, params createModelRequest) (schema.Model, error) {
	if err := params.validate(); err != nil {
		return schema.Model{}, err
	}

	user := principal.User

	attributes := params.Attributes
	dependencies := params.Dependencies

	if params.BaseModelId != nil {
		if err := requireReadPermission(ctx, authz, principal, *params.BaseModelId, "base model"); err != nil {
			return schema.Model{}, err
		}

		baseModel, err := s.GetModel(ctx, *params.BaseModelId, true, true)
		if err != nil {
			return schema.Model{}, fmt.Errorf("error retrieving base model: %w", err)
		}
		if baseModel.Type != params.ModelType {
			return schema.Model{}, fmt.Errorf("%w: specified base model has type %v but new model has type %v", schema.ErrValidationFailed, baseModel.Type, params.ModelType)
		}
		if baseModel.TrainStatus != schema.Complete {
			return schema.Model{}, fmt.Errorf("%w: base model training is not complete, training must be completed before use as base model", schema.ErrInvalidState)
		}

		if attributes == nil {
			attributes = baseModel.GetAttributes()
		}
		if dependencies == nil {
			for _, dep := range baseModel.Dependencies {
				dependencies = append(dependencies, dep.DependencyId)
			}
		}
	}

	for _, dep := range dependencies {
		if err := requireReadPermission(ctx, authz, principal, dep, "dependency"); err != nil {
			return schema.Model{}, err
		}
	}

	if params.TeamId != nil && !user.IsAdmin {
		if err := checkTeamMember(db.WithContext(ctx), user.Id, *params.TeamId); err != nil {
			return schema.Model{}, err
		}
	}

	spec := store.ModelSpec{
		Name:              params.ModelName,
		Type:              params.ModelType,
		SubType:           params.ModelSubType,
		Access:            params.Access,
		DefaultPermission: params.DefaultPermission,
		TeamId:            params.TeamId,
		BaseModelId:       params.BaseModelId,
	}
	for key, value := range attributes {
		spec.Attributes = append(spec.Attributes, store.Attribute{Key: key, Value: value})
	}

	model, err := s.CreateModel(ctx, spec, user.Id, dependencies)
	if err != nil {
		return schema.Model{}, err
	}

	slog.Info("created model", "model_id", model.Id, "model_name", model.Name, "model_type", model.Type, "user_id", user.Id, "code", logging.MODEL_CREATE)

	return model, nil
}

type createModelResponse struct {
	ModelId uuid.UUID `json:"model_id"`
}

func (s *ModelService) Create(w http.ResponseWriter, r *http.Request) {
	if _, ok := requestUser(w, r); !ok {
		return
	}

	var params createModelRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	model, err := createModel(r.Context(), s.db, s.store, s.authz, auth.PrincipalFromRequest(r), params)
	if err != nil {
		writeError(w, "error creating model", err)
		return
	}

	utils.WriteJsonResponse(w, createModelResponse{ModelId: model.Id})
}

func (s *ModelService) Info(w http.ResponseWriter, r *http.Request) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	var model schema.Model
	result := withModelInfo(s.db.WithContext(r.Context())).First(&model, "id = ?", modelId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			writeError(w, "error retrieving model", schema.ErrModelNotFound)
			return
		}
		slog.Error("sql error retrieving model", "model_id", modelId, "error", result.Error)
		writeError(w, "error retrieving model", schema.ErrDbAccessFailed)
		return
	}

	info, err := convertToModelInfo(r.Context(), s.store, model)
	if err != nil {
		writeError(w, "error retrieving model", err)
		return
	}

	utils.WriteJsonResponse(w, info)
}

// List returns the models the principal can read.
func (s *ModelService) List(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromRequest(r)

	var models []schema.Model
	result := withModelInfo(s.db.WithContext(r.Context())).Order("published_date DESC").Find(&models)
	if result.Error != nil {
		slog.Error("sql error listing models", "error", result.Error)
		writeError(w, "error listing models", schema.ErrDbAccessFailed)
		return
	}

	infos := make([]ModelInfo, 0, len(models))
	for _, model := range models {
		perm, err := s.authz.Permission(r.Context(), principal, model.Id)
		if err != nil {
			if errors.Is(err, schema.ErrModelNotFound) {
				continue
			}
			writeError(w, "error listing models", err)
			return
		}
		if perm < auth.ReadPermission {
			continue
		}

		info, err := convertToModelInfo(r.Context(), s.store, model)
		if err != nil {
			writeError(w, "error listing models", err)
			return
		}
		infos = append(infos, info)
	}

	utils.WriteJsonResponse(w, infos)
}

func countTrainingChildModels(db *gorm.DB, modelId uuid.UUID) (int64, error) {
	var childModels int64
	result := db.Model(&schema.Model{}).
		Where("base_model_id = ?", modelId).
		Where("train_status IN ?", []string{schema.NotStarted, schema.Starting, schema.InProgress}).
		Count(&childModels)
	if result.Error != nil {
		slog.Error("sql error counting child models", "error", result.Error)
		return 0, schema.ErrDbAccessFailed
	}
	return childModels, nil
}

// Delete is rejected while other models depend on the model or use it as the
// base of an unfinished training. Running jobs are stopped before the model
// is removed.
func (s *ModelService) Delete(w http.ResponseWriter, r *http.Request) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	ctx := r.Context()

	model, err := s.store.GetModel(ctx, modelId, false, false)
	if err != nil {
		writeError(w, "error deleting model", err)
		return
	}

	usedBy, err := s.store.CountDependents(ctx, modelId, false)
	if err != nil {
		writeError(w, "error deleting model", err)
		return
	}
	if usedBy != 0 {
		writeError(w, "error deleting model", fmt.Errorf("%w: model %v is used as a dependency by %d other models", schema.ErrHasDependents, modelId, usedBy))
		return
	}

	childModels, err := countTrainingChildModels(s.db.WithContext(ctx), modelId)
	if err != nil {
		writeError(w, "error deleting model", err)
		return
	}
	if childModels != 0 {
		writeError(w, "error deleting model", fmt.Errorf("%w: model %v is the base model of %d models that are not done training", schema.ErrHasDependents, modelId, childModels))
		return
	}

	if err := s.dispatcher.StopAll(ctx, model); err != nil {
		writeError(w, "error deleting model", err)
		return
	}

	if err := s.store.DeleteModel(ctx, modelId); err != nil {
		writeError(w, "error deleting model", err)
		return
	}

	if err := s.storage.DeleteModel(modelId); err != nil {
		slog.Error("error deleting model directory", "model_id", modelId, "error", err, "code", logging.MODEL_DELETE)
	}

	slog.Info("deleted model", "model_id", modelId, "code", logging.MODEL_DELETE)

	utils.WriteSuccess(w)
}

type addDependencyRequest struct {
	DependencyId uuid.UUID `json:"dependency_id"`
}

func (s *ModelService) AddDependency(w http.ResponseWriter, r *http.Request) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	var params addDependencyRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.DependencyId == uuid.Nil {
		utils.WriteError(w, "dependency_id must be specified", http.StatusBadRequest)
		return
	}

	if err := requireReadPermission(r.Context(), s.authz, auth.PrincipalFromRequest(r), params.DependencyId, "dependency"); err != nil {
		writeError(w, "error adding dependency", err)
		return
	}

	if err := s.store.AddDependency(r.Context(), modelId, params.DependencyId); err != nil {
		writeError(w, "error adding dependency", err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *ModelService) RemoveDependency(w http.ResponseWriter, r *http.Request) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}
	dependencyId, ok := urlParamUUID(w, r, "dependency_id")
	if !ok {
		return
	}

	if err := s.store.RemoveDependency(r.Context(), modelId, dependencyId); err != nil {
		writeError(w, "error removing dependency", err)
		return
	}

	utils.WriteSuccess(w)
}

type updateAccessRequest struct {
	Access string     `json:"access"`
	TeamId *uuid.UUID `json:"team_id"`
}

func (s *ModelService) UpdateAccess(w http.ResponseWriter, r *http.Request) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	var params updateAccessRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := schema.CheckValidAccess(params.Access); err != nil {
		writeError(w, "error updating model access", err)
		return
	}

	user, ok := requestUser(w, r)
	if !ok {
		return
	}

	model, err := s.store.GetModel(r.Context(), modelId, false, false)
	if err != nil {
		writeError(w, "error updating model access", err)
		return
	}

	if params.Access == schema.Protected && params.TeamId == nil && model.TeamId == nil {
		writeError(w, "error updating model access", fmt.Errorf("%w: must specify team_id if changing the model access to protected", schema.ErrValidationFailed))
		return
	}

	if params.TeamId != nil {
		if err := s.setTeam(r.Context(), user, modelId, params.TeamId); err != nil {
			writeError(w, "error updating model access", err)
			return
		}
	}

	if err := s.store.UpdateAccess(r.Context(), modelId, params.Access); err != nil {
		writeError(w, "error updating model access", err)
		return
	}

	utils.WriteSuccess(w)
}

type updateDefaultPermissionRequest struct {
	Permission string `json:"permission"`
}

func (s *ModelService) UpdateDefaultPermission(w http.ResponseWriter, r *http.Request) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	var params updateDefaultPermissionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := s.store.UpdateDefaultPermission(r.Context(), modelId, params.Permission); err != nil {
		writeError(w, "error updating model default permission", err)
		return
	}

	utils.WriteSuccess(w)
}

// setTeam requires non admins to be a member of the team they assign the model
// to.
func (s *ModelService) setTeam(ctx context.Context, user schema.User, modelId uuid.UUID, teamId *uuid.UUID) error {
	if teamId != nil && !user.IsAdmin {
		db := s.db.WithContext(ctx)
		if err := checkTeamExists(db, *teamId); err != nil {
			return err
		}
		if err := checkTeamMember(db, user.Id, *teamId); err != nil {
			return err
		}
	}
	return s.store.UpdateTeam(ctx, modelId, teamId)
}

type updateTeamRequest struct {
	TeamId *uuid.UUID `json:"team_id"`
}

func (s *ModelService) UpdateTeam(w http.ResponseWriter, r *http.Request) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	var params updateTeamRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	user, ok := requestUser(w, r)
	if !ok {
		return
	}

	if err := s.setTeam(r.Context(), user, modelId, params.TeamId); err != nil {
		writeError(w, "error updating model team", err)
		return
	}

	utils.WriteSuccess(w)
}

type setPermissionRequest struct {
	UserId     uuid.UUID `json:"user_id"`
	Permission string    `json:"permission"`
}

func (s *ModelService) SetPermission(w http.ResponseWriter, r *http.Request) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	var params setPermissionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.UserId == uuid.Nil {
		utils.WriteError(w, "user_id must be specified", http.StatusBadRequest)
		return
	}

	if err := s.store.SetPermission(r.Context(), modelId, params.UserId, params.Permission); err != nil {
		writeError(w, "error setting model permission", err)
		return
	}

	utils.WriteSuccess(w)
}

func (s *ModelService) RemovePermission(w http.ResponseWriter, r *http.Request) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}
	userId, ok := urlParamUUID(w, r, "user_id")
	if !ok {
		return
	}

	if err := s.store.RemovePermission(r.Context(), modelId, userId); err != nil {
		writeError(w, "error removing model permission", err)
		return
	}

	utils.WriteSuccess(w)
}

type PermissionGrant struct {
	UserId     uuid.UUID `json:"user_id"`
	Username   string    `json:"username"`
	Permission string    `json:"permission"`
}

type ModelPermissions struct {
	Read     bool      `json:"read"`
	Write    bool      `json:"write"`
	Owner    bool      `json:"owner"`
	Username string    `json:"username"`
	Exp      time.Time `json:"exp"`

	// Only listed for owners.
	Grants []PermissionGrant `json:"grants,omitempty"`
}

// Permissions reports the caller's permission on the model and when the
// credential it was computed for expires.
func (s *ModelService) Permissions(w http.ResponseWriter, r *http.Request) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	user, ok := requestUser(w, r)
	if !ok {
		return
	}

	permission, err := s.authz.Permission(r.Context(), auth.PrincipalFromRequest(r), modelId)
	if err != nil {
		writeError(w, "error retrieving model permissions", err)
		return
	}

	var expiration time.Time
	if key, ok := auth.APIKeyFromContext(r); ok {
		expiration = key.ExpiryTime
	} else {
		expiration, err = s.userAuth.GetTokenExpiration(r)
		if err != nil {
			slog.Error("error retrieving jwt expiration", "error", err)
			utils.WriteError(w, "error retrieving token expiration", http.StatusInternalServerError)
			return
		}
	}

	res := ModelPermissions{
		Read:     permission >= auth.ReadPermission,
		Write:    permission >= auth.WritePermission,
		Owner:    permission >= auth.OwnerPermission,
		Username: user.Username,
		Exp:      expiration,
	}

	if res.Owner {
		grants, err := s.store.ListPermissions(r.Context(), modelId)
		if err != nil {
			writeError(w, "error retrieving model permissions", err)
			return
		}
		res.Grants = make([]PermissionGrant, 0, len(grants))
		for _, grant := range grants {
			entry := PermissionGrant{UserId: grant.UserId, Permission: grant.Permission}
			if grant.User != nil {
				entry.Username = grant.User.Username
			}
			res.Grants = append(res.Grants, entry)
		}
	}

	utils.WriteJsonResponse(w, res)
}
