package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/auth"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/config"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/licensing"
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

type TrainService struct {
	db         *gorm.DB
	store      *store.Store
	authz      *auth.Authorizer
	dispatcher *orchestrator.Dispatcher
	storage    storage.Storage
	gate       *licensing.Gate

	userAuth auth.IdentityProvider
	jobAuth  *auth.JobTokenManager
}

func (s *TrainService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Use(s.gate.Middleware)
		r.Use(checkSufficientStorage(s.storage))

		r.Post("/", s.Train)

		r.With(auth.ModelPermissionOnly(s.authz, auth.WritePermission)).Post("/{model_id}/start", s.Start)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.jobAuth.Middleware(schema.TrainJob))

		r.Post("/update-status", s.UpdateStatus)
		r.Post("/log", s.JobLog)
	})

	r.Route("/{model_id}", func(r chi.Router) {
		r.Use(auth.EitherUserOrApiKey(s.db, s.userAuth.AuthMiddleware()))

		r.Group(func(r chi.Router) {
			r.Use(auth.ModelPermissionOnly(s.authz, auth.ReadPermission))

			r.Get("/status", s.GetStatus)
			r.Get("/logs", s.Logs)
			r.Get("/job-logs", s.JobLogs)
		})

		r.With(auth.ModelPermissionOnly(s.authz, auth.WritePermission)).Delete("/", s.Stop)
	})

	return r
}

// trainOptions are passed through to the train job config as received, the
// engine does not interpret them.
type trainOptions struct {
	ModelOptions json.RawMessage   `json:"model_options"`
	Data         json.RawMessage   `json:"data"`
	TrainOptions json.RawMessage   `json:"train_options"`
	JobOptions   config.JobOptions `json:"job_options"`
}

type trainRequest struct {
	createModelRequest
	trainOptions
}

type trainResponse struct {
	ModelId uuid.UUID `json:"model_id"`
	JobName string    `json:"job_name"`
}

func (s *TrainService) dispatch(r *http.Request, model schema.Model, userId uuid.UUID, opts trainOptions) (orchestrator.JobHandle, error) {
	return s.dispatcher.Dispatch(r.Context(), orchestrator.DispatchRequest{
		Job:          schema.TrainJob,
		ModelId:      model.Id,
		UserId:       userId,
		Resources:    opts.JobOptions,
		ModelOptions: opts.ModelOptions,
		Data:         opts.Data,
		TrainOptions: opts.TrainOptions,
		IsRetraining: model.BaseModelId != nil,
	})
}

// Train creates a model and starts its train job. If the job cannot be
// started the model is kept and its train status and job logs record the
// failure.
func (s *TrainService) Train(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(w, r)
	if !ok {
		return
	}

	var params trainRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := params.JobOptions.Validate(); err != nil {
		utils.WriteError(w, fmt.Sprintf("invalid job options: %v", err), http.StatusBadRequest)
		return
	}

	model, err := createModel(r.Context(), s.db, s.store, s.authz, auth.PrincipalFromRequest(r), params.createModelRequest)
	if err != nil {
		writeError(w, "error creating model", err)
		return
	}

	slog.Info("starting training", "model_type", model.Type, "model_id", model.Id, "model_name", model.Name)

	handle, err := s.dispatch(r, model, user.Id, params.trainOptions)
	if err != nil {
		writeError(w, fmt.Sprintf("error starting %v training", model.Type), err)
		return
	}

	slog.Info("started training successfully", "model_type", model.Type, "model_id", model.Id, "job_name", handle.Name, "code", logging.JOB_DISPATCH)

	utils.WriteJsonResponse(w, trainResponse{ModelId: model.Id, JobName: handle.Name})
}

// Start (re)starts training for an existing model that has not started, has
// failed, or was stopped.
func (s *TrainService) Start(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(w, r)
	if !ok {
		return
	}

	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	var params trainOptions
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	model, err := s.store.GetModel(r.Context(), modelId, false, false)
	if err != nil {
		writeError(w, "error starting training", err)
		return
	}

	handle, err := s.dispatch(r, model, user.Id, params)
	if err != nil {
		writeError(w, "error starting training", err)
		return
	}

	utils.WriteJsonResponse(w, trainResponse{ModelId: model.Id, JobName: handle.Name})
}

func (s *TrainService) Stop(w http.ResponseWriter, r *http.Request) {
	stopJobHandler(w, r, s.dispatcher, schema.TrainJob)
}

func (s *TrainService) GetStatus(w http.ResponseWriter, r *http.Request) {
	getStatusHandler(w, r, s.store, schema.TrainJob)
}

func (s *TrainService) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	updateStatusHandler(w, r, s.store, schema.TrainJob)
}

func (s *TrainService) Logs(w http.ResponseWriter, r *http.Request) {
	getLogsHandler(w, r, s.dispatcher, schema.TrainJob)
}

func (s *TrainService) JobLog(w http.ResponseWriter, r *http.Request) {
	jobLogHandler(w, r, s.store, schema.TrainJob)
}

func (s *TrainService) JobLogs(w http.ResponseWriter, r *http.Request) {
	jobLogsHandler(w, r, s.store, schema.TrainJob)
}
