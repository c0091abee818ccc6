package services

import (
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

type DeployService struct {
	db         *gorm.DB
	store      *store.Store
	authz      *auth.Authorizer
	dispatcher *orchestrator.Dispatcher
	storage    storage.Storage
	gate       *licensing.Gate

	userAuth auth.IdentityProvider
	jobAuth  *auth.JobTokenManager

	variables Variables
}

func (s *DeployService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/{model_id}", func(r chi.Router) {
		r.Use(auth.EitherUserOrApiKey(s.db, s.userAuth.AuthMiddleware()))

		r.Group(func(r chi.Router) {
			r.Use(auth.ModelPermissionOnly(s.authz, auth.OwnerPermission))

			r.With(s.gate.Middleware, checkSufficientStorage(s.storage)).Post("/", s.Start)
			r.Delete("/", s.Stop)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.ModelPermissionOnly(s.authz, auth.ReadPermission))

			r.Get("/status", s.GetStatus)
			r.Get("/logs", s.Logs)
			r.Get("/job-logs", s.JobLogs)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.jobAuth.Middleware(schema.DeployJob))

		r.Post("/update-status", s.UpdateStatus)
		r.Post("/log", s.JobLog)
	})

	return r
}

type startDeployRequest struct {
	DeploymentName string `json:"deployment_name"`
	config.AutoscalingOptions
	Memory int `json:"memory"`
}

type DeployedModel struct {
	ModelId  uuid.UUID `json:"model_id"`
	JobName  string    `json:"job_name"`
	Existing bool      `json:"existing"`
}

type startDeployResponse struct {
	Deployed []DeployedModel `json:"deployed"`
}

// deployOptions are merged over the model attributes in the deploy config.
// Models that use a hosted llm get the provider's key.
func (s *DeployService) deployOptions(model schema.Model) (map[string]string, error) {
	provider, ok := model.GetAttributes()["llm_provider"]
	if !ok {
		return nil, nil
	}
	key, err := s.variables.GenaiKey(provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrValidationFailed, err)
	}
	if key == "" {
		return nil, nil
	}
	return map[string]string{"genai_key": key}, nil
}

// Start deploys the model and every model it transitively depends on,
// dependencies first. Dependencies that are already deployed are skipped, and
// only the requested model is given the deployment name.
func (s *DeployService) Start(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(w, r)
	if !ok {
		return
	}

	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	var params startDeployRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	models, err := s.store.ListModelDependencies(r.Context(), modelId)
	if err != nil {
		writeError(w, "error starting model deployment", err)
		return
	}

	deployed := make([]DeployedModel, 0, len(models))
	for _, model := range models {
		isTarget := model.Id == modelId

		if !isTarget {
			switch model.DeployStatus {
			case schema.Starting, schema.InProgress, schema.Complete:
				slog.Info("dependency is already deployed", "model_id", modelId, "dependency_id", model.Id, "deploy_status", model.DeployStatus)
				continue
			}
		}

		withAttrs, err := s.store.GetModel(r.Context(), model.Id, false, true)
		if err != nil {
			writeError(w, "error starting model deployment", err)
			return
		}

		options, err := s.deployOptions(withAttrs)
		if err != nil {
			writeError(w, "error starting model deployment", err)
			return
		}

		memory := deploymentMemory(model.Id, params.Memory, withAttrs.GetAttributes())

		req := orchestrator.DispatchRequest{
			Job:     schema.DeployJob,
			ModelId: model.Id,
			UserId:  user.Id,
			Resources: config.JobOptions{
				AllocationCores:     2,
				AllocationMemory:    memory,
				AllocationMemoryMax: 4 * memory,
			},
			Options: options,
		}
		if isTarget {
			req.DeploymentName = params.DeploymentName
			req.Autoscaling = params.AutoscalingOptions
		}

		slog.Info("deploying model", "model_id", model.Id, "autoscaling", req.Autoscaling.Enabled, "memory", memory, "deployment_name", req.DeploymentName, "code", logging.JOB_DISPATCH)

		handle, err := s.dispatcher.Dispatch(r.Context(), req)
		if err != nil {
			if !isTarget {
				err = fmt.Errorf("unable to deploy dependency %v: %w", model.Id, err)
			}
			writeError(w, "error starting model deployment", err)
			return
		}

		deployed = append(deployed, DeployedModel{ModelId: model.Id, JobName: handle.Name, Existing: handle.Existing})
	}

	slog.Info("model deployed successfully", "model_id", modelId, "deployed", len(deployed))

	utils.WriteJsonResponse(w, startDeployResponse{Deployed: deployed})
}

func (s *DeployService) Stop(w http.ResponseWriter, r *http.Request) {
	stopJobHandler(w, r, s.dispatcher, schema.DeployJob)
}

func (s *DeployService) GetStatus(w http.ResponseWriter, r *http.Request) {
	getStatusHandler(w, r, s.store, schema.DeployJob)
}

func (s *DeployService) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	updateStatusHandler(w, r, s.store, schema.DeployJob)
}

func (s *DeployService) Logs(w http.ResponseWriter, r *http.Request) {
	getLogsHandler(w, r, s.dispatcher, schema.DeployJob)
}

func (s *DeployService) JobLog(w http.ResponseWriter, r *http.Request) {
	jobLogHandler(w, r, s.store, schema.DeployJob)
}

func (s *DeployService) JobLogs(w http.ResponseWriter, r *http.Request) {
	jobLogsHandler(w, r, s.store, schema.DeployJob)
}
