package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/auth"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/licensing"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/orchestrator"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/storage"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/store"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils/logging"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

// GetResponseCode returns the code of a CodedError, otherwise the code for the
// error's category.
func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}

	switch {
	case errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, schema.ErrUnauthorized),
		errors.Is(err, licensing.ErrLicenseInvalid),
		errors.Is(err, licensing.ErrLicenseExpired),
		errors.Is(err, licensing.ErrLicenseUnreadable),
		errors.Is(err, licensing.ErrCpuLimitExceeded):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrTemplateRender):
		return http.StatusUnprocessableEntity
	case errors.Is(err, schema.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrInsufficientStorage):
		return http.StatusInsufficientStorage
	}

	slog.Error("uncategorized error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

// writeError reports err with the response code for its category. Details of
// internal and backend failures are logged but not returned to the caller.
func writeError(w http.ResponseWriter, action string, err error) {
	code := GetResponseCode(err)
	switch code {
	case http.StatusInternalServerError:
		slog.Error(action+" failed", "error", err)
		utils.WriteError(w, fmt.Sprintf("%v: internal server error", action), code)
	case http.StatusServiceUnavailable:
		slog.Error(action+" failed", "error", err)
		utils.WriteError(w, fmt.Sprintf("%v: %v", action, orchestrator.ErrBackendUnavailable), code)
	default:
		utils.WriteError(w, fmt.Sprintf("%v: %v", action, err), code)
	}
}

func urlParamUUID(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := utils.URLParamUUID(r, key)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func requestUser(w http.ResponseWriter, r *http.Request) (schema.User, bool) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusUnauthorized)
		return schema.User{}, false
	}
	return user, true
}

type StatusResponse struct {
	Status   string   `json:"status"`
	Messages []string `json:"messages"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func splitJobLogs(logs []schema.JobLog) ([]string, []string) {
	errors := make([]string, 0)
	warnings := make([]string, 0)
	for _, log := range logs {
		switch log.Level {
		case schema.LogError:
			errors = append(errors, log.Message)
		case schema.LogWarning:
			warnings = append(warnings, log.Message)
		}
	}
	return errors, warnings
}

func getStatusHandler(w http.ResponseWriter, r *http.Request, s *store.Store, job string) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	slog.Debug("getting status for model", "job", job, "model_id", modelId)

	status, messages, err := s.AggregateStatus(r.Context(), modelId, job)
	if err != nil {
		writeError(w, "error retrieving model status", err)
		return
	}

	logs, err := s.ListJobLogs(r.Context(), modelId, job)
	if err != nil {
		writeError(w, "error retrieving model job messages", err)
		return
	}
	errors, warnings := splitJobLogs(logs)

	utils.WriteJsonResponse(w, StatusResponse{Status: status, Messages: messages, Errors: errors, Warnings: warnings})
}

type updateStatusRequest struct {
	Status   string                 `json:"status"`
	Metadata map[string]interface{} `json:"metadata"`
}

// updateStatusHandler is called by running jobs to report progress. The model
// comes from the job token, and the new status must be a valid transition.
func updateStatusHandler(w http.ResponseWriter, r *http.Request, s *store.Store, job string) {
	modelId, err := auth.ModelIdFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params updateStatusRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := schema.CheckValidStatus(params.Status); err != nil {
		writeError(w, "error updating status", err)
		return
	}

	slog.Info("updating status for model", "job", job, "status", params.Status, "model_id", modelId, "code", logging.MODEL_STATUS)

	if err := s.UpdateStatus(r.Context(), modelId, job, params.Status); err != nil {
		slog.Error("error updating model status", "job", job, "model_id", modelId, "error", err, "code", logging.MODEL_STATUS)
		writeError(w, "error updating status", err)
		return
	}

	if len(params.Metadata) > 0 {
		metadataJson, err := json.Marshal(params.Metadata)
		if err != nil {
			utils.WriteError(w, fmt.Sprintf("metadata cannot be serialized to json: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.SetAttribute(r.Context(), modelId, "metadata", string(metadataJson)); err != nil {
			writeError(w, "error saving model metadata", err)
			return
		}
	}

	utils.WriteSuccess(w)
}

type jobLogRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func jobLogHandler(w http.ResponseWriter, r *http.Request, s *store.Store, job string) {
	modelId, err := auth.ModelIdFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params jobLogRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := s.AppendJobLog(r.Context(), modelId, job, params.Level, params.Message); err != nil {
		writeError(w, "error creating job log", err)
		return
	}

	utils.WriteSuccess(w)
}

func jobLogsHandler(w http.ResponseWriter, r *http.Request, s *store.Store, job string) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	logs, err := s.ListJobLogs(r.Context(), modelId, job)
	if err != nil {
		writeError(w, "error listing job logs", err)
		return
	}

	utils.WriteJsonResponse(w, logs)
}

func getLogsHandler(w http.ResponseWriter, r *http.Request, d *orchestrator.Dispatcher, job string) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	logs, err := d.Logs(r.Context(), job, modelId)
	if err != nil {
		writeError(w, "error getting logs", err)
		return
	}

	utils.WriteJsonResponse(w, logs)
}

func stopJobHandler(w http.ResponseWriter, r *http.Request, d *orchestrator.Dispatcher, job string) {
	modelId, ok := urlParamUUID(w, r, "model_id")
	if !ok {
		return
	}

	if err := d.Stop(r.Context(), job, modelId); err != nil {
		writeError(w, fmt.Sprintf("error stopping %v job", job), err)
		return
	}

	utils.WriteSuccess(w)
}

func checkSufficientStorage(s storage.Storage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			if err := storage.CheckDiskUsage(s); err != nil {
				slog.Error("disk usage check failed", "error", err)
				writeError(w, "unable to start job", err)
				return
			}
			next.ServeHTTP(w, r)
		}

		return http.HandlerFunc(handler)
	}
}

// deploymentMemory picks the memory for a deployment: the requested amount if
// it is large enough, then the size reported by the train job in the model
// metadata, then a default.
func deploymentMemory(modelId uuid.UUID, requested int, attrs map[string]string) int {
	if requested > 500 {
		return requested
	} else if requested > 0 {
		slog.Warn("requested deployment memory is too low, ignoring", "model_id", modelId, "memory", requested)
	}

	if metadataJson, ok := attrs["metadata"]; ok {
		var metadata map[string]interface{}
		if err := json.Unmarshal([]byte(metadataJson), &metadata); err != nil {
			slog.Error("error parsing model metadata", "model_id", modelId, "error", err)
		} else if sizeStr, ok := metadata["size_in_memory"].(string); ok {
			if size, err := strconv.Atoi(sizeStr); err == nil {
				return size/1000000 + 1000
			}
		}
	}

	return 1000
}

func checkTeamExists(txn *gorm.DB, teamId uuid.UUID) error {
	_, err := schema.GetTeam(teamId, txn)
	return err
}

func checkUserExists(txn *gorm.DB, userId uuid.UUID) error {
	_, err := schema.GetUser(userId, txn)
	return err
}

func checkTeamMember(txn *gorm.DB, userId, teamId uuid.UUID) error {
	if _, err := schema.GetUserTeam(teamId, userId, txn); err != nil {
		if errors.Is(err, schema.ErrUserTeamNotFound) {
			return CodedError(errors.New("user is not a member of team"), http.StatusNotFound)
		}
		return err
	}
	return nil
}
