package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
)

// JobReporter is used by a running train or deploy job to report its status
// and messages back to model bazaar. The token is the job_auth_token from the
// job's config, which identifies the model.
type JobReporter struct {
	BaseClient
	job string
}

func NewJobReporter(modelBazaarEndpoint, job, token string) *JobReporter {
	return &JobReporter{BaseClient: NewBaseClient(modelBazaarEndpoint, token), job: job}
}

func (r *JobReporter) UpdateStatus(ctx context.Context, status string, metadata map[string]interface{}) error {
	body := map[string]interface{}{"status": status}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	return r.Post(fmt.Sprintf("/api/v2/%v/update-status", r.job)).Json(body).Do(ctx, nil)
}

func (r *JobReporter) Log(ctx context.Context, level, message string) error {
	body := map[string]string{"level": level, "message": message}
	return r.Post(fmt.Sprintf("/api/v2/%v/log", r.job)).Json(body).Do(ctx, nil)
}

func (r *JobReporter) Warning(ctx context.Context, message string) error {
	return r.Log(ctx, schema.LogWarning, message)
}

func (r *JobReporter) Error(ctx context.Context, message string) error {
	return r.Log(ctx, schema.LogError, message)
}

// LogHandler returns a slog.Handler that forwards warning and error records to
// the job log. It is meant to be combined with the job's regular handler.
func (r *JobReporter) LogHandler() slog.Handler {
	return &reportingHandler{reporter: r}
}

type reportingHandler struct {
	reporter *JobReporter
	attrs    []slog.Attr
}

func (h *reportingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (h *reportingHandler) Handle(ctx context.Context, record slog.Record) error {
	msg := record.Message
	appendAttr := func(a slog.Attr) bool {
		msg += fmt.Sprintf(" %v=%v", a.Key, a.Value)
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	record.Attrs(appendAttr)

	level := schema.LogWarning
	if record.Level >= slog.LevelError {
		level = schema.LogError
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return h.reporter.Log(ctx, level, msg)
}

func (h *reportingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &reportingHandler{reporter: h.reporter, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *reportingHandler) WithGroup(name string) slog.Handler {
	return h
}
