package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"

	slogmulti "github.com/samber/slog-multi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	path string
	auth string
	body map[string]interface{}
}

type bazaarStub struct {
	mu     sync.Mutex
	calls  []recordedCall
	status int
}

func (s *bazaarStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body})
	status := s.status
	s.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		http.Error(w, `{"detail":"no"}`, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, "{}")
}

func TestJobReporter(t *testing.T) {
	stub := &bazaarStub{}
	server := httptest.NewServer(stub)
	defer server.Close()

	reporter := NewJobReporter(server.URL, schema.TrainJob, "job-token")

	require.NoError(t, reporter.UpdateStatus(context.Background(), schema.InProgress, nil))
	require.NoError(t, reporter.UpdateStatus(context.Background(), schema.Complete, map[string]interface{}{"size": "10"}))
	require.NoError(t, reporter.Warning(context.Background(), "low memory"))

	require.Len(t, stub.calls, 3)
	assert.Equal(t, "/api/v2/train/update-status", stub.calls[0].path)
	assert.Equal(t, "Bearer job-token", stub.calls[0].auth)
	assert.Equal(t, map[string]interface{}{"status": schema.InProgress}, stub.calls[0].body)
	assert.Equal(t, map[string]interface{}{"size": "10"}, stub.calls[1].body["metadata"])
	assert.Equal(t, "/api/v2/train/log", stub.calls[2].path)
	assert.Equal(t, map[string]interface{}{"level": schema.LogWarning, "message": "low memory"}, stub.calls[2].body)
}

func TestJobReporterError(t *testing.T) {
	stub := &bazaarStub{status: http.StatusConflict}
	server := httptest.NewServer(stub)
	defer server.Close()

	reporter := NewJobReporter(server.URL, schema.DeployJob, "job-token")

	err := reporter.UpdateStatus(context.Background(), schema.NotStarted, nil)
	var resErr *ResponseError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, http.StatusConflict, resErr.StatusCode)
	assert.Equal(t, "/api/v2/deploy/update-status", resErr.Endpoint)
}

func TestJobReporterLogHandler(t *testing.T) {
	stub := &bazaarStub{}
	server := httptest.NewServer(stub)
	defer server.Close()

	reporter := NewJobReporter(server.URL, schema.TrainJob, "job-token")
	logger := slog.New(slogmulti.Fanout(slog.NewTextHandler(io.Discard, nil), reporter.LogHandler()))

	logger.Info("not reported")
	logger.Warn("disk almost full", "used", 95)
	logger.With("file", "a.csv").Error("unable to read file")

	require.Len(t, stub.calls, 2)
	assert.Equal(t, map[string]interface{}{"level": schema.LogWarning, "message": "disk almost full used=95"}, stub.calls[0].body)
	assert.Equal(t, map[string]interface{}{"level": schema.LogError, "message": "unable to read file file=a.csv"}, stub.calls[1].body)
}
