package llm_dispatch

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/licensing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockLLM struct {
	chunks []string
	err    error
}

func (m *MockLLM) Stream(ctx context.Context, req *GenerateRequest) (<-chan string, <-chan error) {
	textChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		defer close(textChan)
		defer close(errChan)

		for _, chunk := range m.chunks {
			if !send(ctx, textChan, chunk) {
				return
			}
		}
		if m.err != nil {
			errChan <- m.err
		}
	}()

	return textChan, errChan
}

func mockFactory(llm Provider) ProviderFactory {
	factory := NewProviderFactory(ProviderConfig{})
	return func(provider, key string) (Provider, error) {
		if _, err := factory(provider, key); errors.Is(err, ErrUnsupportedProvider) {
			return nil, err
		}
		return llm, nil
	}
}

type testLicense struct {
	gate *licensing.Gate
	now  time.Time
}

var (
	licenseKeyOnce sync.Once
	licenseKey     *rsa.PrivateKey
)

// newTestLicense writes a license valid for one hour and opens a gate on it.
// Moving now past the expiry and refreshing the gate closes it.
func newTestLicense(t *testing.T) *testLicense {
	licenseKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		licenseKey = key
	})

	l := &testLicense{now: time.Now()}

	payload := licensing.LicensePayload{
		CpuMhzLimit:    "100000",
		ExpiryDate:     l.now.Add(time.Hour).UTC().Format(time.RFC3339),
		BoltLicenseKey: "236C00-47457C-4641C5-52E3BB-3D1F34-V3",
	}
	message, err := json.Marshal(payload)
	require.NoError(t, err)
	hash := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, licenseKey, crypto.SHA256, hash[:])
	require.NoError(t, err)

	data, err := json.Marshal(licensing.PlatformLicense{License: payload, Signature: base64.StdEncoding.EncodeToString(sig)})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "license")
	require.NoError(t, os.WriteFile(path, data, 0644))

	verifier, err := licensing.NewVerifier(path, licensing.WithPublicKey(&licenseKey.PublicKey), licensing.WithClock(func() time.Time { return l.now }))
	require.NoError(t, err)
	l.gate, err = licensing.NewGate(verifier)
	require.NoError(t, err)
	return l
}

func (l *testLicense) expire(t *testing.T) {
	l.now = l.now.Add(2 * time.Hour)
	require.ErrorIs(t, l.gate.Refresh(), licensing.ErrLicenseExpired)
}

func newTestRouter(t *testing.T, llm Provider) http.Handler {
	return NewServer(mockFactory(llm), newTestLicense(t).gate, "", "", 0).Routes()
}

func postGenerate(t *testing.T, router http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func parseEvents(body string) (string, []string) {
	var text strings.Builder
	var errs []string
	for _, event := range strings.Split(body, "\n\n") {
		isError := false
		for _, line := range strings.Split(event, "\n") {
			switch {
			case line == "event: error":
				isError = true
			case strings.HasPrefix(line, "data: "):
				if isError {
					errs = append(errs, strings.TrimPrefix(line, "data: "))
				} else {
					text.WriteString(strings.TrimPrefix(line, "data: "))
				}
			}
		}
	}
	return text.String(), errs
}

func errorDetail(t *testing.T, w *httptest.ResponseRecorder) string {
	var res map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	return res["detail"]
}

func TestGenerateTextStream(t *testing.T) {
	tests := []struct {
		name       string
		references []string
		prompt     string
		path       string
	}{
		{name: "No references, no prompt", path: "/llm-dispatch/generate"},
		{name: "With references", references: []string{"Text from doc A", "Text from doc B"}, path: "/llm-dispatch/generate"},
		{name: "With prompt", prompt: "This is a custom prompt", path: "/llm-dispatch/generate"},
		{name: "Root path", path: "/generate"},
	}

	router := newTestRouter(t, &MockLLM{chunks: []string{"This ", "is ", "a test."}})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var refs []Reference
			for _, text := range tt.references {
				refs = append(refs, Reference{Text: text})
			}

			w := postGenerate(t, router, tt.path, GenerateRequest{
				Query:      "test query",
				TaskPrompt: tt.prompt,
				References: refs,
				Provider:   "openai",
				Key:        "dummy key",
			})

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
			assert.Equal(t, "data: This \n\ndata: is \n\ndata: a test.\n\n", w.Body.String())

			text, errs := parseEvents(w.Body.String())
			assert.Equal(t, "This is a test.", text)
			assert.Empty(t, errs)
		})
	}
}

func TestProviderErrorEvent(t *testing.T) {
	router := newTestRouter(t, &MockLLM{chunks: []string{"partial "}, err: errors.New("rate limit exceeded")})

	w := postGenerate(t, router, "/generate", GenerateRequest{Query: "q", Provider: "cohere", Key: "k"})
	require.Equal(t, http.StatusOK, w.Code)

	text, errs := parseEvents(w.Body.String())
	assert.Equal(t, "partial ", text)
	assert.Equal(t, []string{"rate limit exceeded"}, errs)
	assert.True(t, strings.HasSuffix(w.Body.String(), "event: error\ndata: rate limit exceeded\n\n"))
}

func TestMultilineChunk(t *testing.T) {
	router := newTestRouter(t, &MockLLM{chunks: []string{"line 1\nline 2"}})

	w := postGenerate(t, router, "/generate", GenerateRequest{Query: "q", Provider: "openai", Key: "k"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data: line 1\ndata: line 2\n\n", w.Body.String())
}

type blockingLLM struct {
	released chan struct{}
}

func (b *blockingLLM) Stream(ctx context.Context, req *GenerateRequest) (<-chan string, <-chan error) {
	textChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		defer close(textChan)
		defer close(errChan)
		defer close(b.released)

		send(ctx, textChan, "first")
		<-ctx.Done()
	}()

	return textChan, errChan
}

func TestClientDisconnectCancelsProvider(t *testing.T) {
	llm := &blockingLLM{released: make(chan struct{})}
	router := newTestRouter(t, llm)

	data, err := json.Marshal(GenerateRequest{Query: "q", Provider: "openai", Key: "k"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("POST", "/generate", bytes.NewReader(data)).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-llm.released:
	case <-time.After(2 * time.Second):
		t.Fatal("provider was not cancelled")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
}

func TestMissingAPIKey(t *testing.T) {
	router := newTestRouter(t, &MockLLM{})

	w := postGenerate(t, router, "/llm-dispatch/generate", map[string]interface{}{
		"query":    "test query",
		"provider": "openai",
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No generative AI key provided", errorDetail(t, w))
}

func TestDefaultKeys(t *testing.T) {
	router := NewServer(mockFactory(&MockLLM{chunks: []string{"ok"}}), newTestLicense(t).gate, "sk-default", "", 0).Routes()

	w := postGenerate(t, router, "/generate", map[string]interface{}{"query": "q", "provider": "OpenAI"})
	require.Equal(t, http.StatusOK, w.Code)

	w = postGenerate(t, router, "/generate", map[string]interface{}{"query": "q", "provider": "on-prem"})
	require.Equal(t, http.StatusOK, w.Code)

	w = postGenerate(t, router, "/generate", map[string]interface{}{"query": "q", "provider": "cohere"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No generative AI key provided", errorDetail(t, w))
}

func TestUnsupportedProvider(t *testing.T) {
	router := newTestRouter(t, &MockLLM{})

	w := postGenerate(t, router, "/llm-dispatch/generate", map[string]interface{}{
		"query":    "test query",
		"provider": "unknown_provider",
		"key":      "dummy key",
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Unsupported provider: unknown_provider", errorDetail(t, w))
}

func TestInvalidRequestBody(t *testing.T) {
	router := newTestRouter(t, &MockLLM{})

	// Checked before the key and the provider.
	w := postGenerate(t, router, "/llm-dispatch/generate", map[string]interface{}{
		"provider": "unknown_provider",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Field required: query", errorDetail(t, w))

	req := httptest.NewRequest("POST", "/generate", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOnPremRequiresEndpoint(t *testing.T) {
	router := NewServer(NewProviderFactory(ProviderConfig{}), newTestLicense(t).gate, "", "", 0).Routes()

	w := postGenerate(t, router, "/generate", map[string]interface{}{"query": "q", "provider": "on-prem"})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, errorDetail(t, w), "MODEL_BAZAAR_ENDPOINT")
}

func TestRateLimit(t *testing.T) {
	router := NewServer(mockFactory(&MockLLM{chunks: []string{"ok"}}), newTestLicense(t).gate, "", "", 2).Routes()

	body := GenerateRequest{Query: "q", Provider: "openai", Key: "k"}
	require.Equal(t, http.StatusOK, postGenerate(t, router, "/generate", body).Code)
	require.Equal(t, http.StatusOK, postGenerate(t, router, "/llm-dispatch/generate", body).Code)
	require.Equal(t, http.StatusTooManyRequests, postGenerate(t, router, "/generate", body).Code)

	// Health checks are not rate limited.
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthCheck(t *testing.T) {
	router := newTestRouter(t, &MockLLM{})

	for _, path := range []string{"/health", "/llm-dispatch/health"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var response map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "healthy", response["status"])
	}
}

func TestCors(t *testing.T) {
	router := newTestRouter(t, &MockLLM{})

	req := httptest.NewRequest("OPTIONS", "/llm-dispatch/generate", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetrics(t *testing.T) {
	router := newTestRouter(t, &MockLLM{chunks: []string{"a"}})
	postGenerate(t, router, "/generate", GenerateRequest{Query: "q", Provider: "openai", Key: "k"})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `llm_dispatch_generate_total{provider="openai",result="success"}`)
}

func TestGenerateRequiresLicense(t *testing.T) {
	license := newTestLicense(t)
	router := NewServer(mockFactory(&MockLLM{chunks: []string{"served"}}), license.gate, "", "", 0).Routes()

	body := GenerateRequest{Query: "q", Provider: "openai", Key: "k"}
	require.Equal(t, http.StatusOK, postGenerate(t, router, "/generate", body).Code)

	license.expire(t)

	for _, path := range []string{"/generate", "/llm-dispatch/generate"} {
		w := postGenerate(t, router, path, body)
		require.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, errorDetail(t, w), "license is expired")
	}

	// Health checks stay available.
	req := httptest.NewRequest("GET", "/llm-dispatch/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
