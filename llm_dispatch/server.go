package llm_dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/licensing"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Used when a request does not carry its own key.
const onPremKey = "no key"

type Server struct {
	factory     ProviderFactory
	license     *licensing.Gate
	defaultKeys map[string]string
	rateLimit   int
}

// NewServer creates the generation gateway. Generate requests are rejected
// while the license gate is closed. rateLimit is the number of generate
// requests allowed per client per minute, 0 disables rate limiting.
func NewServer(factory ProviderFactory, license *licensing.Gate, openaiKey, cohereKey string, rateLimit int) *Server {
	return &Server{
		factory: factory,
		license: license,
		defaultKeys: map[string]string{
			"openai":  openaiKey,
			"cohere":  cohereKey,
			"on-prem": onPremKey,
		},
		rateLimit: rateLimit,
	}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	generate := http.Handler(http.HandlerFunc(s.Generate))
	if s.rateLimit > 0 {
		generate = httprate.LimitByIP(s.rateLimit, time.Minute)(generate)
	}
	generate = s.license.Middleware(generate)

	routes := func(r chi.Router) {
		r.Method("POST", "/generate", generate)
		r.Get("/health", s.Health)
	}

	routes(r)
	// Path used behind the cluster ingress.
	r.Route("/llm-dispatch", routes)

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	utils.WriteJsonResponse(w, map[string]string{"status": "healthy"})
}

func (s *Server) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !utils.ParseRequestBody(w, r, &req) {
		return
	}

	if req.Query == "" {
		utils.WriteError(w, "Field required: query", http.StatusBadRequest)
		return
	}

	providerName := strings.ToLower(req.Provider)

	key := req.Key
	if key == "" {
		key = s.defaultKeys[providerName]
	}
	if key == "" {
		utils.WriteError(w, "No generative AI key provided", http.StatusBadRequest)
		return
	}

	provider, err := s.factory(req.Provider, key)
	if err != nil {
		slog.Error("unable to create provider", "code", logging.LLM_GENERATE, "provider", req.Provider, "error", err)
		if errors.Is(err, ErrUnsupportedProvider) {
			utils.WriteError(w, err.Error(), http.StatusBadRequest)
		} else {
			utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.WriteError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	slog.Info("processing generation request", "code", logging.LLM_GENERATE, "provider", providerName, "model", req.Model, "n_references", len(req.References))

	// Cancelled when the caller disconnects or the relay returns.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	start := time.Now()
	chunks, errs := provider.Stream(ctx, &req)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	result := relay(ctx, w, flusher, chunks, errs, providerName)

	generateMetric.WithLabelValues(providerName, result).Inc()
	generateLatencyMetric.WithLabelValues(providerName).Observe(time.Since(start).Seconds())
	slog.Info("generation finished", "code", logging.LLM_GENERATE, "provider", providerName, "result", result, "duration", time.Since(start))
}

func writeEvent(w http.ResponseWriter, event, data string) {
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

// relay forwards chunks to the caller in arrival order until the provider
// stops or the caller goes away.
func relay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, chunks <-chan string, errs <-chan error, provider string) string {
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			writeEvent(w, "", chunk)
			flusher.Flush()
			chunkMetric.WithLabelValues(provider).Inc()

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Error("error streaming response", "code", logging.LLM_PROVIDER, "provider", provider, "error", err)
			writeEvent(w, "error", err.Error())
			flusher.Flush()
			return "error"

		case <-ctx.Done():
			slog.Info("client disconnected", "code", logging.LLM_GENERATE, "provider", provider)
			return "cancelled"
		}
	}
	return "success"
}
