package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	auditAnonymous = "anonymous"
	auditUser      = "user"
	auditAPIKey    = "api_key"
	auditJob       = "job"
)

// auditEntry collects who a request was authenticated as. The audit middleware
// puts an empty entry in the context, and the auth middlewares further down
// the chain fill it in.
type auditEntry struct {
	mu       sync.Mutex
	kind     string
	user     string
	userId   uuid.UUID
	apiKeyId uuid.UUID
	apiKey   string
	modelId  uuid.UUID
	job      string
}

type auditContextKey struct{}

func auditEntryFrom(ctx context.Context) *auditEntry {
	entry, _ := ctx.Value(auditContextKey{}).(*auditEntry)
	return entry
}

func recordPrincipal(ctx context.Context, principal Principal) {
	entry := auditEntryFrom(ctx)
	if entry == nil || principal.User == nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.kind = auditUser
	entry.user = principal.User.Username
	entry.userId = principal.User.Id
	if principal.APIKey != nil {
		entry.kind = auditAPIKey
		entry.apiKeyId = principal.APIKey.Id
		entry.apiKey = principal.APIKey.Name
	}
}

func recordJob(ctx context.Context, modelId uuid.UUID, job string) {
	entry := auditEntryFrom(ctx)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.kind = auditJob
	entry.modelId = modelId
	entry.job = job
}

func (e *auditEntry) attrs() []any {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.kind {
	case auditUser:
		return []any{slog.Group("principal", "kind", e.kind, "username", e.user, "user_id", e.userId)}
	case auditAPIKey:
		return []any{slog.Group("principal", "kind", e.kind, "username", e.user, "user_id", e.userId, "api_key", e.apiKey, "api_key_id", e.apiKeyId)}
	case auditJob:
		return []any{slog.Group("principal", "kind", e.kind, "job", e.job, "model_id", e.modelId)}
	default:
		return []any{slog.Group("principal", "kind", auditAnonymous)}
	}
}

func clientIp(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); len(ip) > 0 {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); len(ip) > 0 {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if len(r.RemoteAddr) > 0 {
		return r.RemoteAddr
	}
	return "unknown"
}

func routeParams(r *http.Request) []any {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	params := make([]any, 0, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		if key != "*" {
			params = append(params, slog.String(key, rctx.URLParams.Values[i]))
		}
	}
	return params
}

// AuditLogger writes one json line per api request with the principal it ran
// as, the model it targeted, and the response status.
type AuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewAuditLogger(stream io.Writer) *AuditLogger {
	return &AuditLogger{logger: slog.New(slog.NewJSONHandler(stream, nil)), now: time.Now}
}

// Middleware must wrap the auth middlewares so they can record the principal.
// The entry is written once the handler returns.
func (a *AuditLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auditEntryFrom(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}

		start := a.now()
		entry := &auditEntry{}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), auditContextKey{}, entry)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		attrs := append([]any{
			"client_ip", clientIp(r),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", a.now().Sub(start).Milliseconds(),
			slog.Group("route_params", routeParams(r)...),
		}, entry.attrs()...)

		level := slog.LevelInfo
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			level = slog.LevelWarn
		}
		a.logger.Log(r.Context(), level, "api request", attrs...)
	})
}
