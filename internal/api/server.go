// Package api exposes the runner lifecycle over HTTP.
//
// Users are identified by the X-User-ID header, set by the
// authenticating proxy in front of this service.  Agents authenticate
// heartbeats with their per-runner API key as a bearer token.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/terrpan/agentfleet/internal/deprovisioner"
	"github.com/terrpan/agentfleet/internal/heartbeat"
	"github.com/terrpan/agentfleet/internal/provider"
	"github.com/terrpan/agentfleet/internal/registry"
	"github.com/terrpan/agentfleet/internal/runner"
)

// UserHeader carries the caller's user id.
const UserHeader = "X-User-ID"

// Launcher starts provisioning in the background.
type Launcher interface {
	Launch(ctx context.Context, id string) (*runner.Runner, error)
}

// Deleter tears runners down.
type Deleter interface {
	Delete(ctx context.Context, id string) (deprovisioner.Result, error)
}

// Heartbeats ingests agent reports.
type Heartbeats interface {
	Ingest(ctx context.Context, rep heartbeat.Report) error
	StaleAfter() time.Duration
}

// Sealer encrypts credentials before they are stored.
type Sealer interface {
	Seal(token provider.Token) ([]byte, error)
}

// Deps are the collaborators of the API.
type Deps struct {
	Registry   registry.Registry
	Sealer     Sealer
	Launcher   Launcher
	Deleter    Deleter
	Heartbeats Heartbeats
	// Providers lists the provider names runners may be created with.
	Providers []string
	// Health and Metrics are mounted at /healthz and /metrics when set.
	Health  http.Handler
	Metrics http.Handler
	Logger  *slog.Logger
	// RequestTimeout bounds every request.  Default: 30s.
	RequestTimeout time.Duration
}

// Server holds the handlers.
type Server struct {
	reg        registry.Registry
	sealer     Sealer
	launcher   Launcher
	deleter    Deleter
	heartbeats Heartbeats
	providers  map[string]bool
	logger     *slog.Logger
	now        func() time.Time
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps) http.Handler {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		reg:        deps.Registry,
		sealer:     deps.Sealer,
		launcher:   deps.Launcher,
		deleter:    deps.Deleter,
		heartbeats: deps.Heartbeats,
		providers:  make(map[string]bool, len(deps.Providers)),
		logger:     deps.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, p := range deps.Providers {
		s.providers[p] = true
	}
	return s.routes(deps)
}

func (s *Server) routes(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(deps.RequestTimeout))

	r.Route("/api/v1/runners", func(r chi.Router) {
		// Agent endpoint, authenticated by the runner API key.
		r.Post("/{id}/heartbeat", s.heartbeat)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Post("/", s.createRunner)
			r.Get("/", s.listRunners)
			r.Get("/{id}", s.getRunner)
			r.Post("/{id}/provision", s.retryProvision)
			r.Put("/{id}/credential", s.replaceCredential)
			r.Delete("/{id}", s.deleteRunner)
		})
	})

	if deps.Health != nil {
		r.Method(http.MethodGet, "/healthz", deps.Health)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	return r
}

// ---------------------------------------------------------------------------
// middleware
// ---------------------------------------------------------------------------

type ctxKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func userID(r *http.Request) string {
	user, _ := r.Context().Value(ctxKey{}).(string)
	return user
}

// requestLogger logs one line per request.  Request bodies are never
// logged; they may carry credentials.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("took", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("remote", r.RemoteAddr),
			)
		})
	}
}

// ---------------------------------------------------------------------------
// responses
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
