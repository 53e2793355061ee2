package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/terrpan/agentfleet/internal/deprovisioner"
	"github.com/terrpan/agentfleet/internal/heartbeat"
	"github.com/terrpan/agentfleet/internal/provider"
	"github.com/terrpan/agentfleet/internal/provisioner"
	"github.com/terrpan/agentfleet/internal/registry"
	"github.com/terrpan/agentfleet/internal/runner"
)

const (
	maxBodyBytes = 64 << 10
	maxJobs      = 32
)

type createRequest struct {
	Name              string  `json:"name"`
	OrganizationID    *string `json:"organizationId,omitempty"`
	Provider          string  `json:"provider"`
	Region            string  `json:"region"`
	ServerType        string  `json:"serverType"`
	MaxConcurrentJobs int     `json:"maxConcurrentJobs"`
	Credential        string  `json:"credential"`
}

type credentialRequest struct {
	Credential string `json:"credential"`
}

type heartbeatRequest struct {
	CPUUsage    *float64  `json:"cpuUsage"`
	MemoryUsage *float64  `json:"memoryUsage"`
	Timestamp   time.Time `json:"timestamp"`
}

type deleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
	Warning string `json:"warning,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) view(r *runner.Runner) runner.View {
	return r.View(s.now(), s.heartbeats.StaleAfter())
}

// ---------------------------------------------------------------------------
// user endpoints
// ---------------------------------------------------------------------------

func (s *Server) createRunner(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxConcurrentJobs == 0 {
		req.MaxConcurrentJobs = 1
	}
	if msg := s.validateCreate(req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	sealed, err := s.sealer.Seal(provider.Token(req.Credential))
	if err != nil {
		s.internalError(w, r, "seal credential", err)
		return
	}

	now := s.now()
	rn := &runner.Runner{
		ID:                uuid.NewString(),
		UserID:            userID(r),
		OrganizationID:    req.OrganizationID,
		Name:              strings.TrimSpace(req.Name),
		Provider:          req.Provider,
		Region:            req.Region,
		ServerType:        req.ServerType,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		Credential:        sealed,
		Status:            runner.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.reg.Create(r.Context(), rn); err != nil {
		s.internalError(w, r, "create runner", err)
		return
	}

	s.logger.Info("runner created",
		slog.String("runner_id", rn.ID),
		slog.String("user_id", rn.UserID),
		slog.String("provider", rn.Provider),
	)

	claimed, err := s.launcher.Launch(r.Context(), rn.ID)
	if err != nil {
		// The runner stays pending and can be retried.
		s.logger.Warn("could not start provisioning",
			slog.String("runner_id", rn.ID),
			slog.String("error", err.Error()),
		)
		claimed = rn
	}
	writeJSON(w, http.StatusAccepted, s.view(claimed))
}

func (s *Server) validateCreate(req createRequest) string {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return "name is required"
	case len(req.Name) > 128:
		return "name must be at most 128 characters"
	case req.Provider == "":
		return "provider is required"
	case !s.providers[req.Provider]:
		return fmt.Sprintf("provider %q is not supported", req.Provider)
	case req.MaxConcurrentJobs < 1 || req.MaxConcurrentJobs > maxJobs:
		return fmt.Sprintf("maxConcurrentJobs must be between 1 and %d", maxJobs)
	case req.Credential == "":
		return "credential is required"
	}
	return ""
}

func (s *Server) listRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.reg.ListByUser(r.Context(), userID(r))
	if err != nil {
		s.internalError(w, r, "list runners", err)
		return
	}
	out := make([]runner.View, 0, len(runners))
	for _, rn := range runners {
		out = append(out, s.view(rn))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": out})
}

func (s *Server) getRunner(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(rn))
}

func (s *Server) retryProvision(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.owned(w, r)
	if !ok {
		return
	}

	claimed, err := s.launcher.Launch(r.Context(), rn.ID)
	switch {
	case errors.Is(err, provisioner.ErrAlreadyInFlight):
		writeError(w, http.StatusConflict, fmt.Sprintf("runner is %s; only pending or failed runners can be provisioned", rn.Status))
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "runner not found")
	case errors.Is(err, provisioner.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down, retry shortly")
	case err != nil:
		s.internalError(w, r, "start provisioning", err)
	default:
		writeJSON(w, http.StatusAccepted, s.view(claimed))
	}
}

func (s *Server) replaceCredential(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.owned(w, r)
	if !ok {
		return
	}
	var req credentialRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Credential == "" {
		writeError(w, http.StatusBadRequest, "credential is required")
		return
	}

	sealed, err := s.sealer.Seal(provider.Token(req.Credential))
	if err != nil {
		s.internalError(w, r, "seal credential", err)
		return
	}
	_, err = s.reg.Update(r.Context(), rn.ID, runner.Patch{Credential: sealed},
		runner.StatusPending, runner.StatusError, runner.StatusActive)
	switch {
	case errors.Is(err, registry.ErrConflict):
		writeError(w, http.StatusConflict, "runner is busy, wait for provisioning to finish")
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "runner not found")
	case err != nil:
		s.internalError(w, r, "replace credential", err)
	default:
		s.logger.Info("runner credential replaced", slog.String("runner_id", rn.ID))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) deleteRunner(w http.ResponseWriter, r *http.Request) {
	rn, ok := s.owned(w, r)
	if !ok {
		return
	}

	res, err := s.deleter.Delete(r.Context(), rn.ID)
	switch {
	case errors.Is(err, deprovisioner.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "runner not found")
	case err != nil:
		s.internalError(w, r, "delete runner", err)
	default:
		writeJSON(w, http.StatusOK, deleteResponse{ID: rn.ID, Deleted: true, Warning: res.Warning})
	}
}

// owned loads the runner named in the path.  Runners of other users are
// reported as missing.
func (s *Server) owned(w http.ResponseWriter, r *http.Request) (*runner.Runner, bool) {
	rn, err := s.reg.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, registry.ErrNotFound) || (err == nil && rn.UserID != userID(r)) {
		writeError(w, http.StatusNotFound, "runner not found")
		return nil, false
	}
	if err != nil {
		s.internalError(w, r, "load runner", err)
		return nil, false
	}
	return rn, true
}

// ---------------------------------------------------------------------------
// agent endpoint
// ---------------------------------------------------------------------------

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || key == "" {
		writeError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	var req heartbeatRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CPUUsage == nil || req.MemoryUsage == nil {
		writeError(w, http.StatusBadRequest, "cpuUsage and memoryUsage are required")
		return
	}

	err := s.heartbeats.Ingest(r.Context(), heartbeat.Report{
		RunnerID:    chi.URLParam(r, "id"),
		APIKey:      key,
		CPUUsage:    *req.CPUUsage,
		MemoryUsage: *req.MemoryUsage,
		Timestamp:   req.Timestamp,
	})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, heartbeat.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid API key")
	case errors.Is(err, heartbeat.ErrInvalidReport):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, heartbeat.ErrNotAccepting):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, heartbeat.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.internalError(w, r, "ingest heartbeat", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed",
		slog.String("error", err.Error()),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}
