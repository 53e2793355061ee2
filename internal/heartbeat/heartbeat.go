// Package heartbeat ingests agent liveness reports and answers status
// queries with the derived "unresponsive" annotation.
//
// Heartbeats only ever write the heartbeat and usage fields of a runner.
// The lifecycle status belongs to the provisioning orchestrator.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/terrpan/agentfleet/internal/apikey"
	"github.com/terrpan/agentfleet/internal/registry"
	"github.com/terrpan/agentfleet/internal/runner"
)

var (
	// ErrUnauthorized means the runner is unknown or the key is wrong.
	ErrUnauthorized = errors.New("invalid runner credentials")
	// ErrInvalidReport means the payload failed validation.
	ErrInvalidReport = errors.New("invalid heartbeat report")
	// ErrNotAccepting means the runner is in a state that takes no
	// heartbeats (error, deleting).
	ErrNotAccepting = errors.New("runner is not accepting heartbeats")
	// ErrRateLimited means the runner reports too often.
	ErrRateLimited = errors.New("heartbeat rate limit exceeded")
)

// accepting lists the statuses in which heartbeats are recorded.  The
// first heartbeat during bootstrapping is the agent's registration.
var accepting = []runner.Status{runner.StatusBootstrapping, runner.StatusActive}

// Report is one heartbeat from an agent.
type Report struct {
	RunnerID    string
	APIKey      string
	CPUUsage    float64
	MemoryUsage float64
	// Timestamp is the agent's clock.  It is logged but not stored.
	Timestamp time.Time
}

// Config holds heartbeat settings.
type Config struct {
	// StaleAfter is how long an active runner may go without a
	// heartbeat before it is reported unresponsive.  Default: 90s.
	StaleAfter time.Duration
	// RatePerSecond and Burst bound heartbeats per runner.
	// Defaults: 1/s, burst 5.
	RatePerSecond float64
	Burst         int
	// PollInterval is how often AwaitRegistration checks the registry.
	// Default: 2s.
	PollInterval time.Duration
}

// Service implements ingestion and status reads.
type Service struct {
	reg    registry.Registry
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter

	accepted metric.Int64Counter
	rejected metric.Int64Counter
}

// New creates a Service.
func New(reg registry.Registry, cfg Config, logger *slog.Logger) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 90 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	s := &Service{
		reg:      reg,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		limiters: make(map[string]*rate.Limiter),
	}

	meter := otel.Meter("agentfleet/heartbeat")
	var err error
	s.accepted, err = meter.Int64Counter(
		"agentfleet.heartbeats.accepted",
		metric.WithDescription("Heartbeats recorded"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create heartbeats accepted counter", slog.String("error", err.Error()))
	}
	s.rejected, err = meter.Int64Counter(
		"agentfleet.heartbeats.rejected",
		metric.WithDescription("Heartbeats rejected, by reason"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create heartbeats rejected counter", slog.String("error", err.Error()))
	}

	return s
}

// StaleAfter returns the configured staleness window.
func (s *Service) StaleAfter() time.Duration { return s.cfg.StaleAfter }

// Ingest authenticates and records one report.  A rejected report has no
// effect on the runner.
func (s *Service) Ingest(ctx context.Context, rep Report) error {
	err := s.ingest(ctx, rep)
	if err != nil {
		s.reject(ctx, rep.RunnerID, err)
		return err
	}
	if s.accepted != nil {
		s.accepted.Add(ctx, 1)
	}
	return nil
}

func (s *Service) ingest(ctx context.Context, rep Report) error {
	if err := validate(rep); err != nil {
		return err
	}

	r, err := s.reg.Get(ctx, rep.RunnerID)
	if errors.Is(err, registry.ErrNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("load runner %s: %w", rep.RunnerID, err)
	}
	if !apikey.Verify(rep.APIKey, r.APIKeyHash) {
		return ErrUnauthorized
	}

	if !s.limiter(rep.RunnerID).Allow() {
		return ErrRateLimited
	}

	hb := runner.Heartbeat{
		At:          s.now(),
		CPUUsage:    rep.CPUUsage,
		MemoryUsage: rep.MemoryUsage,
	}
	switch err := s.reg.RecordHeartbeat(ctx, rep.RunnerID, hb, accepting...); {
	case errors.Is(err, registry.ErrNotFound):
		return ErrUnauthorized
	case errors.Is(err, registry.ErrConflict):
		return ErrNotAccepting
	case err != nil:
		return fmt.Errorf("record heartbeat %s: %w", rep.RunnerID, err)
	}

	s.logger.Debug("heartbeat recorded",
		slog.String("runner_id", rep.RunnerID),
		slog.Float64("cpu", rep.CPUUsage),
		slog.Float64("memory", rep.MemoryUsage),
		slog.Duration("clock_skew", hb.At.Sub(rep.Timestamp)),
	)
	return nil
}

func (s *Service) reject(ctx context.Context, runnerID string, err error) {
	reason := "internal"
	switch {
	case errors.Is(err, ErrUnauthorized):
		reason = "unauthorized"
	case errors.Is(err, ErrInvalidReport):
		reason = "invalid"
	case errors.Is(err, ErrNotAccepting):
		reason = "not_accepting"
	case errors.Is(err, ErrRateLimited):
		reason = "rate_limited"
	default:
		s.logger.Error("heartbeat ingestion failed",
			slog.String("runner_id", runnerID),
			slog.String("error", err.Error()),
		)
	}
	if s.rejected != nil {
		s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func validate(rep Report) error {
	switch {
	case rep.RunnerID == "":
		return fmt.Errorf("%w: runner id is required", ErrInvalidReport)
	case rep.APIKey == "":
		return fmt.Errorf("%w: api key is required", ErrInvalidReport)
	case !percentage(rep.CPUUsage):
		return fmt.Errorf("%w: cpu usage must be between 0 and 100", ErrInvalidReport)
	case !percentage(rep.MemoryUsage):
		return fmt.Errorf("%w: memory usage must be between 0 and 100", ErrInvalidReport)
	}
	return nil
}

func percentage(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 100
}

// limiter gets or creates the rate limiter for a runner.
func (s *Service) limiter(runnerID string) *rate.Limiter {
	s.mu.RLock()
	l, ok := s.limiters[runnerID]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		// Double-check after acquiring write lock
		if l, ok = s.limiters[runnerID]; !ok {
			l = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.Burst)
			s.limiters[runnerID] = l
		}
		s.mu.Unlock()
	}
	return l
}

// Forget drops per-runner state once a runner is deleted.
func (s *Service) Forget(runnerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, runnerID)
}

// Status returns the runner's client view.  It never blocks on
// provisioning and never writes.
func (s *Service) Status(ctx context.Context, id string) (runner.View, error) {
	r, err := s.reg.Get(ctx, id)
	if err != nil {
		return runner.View{}, err
	}
	return r.View(s.now(), s.cfg.StaleAfter), nil
}

// AwaitRegistration waits for the first heartbeat recorded at or after
// since and returns its time.  It fails when ctx ends or the runner
// leaves the states that accept heartbeats.
func (s *Service) AwaitRegistration(ctx context.Context, id string, since time.Time) (time.Time, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r, err := s.reg.Get(ctx, id)
		if err != nil {
			return time.Time{}, err
		}
		if r.LastHeartbeat != nil && !r.LastHeartbeat.Before(since) {
			return *r.LastHeartbeat, nil
		}
		if r.Status != runner.StatusBootstrapping && r.Status != runner.StatusActive {
			return time.Time{}, fmt.Errorf("runner %s left bootstrapping (status %s)", id, r.Status)
		}

		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
