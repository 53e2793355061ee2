// Package provisioner drives a runner through its provisioning states:
// credential validation, server creation, network wait, bootstrap and
// activation.
//
// A run starts with a conditional registry update from pending or error
// to validating_credential.  That update is the only mutual exclusion
// between runs: whoever wins it owns the runner until it reaches active
// or error.  Every later transition is again conditional on the status
// the run last wrote, so a run whose runner was deleted underneath it
// stops quietly.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/agentfleet/internal/apikey"
	"github.com/terrpan/agentfleet/internal/bootstrap"
	"github.com/terrpan/agentfleet/internal/credential"
	"github.com/terrpan/agentfleet/internal/errorreport"
	"github.com/terrpan/agentfleet/internal/events"
	"github.com/terrpan/agentfleet/internal/fault"
	"github.com/terrpan/agentfleet/internal/provider"
	"github.com/terrpan/agentfleet/internal/registry"
	"github.com/terrpan/agentfleet/internal/runner"
)

// ErrAlreadyInFlight is returned when the runner is not in a state a run
// may start from: another run owns it, or it is active or deleting.
var ErrAlreadyInFlight = errors.New("runner is already being provisioned or is not retryable")

// errSuperseded marks a lost conditional update after the gate.
var errSuperseded = errors.New("runner changed underneath the provisioning run")

// Config holds the provisioning policy.
type Config struct {
	// ValidateAttempts bounds credential validation when the provider
	// cannot be reached.  Default: 3.
	ValidateAttempts int
	// CreateAttempts bounds server creation on transient errors.
	// Default: 5.
	CreateAttempts int
	// CallTimeout bounds every single provider call.  Default: 30s.
	CallTimeout time.Duration
	// RetryInitialInterval and RetryMaxInterval shape the exponential
	// backoff between retries.  Defaults: 2s and 30s.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// PollInterval is the delay between server status polls.
	// Default: 5s.
	PollInterval time.Duration
	// NetworkTimeout bounds the wait for the server to become
	// reachable.  Default: 5m.
	NetworkTimeout time.Duration
	// BootstrapAttempts is how often the bootstrap step is tried.
	// Default: 2.
	BootstrapAttempts int
	// StaleAfter is how long a runner not owned by this process may sit
	// in an in-flight state before the periodic sweep gives up on it.
	// Default: 30m.
	StaleAfter time.Duration
	// RecoverInterval is how often the launcher sweeps for interrupted
	// runs.  Default: 5m.
	RecoverInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.ValidateAttempts <= 0 {
		c.ValidateAttempts = 3
	}
	if c.CreateAttempts <= 0 {
		c.CreateAttempts = 5
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 2 * time.Second
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = 5 * time.Minute
	}
	if c.BootstrapAttempts <= 0 {
		c.BootstrapAttempts = 2
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.RecoverInterval <= 0 {
		c.RecoverInterval = 5 * time.Minute
	}
}

// Validator checks a token before anything is created with it.
type Validator interface {
	Validate(ctx context.Context, providerID string, token provider.Token) (credential.Result, error)
}

// Bootstrapper installs the agent on a reachable server.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, target bootstrap.Target, p bootstrap.Payload) (bootstrap.Result, error)
	AuthorizedKey() string
	SSHUser() string
}

// Opener gives scoped access to a sealed credential.
type Opener interface {
	Open(sealed []byte, fn func(provider.Token) error) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Registry     registry.Registry
	Providers    *provider.Set
	Vault        Opener
	Validator    Validator
	Bootstrapper Bootstrapper
	Publisher    events.Publisher
	Logger       *slog.Logger
}

// Orchestrator runs provisioning.
type Orchestrator struct {
	cfg       Config
	reg       registry.Registry
	providers *provider.Set
	vault     Opener
	validator Validator
	boot      Bootstrapper
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	inFlight atomic.Int64

	// owned counts claims by this process that have not finished yet.
	ownedMu sync.Mutex
	owned   map[string]int

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runsStarted   metric.Int64Counter
	runsSucceeded metric.Int64Counter
	runsFailed    metric.Int64Counter
	runDuration   metric.Float64Histogram
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.applyDefaults()
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}

	o := &Orchestrator{
		cfg:       cfg,
		reg:       deps.Registry,
		providers: deps.Providers,
		vault:     deps.Vault,
		validator: deps.Validator,
		boot:      deps.Bootstrapper,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		owned:     make(map[string]int),
		tracer:    otel.Tracer("agentfleet/provisioner"),
		meter:     otel.Meter("agentfleet/provisioner"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	o.runsStarted, err = o.meter.Int64Counter(
		"agentfleet.provisioning.started",
		metric.WithDescription("Provisioning runs that passed the gate"),
		metric.WithUnit("1"),
	)
	if err != nil {
		o.logger.Warn("failed to create runsStarted counter", slog.String("error", err.Error()))
	}

	o.runsSucceeded, err = o.meter.Int64Counter(
		"agentfleet.provisioning.succeeded",
		metric.WithDescription("Provisioning runs that reached active"),
		metric.WithUnit("1"),
	)
	if err != nil {
		o.logger.Warn("failed to create runsSucceeded counter", slog.String("error", err.Error()))
	}

	o.runsFailed, err = o.meter.Int64Counter(
		"agentfleet.provisioning.failed",
		metric.WithDescription("Provisioning runs that ended in error, by failure kind"),
		metric.WithUnit("1"),
	)
	if err != nil {
		o.logger.Warn("failed to create runsFailed counter", slog.String("error", err.Error()))
	}

	o.runDuration, err = o.meter.Float64Histogram(
		"agentfleet.provisioning.duration",
		metric.WithDescription("Time from gate to active or error (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 15, 30, 60, 120, 300, 600),
	)
	if err != nil {
		o.logger.Warn("failed to create runDuration histogram", slog.String("error", err.Error()))
	}

	_, err = o.meter.Int64ObservableGauge(
		"agentfleet.provisioning.in_flight",
		metric.WithDescription("Provisioning runs currently executing"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(o.inFlight.Load())
			return nil
		}),
	)
	if err != nil {
		o.logger.Warn("failed to create in-flight gauge", slog.String("error", err.Error()))
	}

	return o
}

// Provision claims the runner and runs provisioning to completion.
// It returns ErrAlreadyInFlight without any remote call when the claim
// fails.  Failures of the run itself are recorded on the runner, not
// returned.
func (o *Orchestrator) Provision(ctx context.Context, id string) error {
	r, err := o.Claim(ctx, id)
	if err != nil {
		return err
	}
	o.Run(ctx, r)
	return nil
}

// Claim performs the gate transition to validating_credential and
// clears any previous failure reason and detail.
func (o *Orchestrator) Claim(ctx context.Context, id string) (*runner.Runner, error) {
	prev, err := o.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !prev.Status.Provisionable() {
		return nil, ErrAlreadyInFlight
	}

	// Owned before the write so a concurrent sweep never sees the claimed
	// runner as abandoned.
	o.own(id)
	r, err := o.reg.Update(ctx, id, runner.Patch{
		Status:       runner.Ptr(runner.StatusValidatingCredential),
		StatusReason: runner.Ptr(""),
		StatusDetail: runner.Ptr(""),
	}, runner.StatusPending, runner.StatusError)
	if err != nil {
		o.release(id)
		if errors.Is(err, registry.ErrConflict) {
			return nil, ErrAlreadyInFlight
		}
		return nil, err
	}

	o.publish(ctx, r, prev.Status)
	return r, nil
}

func (o *Orchestrator) own(id string) {
	o.ownedMu.Lock()
	o.owned[id]++
	o.ownedMu.Unlock()
}

func (o *Orchestrator) release(id string) {
	o.ownedMu.Lock()
	o.owned[id]--
	if o.owned[id] <= 0 {
		delete(o.owned, id)
	}
	o.ownedMu.Unlock()
}

func (o *Orchestrator) owns(id string) bool {
	o.ownedMu.Lock()
	defer o.ownedMu.Unlock()
	return o.owned[id] > 0
}

// Run executes the provisioning steps for a claimed runner.  It always
// leaves the runner in active or error unless the runner was changed
// or deleted concurrently.
func (o *Orchestrator) Run(ctx context.Context, r *runner.Runner) {
	defer o.release(r.ID)

	ctx, span := o.tracer.Start(ctx, "provisioner.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.id", r.ID),
		attribute.String("runner.provider", r.Provider),
	)

	o.inFlight.Add(1)
	defer o.inFlight.Add(-1)

	start := time.Now()
	if o.runsStarted != nil {
		o.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", r.Provider)))
	}

	logger := o.logger.With(slog.String("runner_id", r.ID), slog.String("provider", r.Provider))
	logger.Info("provisioning started")

	err := o.run(ctx, r, logger)
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = fault.New(fault.Transient, "provisioner.Run", "provisioning was interrupted, please retry", err)
	}

	if o.runDuration != nil {
		o.runDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("provider", r.Provider)))
	}

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		if o.runsSucceeded != nil {
			o.runsSucceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", r.Provider)))
		}
		logger.Info("provisioning finished", slog.Duration("took", time.Since(start)))

	case errors.Is(err, errSuperseded):
		span.AddEvent("superseded")
		logger.Info("provisioning stopped, runner changed concurrently", slog.String("reason", err.Error()))

	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, fault.KindOf(err).String())
		o.fail(ctx, r.ID, err, logger)
	}
}

// run holds the decrypted token for the whole sequence of remote calls.
func (o *Orchestrator) run(ctx context.Context, r *runner.Runner, logger *slog.Logger) error {
	prov, err := o.providers.Get(r.Provider)
	if err != nil {
		return fault.New(fault.Unknown, "provisioner.run", "", err)
	}

	err = o.vault.Open(r.Credential, func(token provider.Token) error {
		return o.steps(ctx, r, prov, token, logger)
	})
	if errors.Is(err, credential.ErrSealedCorrupt) {
		return fault.New(fault.InvalidCredential, "provisioner.run", "stored credential cannot be decrypted, replace it", err)
	}
	return err
}

func (o *Orchestrator) steps(ctx context.Context, r *runner.Runner, prov provider.Provider, token provider.Token, logger *slog.Logger) error {
	if err := o.validate(ctx, r, token, logger); err != nil {
		return err
	}

	r, err := o.transition(ctx, r, runner.StatusCreatingServer, runner.Patch{})
	if err != nil {
		return err
	}

	srv, err := o.createServer(ctx, r, prov, token, logger)
	if err != nil {
		return err
	}

	// The server id is written together with leaving creating_server so
	// a crash afterwards always leaves something to clean up.
	patch := runner.Patch{ProviderServerID: runner.Ptr(srv.ID)}
	if srv.IPAddress != "" {
		patch.IPAddress = runner.Ptr(srv.IPAddress)
	}
	r, err = o.transition(ctx, r, runner.StatusAwaitingNetwork, patch)
	if err != nil {
		return err
	}

	r, srv, err = o.awaitNetwork(ctx, r, prov, token, srv, logger)
	if err != nil {
		return err
	}

	key, hash := apikey.Generate()
	r, err = o.transition(ctx, r, runner.StatusBootstrapping, runner.Patch{APIKeyHash: runner.Ptr(hash)})
	if err != nil {
		return err
	}

	res, err := o.bootstrap(ctx, r, prov, token, srv, key, logger)
	if err != nil {
		return err
	}

	registered := res.RegisteredAt
	if registered.IsZero() {
		registered = o.now()
	}
	_, err = o.transition(ctx, r, runner.StatusActive, runner.Patch{
		StatusReason:  runner.Ptr(""),
		LastHeartbeat: &registered,
	})
	return err
}

// ---------------------------------------------------------------------------
// steps
// ---------------------------------------------------------------------------

func (o *Orchestrator) validate(ctx context.Context, r *runner.Runner, token provider.Token, logger *slog.Logger) error {
	ctx, span := o.tracer.Start(ctx, "provisioner.validate")
	defer span.End()

	var res credential.Result
	op := func() error {
		var err error
		res, err = o.validator.Validate(ctx, r.Provider, token)
		if err != nil && !fault.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op, o.backoff(ctx, o.cfg.ValidateAttempts), func(err error, wait time.Duration) {
		logger.Warn("credential validation inconclusive, retrying",
			slog.String("error", err.Error()),
			slog.Duration("wait", wait),
		)
	})
	if err != nil {
		if fault.Retryable(err) {
			return fault.New(fault.Transient, "provisioner.validate", "could not validate credential", err)
		}
		return err
	}
	if !res.Valid {
		return fault.New(fault.InvalidCredential, "provisioner.validate", res.Reason, nil)
	}
	return nil
}

func (o *Orchestrator) createServer(ctx context.Context, r *runner.Runner, prov provider.Provider, token provider.Token, logger *slog.Logger) (provider.Server, error) {
	ctx, span := o.tracer.Start(ctx, "provisioner.createServer")
	defer span.End()

	spec := provider.ServerSpec{
		Name:             provider.ServerName(r.ID),
		RunnerID:         r.ID,
		Region:           r.Region,
		ServerType:       r.ServerType,
		SSHUser:          o.boot.SSHUser(),
		SSHAuthorizedKey: o.boot.AuthorizedKey(),
	}

	var srv provider.Server
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()

		var err error
		srv, err = prov.CreateServer(callCtx, token, spec)
		if err != nil && !fault.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op, o.backoff(ctx, o.cfg.CreateAttempts), func(err error, wait time.Duration) {
		logger.Warn("server creation failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
			slog.Duration("wait", wait),
		)
	})
	span.SetAttributes(attribute.Int("provisioner.create_attempts", attempt))
	if err != nil {
		return provider.Server{}, err
	}

	span.SetAttributes(attribute.String("server.id", srv.ID))
	logger.Info("server accepted", slog.String("server_id", srv.ID), slog.Int("attempts", attempt))
	return srv, nil
}

// awaitNetwork polls until the server is running with an address.  The
// address is persisted the first time it is seen.
func (o *Orchestrator) awaitNetwork(ctx context.Context, r *runner.Runner, prov provider.Provider, token provider.Token, srv provider.Server, logger *slog.Logger) (*runner.Runner, provider.Server, error) {
	ctx, span := o.tracer.Start(ctx, "provisioner.awaitNetwork")
	defer span.End()

	deadline := time.Now().Add(o.cfg.NetworkTimeout)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return r, srv, ctx.Err()
		case <-ticker.C:
		}
		polls++

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		got, err := prov.GetServer(callCtx, token, srv.ID)
		cancel()

		switch {
		case err == nil:
			srv = got
		case fault.Retryable(err):
			logger.Warn("server status poll failed", slog.Int("poll", polls), slog.String("error", err.Error()))
		default:
			return r, srv, err
		}

		if err == nil && srv.IPAddress != "" && (r.IPAddress == nil || *r.IPAddress != srv.IPAddress) {
			r, err = o.update(ctx, r, runner.Patch{IPAddress: runner.Ptr(srv.IPAddress)})
			if err != nil {
				return r, srv, err
			}
			logger.Info("server address assigned", slog.String("ip", srv.IPAddress))
		}

		if srv.NetworkReady() {
			span.SetAttributes(attribute.Int("provisioner.polls", polls))
			return r, srv, nil
		}
		if !time.Now().Before(deadline) {
			return r, srv, fault.New(fault.Transient, "provisioner.awaitNetwork",
				fmt.Sprintf("server did not become reachable within %s", o.cfg.NetworkTimeout), nil)
		}
	}
}

func (o *Orchestrator) bootstrap(ctx context.Context, r *runner.Runner, prov provider.Provider, token provider.Token, srv provider.Server, key string, logger *slog.Logger) (bootstrap.Result, error) {
	ctx, span := o.tracer.Start(ctx, "provisioner.bootstrap")
	defer span.End()

	target := bootstrap.Target{
		Provider:  prov,
		Token:     token,
		ServerID:  srv.ID,
		IPAddress: srv.IPAddress,
	}
	payload := bootstrap.Payload{
		RunnerID:          r.ID,
		APIKey:            key,
		MaxConcurrentJobs: r.MaxConcurrentJobs,
	}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.BootstrapAttempts; attempt++ {
		res, err := o.boot.Bootstrap(ctx, target, payload)
		if err == nil {
			span.SetAttributes(attribute.Int("provisioner.bootstrap_attempts", attempt))
			return res, nil
		}
		lastErr = err
		logger.Warn("bootstrap attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", o.cfg.BootstrapAttempts),
			slog.String("error", err.Error()),
			slog.String("output_tail", bootstrap.OutputOf(err)),
		)
		if ctx.Err() != nil {
			break
		}
	}
	if !fault.Is(lastErr, fault.BootstrapFailure) {
		lastErr = fault.New(fault.BootstrapFailure, "provisioner.bootstrap", "", lastErr)
	}
	return bootstrap.Result{}, lastErr
}

// ---------------------------------------------------------------------------
// registry writes
// ---------------------------------------------------------------------------

// transition moves r to status to, conditional on r's current status.
func (o *Orchestrator) transition(ctx context.Context, r *runner.Runner, to runner.Status, p runner.Patch) (*runner.Runner, error) {
	from := r.Status
	if !runner.CanTransition(from, to) {
		return nil, fault.New(fault.Unknown, "provisioner.transition", "", fmt.Errorf("illegal transition %s -> %s", from, to))
	}
	p.Status = &to
	updated, err := o.update(ctx, r, p)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, updated, from)
	return updated, nil
}

// update writes p, conditional on r's current status.
func (o *Orchestrator) update(ctx context.Context, r *runner.Runner, p runner.Patch) (*runner.Runner, error) {
	updated, err := o.reg.Update(ctx, r.ID, p, r.Status)
	if errors.Is(err, registry.ErrConflict) || errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: expected %s: %v", errSuperseded, r.Status, err)
	}
	if err != nil {
		return nil, fmt.Errorf("update runner %s: %w", r.ID, err)
	}
	return updated, nil
}

// maxStatusDetail bounds the diagnostic output stored with a failure.
const maxStatusDetail = 2048

// fail records err on the runner.  The write is detached from ctx so a
// cancelled run still leaves a readable reason behind.  Bootstrap
// failures also store the tail of the setup output.
func (o *Orchestrator) fail(ctx context.Context, id string, err error, logger *slog.Logger) {
	kind := fault.KindOf(err)
	reason := fault.UserMessage(err)
	detail := bootstrap.OutputOf(err)
	if len(detail) > maxStatusDetail {
		detail = strings.ToValidUTF8(detail[len(detail)-maxStatusDetail:], "")
	}

	logger.Error("provisioning failed",
		slog.String("kind", kind.String()),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	if o.runsFailed != nil {
		o.runsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	}
	if kind == fault.Unknown {
		errorreport.CaptureError(err, map[string]string{"runner_id": id, "component": "provisioner"})
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	prev, gerr := o.reg.Get(writeCtx, id)
	if gerr != nil {
		logger.Warn("could not load runner to record failure", slog.String("error", gerr.Error()))
		return
	}
	updated, uerr := o.reg.Update(writeCtx, id, runner.Patch{
		Status:       runner.Ptr(runner.StatusError),
		StatusReason: runner.Ptr(reason),
		StatusDetail: runner.Ptr(detail),
	}, runner.InFlight...)
	if uerr != nil {
		logger.Warn("could not record provisioning failure", slog.String("error", uerr.Error()))
		return
	}
	o.publish(writeCtx, updated, prev.Status)
}

func (o *Orchestrator) publish(ctx context.Context, r *runner.Runner, from runner.Status) {
	ev := events.Event{
		RunnerID: r.ID,
		UserID:   r.UserID,
		From:     from,
		To:       r.Status,
		Reason:   r.StatusReason,
		At:       r.UpdatedAt,
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn("failed to publish runner event",
			slog.String("runner_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) backoff(ctx context.Context, attempts int) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.RetryInitialInterval
	bo.MaxInterval = o.cfg.RetryMaxInterval
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
}
