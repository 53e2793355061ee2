// Package deprovisioner tears a runner down: it destroys the remote
// server, if one was ever recorded, and removes the registry row.
package deprovisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/agentfleet/internal/events"
	"github.com/terrpan/agentfleet/internal/fault"
	"github.com/terrpan/agentfleet/internal/provider"
	"github.com/terrpan/agentfleet/internal/registry"
	"github.com/terrpan/agentfleet/internal/runner"
)

// ErrBusy is returned for runners a provisioning run currently owns, and
// for runners already being deleted.
var ErrBusy = errors.New("runner is busy, wait for provisioning to finish")

// Result describes a finished deletion.
type Result struct {
	// Warning is set when the remote server could not be confirmed
	// deleted.  The runner record is gone either way.
	Warning string `json:"warning,omitempty"`
}

// Opener gives scoped access to a sealed credential.
type Opener interface {
	Open(sealed []byte, fn func(provider.Token) error) error
}

// Forgetter drops per-runner state held elsewhere, e.g. heartbeat rate
// limiters.
type Forgetter interface {
	Forget(runnerID string)
}

// Config holds deletion settings.
type Config struct {
	// DeleteTimeout bounds the single provider DeleteServer call.
	// Default: 30s.
	DeleteTimeout time.Duration
}

// Deprovisioner deletes runners.
type Deprovisioner struct {
	cfg       Config
	reg       registry.Registry
	providers *provider.Set
	vault     Opener
	publisher events.Publisher
	forget    Forgetter
	logger    *slog.Logger

	tracer    trace.Tracer
	deletions metric.Int64Counter
}

// New creates a Deprovisioner.  publisher and forget may be nil.
func New(cfg Config, reg registry.Registry, providers *provider.Set, vault Opener, publisher events.Publisher, forget Forgetter, logger *slog.Logger) *Deprovisioner {
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = 30 * time.Second
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	d := &Deprovisioner{
		cfg:       cfg,
		reg:       reg,
		providers: providers,
		vault:     vault,
		publisher: publisher,
		forget:    forget,
		logger:    logger,
		tracer:    otel.Tracer("agentfleet/deprovisioner"),
	}

	var err error
	d.deletions, err = otel.Meter("agentfleet/deprovisioner").Int64Counter(
		"agentfleet.deprovisioning.completed",
		metric.WithDescription("Runner deletions by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create deletions counter", slog.String("error", err.Error()))
	}
	return d
}

// Delete removes runner id.  The provider is called at most once and
// only when a server id is recorded.  A server the provider no longer
// knows counts as deleted; any other provider failure is reported in
// Result.Warning and does not keep the record alive.
//
// A runner already in deleting is resumed: the server id is cleared
// once the server is gone, so only a teardown that never completed is
// attempted again.
func (d *Deprovisioner) Delete(ctx context.Context, id string) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "deprovisioner.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("runner.id", id))

	prev, err := d.reg.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !prev.Status.Deletable() {
		return Result{}, ErrBusy
	}

	r, err := d.reg.Update(ctx, id, runner.Patch{Status: runner.Ptr(runner.StatusDeleting)},
		runner.StatusPending, runner.StatusActive, runner.StatusError, runner.StatusDeleting)
	if errors.Is(err, registry.ErrConflict) {
		return Result{}, ErrBusy
	}
	if err != nil {
		return Result{}, err
	}
	if prev.Status != runner.StatusDeleting {
		d.publish(ctx, r, prev.Status)
	}

	logger := d.logger.With(slog.String("runner_id", id), slog.String("provider", r.Provider))

	var res Result
	outcome := "no_server"
	if r.ProviderServerID != nil && *r.ProviderServerID != "" {
		outcome = "server_deleted"
		if err := d.deleteServer(ctx, r, logger); err != nil {
			outcome = "server_left"
			span.RecordError(err)
			res.Warning = fmt.Sprintf("server %s could not be deleted (%s); remove it manually in your %s account",
				*r.ProviderServerID, fault.UserMessage(err), r.Provider)
			logger.Warn("server deletion failed, removing runner anyway",
				slog.String("server_id", *r.ProviderServerID),
				slog.String("error", err.Error()),
			)
		} else {
			d.clearServer(ctx, r, logger)
		}
	}

	if err := d.deleteRecord(ctx, id); err != nil {
		return res, err
	}
	if d.forget != nil {
		d.forget.Forget(id)
	}

	span.SetAttributes(attribute.String("deprovisioner.outcome", outcome))
	if d.deletions != nil {
		d.deletions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	logger.Info("runner deleted", slog.String("outcome", outcome))
	return res, nil
}

func (d *Deprovisioner) deleteServer(ctx context.Context, r *runner.Runner, logger *slog.Logger) error {
	prov, err := d.providers.Get(r.Provider)
	if err != nil {
		return fault.New(fault.Unknown, "deprovisioner.deleteServer", "", err)
	}

	err = d.vault.Open(r.Credential, func(token provider.Token) error {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.DeleteTimeout)
		defer cancel()
		return prov.DeleteServer(callCtx, token, *r.ProviderServerID)
	})
	switch {
	case err == nil:
		return nil
	case fault.Is(err, fault.NotFound):
		logger.Info("server already gone", slog.String("server_id", *r.ProviderServerID))
		return nil
	default:
		return err
	}
}

// clearServer forgets the server id of a destroyed server so a resumed
// delete does not call the provider again.
func (d *Deprovisioner) clearServer(ctx context.Context, r *runner.Runner, logger *slog.Logger) {
	_, err := d.reg.Update(ctx, r.ID, runner.Patch{ProviderServerID: runner.Ptr("")}, runner.StatusDeleting)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Warn("could not clear server id", slog.String("error", err.Error()))
	}
}

// deleteRecord retries briefly before giving up; a later Delete resumes
// from deleting.
func (d *Deprovisioner) deleteRecord(ctx context.Context, id string) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 2), ctx)
	err := backoff.Retry(func() error {
		err := d.reg.Delete(ctx, id)
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		return err
	}, bo)
	if err != nil {
		return fmt.Errorf("delete runner %s: %w", id, err)
	}
	return nil
}

func (d *Deprovisioner) publish(ctx context.Context, r *runner.Runner, from runner.Status) {
	err := d.publisher.Publish(ctx, events.Event{
		RunnerID: r.ID,
		UserID:   r.UserID,
		From:     from,
		To:       r.Status,
		At:       r.UpdatedAt,
	})
	if err != nil {
		d.logger.Warn("failed to publish runner event",
			slog.String("runner_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
}
