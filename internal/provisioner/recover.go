package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/terrpan/agentfleet/internal/registry"
	"github.com/terrpan/agentfleet/internal/runner"
)

// interruptedReason is recorded on runners whose run did not survive a
// restart.
const interruptedReason = "provisioning was interrupted, please retry"

// RecoverInterrupted moves runners left in an in-flight status with no
// run in this process into error so users can retry or delete them.
// Runners updated within idle are left alone; idle 0 recovers every
// unowned in-flight runner, which is what start-up does.  It returns
// how many runners were recovered.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context, idle time.Duration) (int, error) {
	ctx, span := o.tracer.Start(ctx, "provisioner.RecoverInterrupted")
	defer span.End()

	stuck, err := o.reg.ListByStatus(ctx, runner.InFlight...)
	if err != nil {
		return 0, fmt.Errorf("list in-flight runners: %w", err)
	}

	cutoff := o.now().Add(-idle)
	recovered := 0
	for _, r := range stuck {
		if o.owns(r.ID) {
			continue
		}
		if idle > 0 && r.UpdatedAt.After(cutoff) {
			continue
		}
		updated, err := o.reg.Update(ctx, r.ID, runner.Patch{
			Status:       runner.Ptr(runner.StatusError),
			StatusReason: runner.Ptr(interruptedReason),
			StatusDetail: runner.Ptr(""),
		}, r.Status)
		if errors.Is(err, registry.ErrConflict) || errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("recover runner %s: %w", r.ID, err)
		}
		recovered++
		o.publish(ctx, updated, r.Status)
		o.logger.Warn("recovered interrupted provisioning run",
			slog.String("runner_id", r.ID),
			slog.String("status", string(r.Status)),
			slog.Duration("idle", o.now().Sub(r.UpdatedAt)),
		)
	}
	return recovered, nil
}
