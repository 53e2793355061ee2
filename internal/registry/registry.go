// Package registry defines the durable store of Runner records.  The
// conditional Update is the only mutual-exclusion mechanism between
// provisioning runs, deletions and heartbeat ingestion.
package registry

import (
	"context"
	"errors"

	"github.com/terrpan/agentfleet/internal/runner"
)

var (
	// ErrNotFound is returned when no runner has the given id.
	ErrNotFound = errors.New("runner not found")
	// ErrConflict is returned by a conditional write whose expected
	// status did not match the stored one.
	ErrConflict = errors.New("runner status changed concurrently")
)

// Registry stores runners.
type Registry interface {
	// Create inserts r.  ID, CreatedAt and UpdatedAt must be set.
	Create(ctx context.Context, r *runner.Runner) error

	Get(ctx context.Context, id string) (*runner.Runner, error)

	// ListByUser returns the user's runners, newest first.
	ListByUser(ctx context.Context, userID string) ([]*runner.Runner, error)

	// ListByStatus returns runners in any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...runner.Status) ([]*runner.Runner, error)

	// Update applies p and bumps UpdatedAt.  When expect is non-empty
	// the write happens only if the stored status is one of expect;
	// otherwise ErrConflict is returned and nothing changes.  The
	// updated runner is returned.
	Update(ctx context.Context, id string, p runner.Patch, expect ...runner.Status) (*runner.Runner, error)

	// RecordHeartbeat writes only the heartbeat fields, and only while
	// the stored status is one of expect.
	RecordHeartbeat(ctx context.Context, id string, hb runner.Heartbeat, expect ...runner.Status) error

	// Delete removes the row.
	Delete(ctx context.Context, id string) error

	Close() error
}
