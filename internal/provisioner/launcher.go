package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/terrpan/agentfleet/internal/errorreport"
	"github.com/terrpan/agentfleet/internal/fault"
	"github.com/terrpan/agentfleet/internal/runner"
)

// ErrShuttingDown is returned by Launch after Shutdown was called.
var ErrShuttingDown = errors.New("provisioner is shutting down")

// Launcher runs provisioning in the background, detached from the
// request that started it.  At most maxConcurrent runs execute at once;
// claimed runners beyond that wait in validating_credential.  It also
// sweeps periodically for runs abandoned by another process.
type Launcher struct {
	o      *Orchestrator
	sem    *semaphore.Weighted
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stop      chan struct{}
	sweepDone chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewLauncher creates a Launcher.  maxConcurrent <= 0 means 10.
func NewLauncher(o *Orchestrator, maxConcurrent int, logger *slog.Logger) *Launcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Launcher{
		o:         o,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go l.sweep(o.cfg.RecoverInterval, o.cfg.StaleAfter)
	return l
}

// sweep recovers in-flight runners that no process has touched for
// staleAfter.
func (l *Launcher) sweep(interval, staleAfter time.Duration) {
	defer close(l.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			n, err := l.o.RecoverInterrupted(l.ctx, staleAfter)
			if err != nil {
				l.logger.Warn("recovery sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				l.logger.Info("recovery sweep finished", slog.Int("recovered", n))
			}
		}
	}
}

// Launch claims the runner synchronously and starts the run in the
// background.  It returns ErrAlreadyInFlight, registry.ErrNotFound or
// ErrShuttingDown without starting anything.
func (l *Launcher) Launch(ctx context.Context, id string) (*runner.Runner, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrShuttingDown
	}
	l.wg.Add(1)
	l.mu.Unlock()

	r, err := l.o.Claim(ctx, id)
	if err != nil {
		l.wg.Done()
		return nil, err
	}

	go l.run(r)
	return r, nil
}

func (l *Launcher) run(r *runner.Runner) {
	defer l.wg.Done()

	ctx := l.ctx
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("provisioning run panicked",
				slog.String("runner_id", r.ID),
				slog.Any("panic", rec),
			)
			errorreport.CapturePanic(ctx, rec, map[string]string{"runner_id": r.ID, "component": "provisioner"})
			err := fault.New(fault.Unknown, "provisioner.Launcher", "", fmt.Errorf("panic: %v", rec))
			l.o.fail(ctx, r.ID, err, l.logger.With(slog.String("runner_id", r.ID)))
		}
	}()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		err = fault.New(fault.Transient, "provisioner.Launcher", "provisioning was interrupted, please retry", err)
		l.o.fail(ctx, r.ID, err, l.logger.With(slog.String("runner_id", r.ID)))
		l.o.release(r.ID)
		return
	}
	defer l.sem.Release(1)

	l.o.Run(ctx, r)
}

// Shutdown stops accepting launches and waits for running provisioning
// to finish.  When ctx expires first the remaining runs are cancelled;
// they record an interrupted failure before Shutdown returns.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.stop)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		<-l.sweepDone
		close(done)
	}()

	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.logger.Warn("cancelling unfinished provisioning runs")
		l.cancel()
		<-done
		return ctx.Err()
	}
}
