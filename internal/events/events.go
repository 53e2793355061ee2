// Package events publishes runner lifecycle transitions so other services
// (dashboards, notifiers) can follow provisioning without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/terrpan/agentfleet/internal/runner"
)

// Event is one status transition.
type Event struct {
	RunnerID string        `json:"runnerId"`
	UserID   string        `json:"userId"`
	From     runner.Status `json:"from,omitempty"`
	To       runner.Status `json:"to"`
	Reason   string        `json:"reason,omitempty"`
	At       time.Time     `json:"at"`
}

// Publisher delivers events.  Publishing is best effort: callers log the
// error and carry on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// conn is the part of *nats.Conn NATS uses.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATS publishes JSON events on "<prefix>.runners.<id>.status".
type NATS struct {
	conn   conn
	prefix string
	logger *slog.Logger
}

// NewNATS connects to url.  The connection reconnects on its own.
func NewNATS(url, prefix string, logger *slog.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("agentfleet"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return newNATS(nc, prefix, logger), nil
}

func newNATS(c conn, prefix string, logger *slog.Logger) *NATS {
	if prefix == "" {
		prefix = "agentfleet"
	}
	return &NATS{conn: c, prefix: prefix, logger: logger}
}

// Subject returns the subject events for runnerID are published on.
func Subject(prefix, runnerID string) string {
	return prefix + ".runners." + runnerID + ".status"
}

func (n *NATS) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(Subject(n.prefix, ev.RunnerID), data); err != nil {
		return fmt.Errorf("publish event for runner %s: %w", ev.RunnerID, err)
	}
	return nil
}

// Close flushes buffered events and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
