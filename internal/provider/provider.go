// Package provider defines the abstraction over cloud providers that host
// runner servers.  Each provider (Hetzner, GCP, local Docker, ...)
// implements Provider so the orchestrator stays provider-agnostic.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Token is a decrypted provider API token.  It never prints or logs its
// value; use Reveal at the point of the remote call.
type Token string

// Reveal returns the raw token.
func (t Token) Reveal() string { return string(t) }

func (t Token) String() string { return "[REDACTED]" }

// GoString keeps %#v from printing the value.
func (t Token) GoString() string { return "[REDACTED]" }

// LogValue implements slog.LogValuer.
func (t Token) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// State is a provider-neutral server state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateDeleting State = "deleting"
	StateUnknown  State = "unknown"
)

// Server is what a provider reports about one server.
type Server struct {
	// ID is the provider-assigned identifier, opaque to callers.
	ID    string
	State State
	// IPAddress is empty until the provider has assigned one.
	IPAddress string
}

// NetworkReady reports whether the server is running and addressable.
func (s Server) NetworkReady() bool {
	return s.State == StateRunning && s.IPAddress != ""
}

// ServerSpec describes the server to create for a runner.
type ServerSpec struct {
	// Name must be derived from the runner id with ServerName so that a
	// retried create finds the server created by an earlier attempt.
	Name       string
	RunnerID   string
	Region     string
	ServerType string
	// SSHUser and SSHAuthorizedKey describe the login the bootstrapper
	// will use.  Providers that cannot install keys ignore them.
	SSHUser          string
	SSHAuthorizedKey string
	Labels           map[string]string
}

// ServerName returns the deterministic remote name for a runner.
func ServerName(runnerID string) string {
	return "agentfleet-" + strings.ToLower(runnerID)
}

// LabelRunnerID is the label key carrying the owning runner id.
const LabelRunnerID = "agentfleet-runner-id"

// Provider is the capability set every cloud provider must satisfy.
//
// All calls authenticate with the per-runner token passed in; there is no
// global credential.  Errors are classified with package fault:
// InvalidCredential, QuotaExceeded, NotFound, Transient or Unknown.
type Provider interface {
	// Name returns the provider identifier, e.g. "hetzner".
	Name() string

	// VerifyToken performs the cheapest read-only call the provider
	// offers.  It returns nil if the token is usable.
	VerifyToken(ctx context.Context, token Token) error

	// CreateServer requests a new server and returns as soon as the
	// provider accepted the request, usually before it has booted.
	// If a server named spec.Name already exists it is returned instead
	// of creating a second one.
	CreateServer(ctx context.Context, token Token, spec ServerSpec) (Server, error)

	// GetServer reports the current state and address of a server.
	GetServer(ctx context.Context, token Token, id string) (Server, error)

	// DeleteServer permanently destroys a server.  A server that is
	// already gone yields a fault.NotFound error.
	DeleteServer(ctx context.Context, token Token, id string) error
}

// Output is the captured result of a remote command.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandRunner is an optional capability: providers that can execute a
// script on a server through their own control channel implement it, and
// the bootstrapper uses it instead of SSH.
type CommandRunner interface {
	RunCommand(ctx context.Context, token Token, id string, script string) (Output, error)
}

// Set holds the configured providers keyed by name.
type Set struct {
	providers map[string]Provider
}

// NewSet builds a Set.  Duplicate names are rejected.
func NewSet(providers ...Provider) (*Set, error) {
	s := &Set{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, dup := s.providers[p.Name()]; dup {
			return nil, fmt.Errorf("provider %q registered twice", p.Name())
		}
		s.providers[p.Name()] = p
	}
	return s, nil
}

// Get returns the provider registered under name.
func (s *Set) Get(name string) (Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return p, nil
}

// Names returns the configured provider names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.providers))
	for n := range s.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close releases provider resources for providers that hold any.
func (s *Set) Close() error {
	var firstErr error
	for _, p := range s.providers {
		if c, ok := p.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
