// Package bootstrap turns a freshly created server into a registered,
// running agent: it executes the setup script on the server and then
// waits for the agent's first heartbeat.
//
// The Bootstrapper never retries on its own; the orchestrator decides
// whether a failed bootstrap is attempted again.
package bootstrap

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"

	"github.com/terrpan/agentfleet/internal/fault"
	"github.com/terrpan/agentfleet/internal/provider"
)

// tailSize is how much command output is kept for diagnostics.
const tailSize = 2048

// Registrations reports when an agent has checked in.
type Registrations interface {
	// AwaitRegistration blocks until the runner's first heartbeat at or
	// after since, or until ctx ends.
	AwaitRegistration(ctx context.Context, runnerID string, since time.Time) (time.Time, error)
}

// Config holds bootstrap settings.
type Config struct {
	// AgentURL is where servers download the agent binary from.
	AgentURL string
	// ControlPlaneURL is the base URL agents report heartbeats to.
	ControlPlaneURL string

	// SSHUser is the login used on servers.  Default: "root".
	SSHUser string
	// SSHPort defaults to 22.
	SSHPort int
	// SSHPrivateKeyFile is a PEM private key.  When empty, a key is
	// generated at start-up, which means servers created before a
	// restart can no longer be bootstrapped over SSH.
	SSHPrivateKeyFile string
	// SSHWait bounds how long to wait for the SSH port to accept a
	// login.  Default: 3m.
	SSHWait time.Duration

	// CommandTimeout bounds the setup script.  Default: 5m.
	CommandTimeout time.Duration
	// RegistrationTimeout bounds the wait for the first heartbeat.
	// Default: 2m.
	RegistrationTimeout time.Duration
}

// Target is the server to bootstrap.
type Target struct {
	Provider  provider.Provider
	Token     provider.Token
	ServerID  string
	IPAddress string
}

// Result describes a successful bootstrap.
type Result struct {
	// Output is the tail of the script's stdout and stderr.
	Output string
	// RegisteredAt is the time of the agent's first heartbeat.
	RegisteredAt time.Time
}

// Error is a failed bootstrap.  Output carries the command output tail.
type Error struct {
	Output string
	Err    error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Bootstrapper runs the setup procedure.
type Bootstrapper struct {
	cfg    Config
	signer ssh.Signer
	regs   Registrations
	logger *slog.Logger
	tracer trace.Tracer

	// dial is replaced in tests.
	dial func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)
}

// New creates a Bootstrapper.
func New(cfg Config, regs Registrations, logger *slog.Logger) (*Bootstrapper, error) {
	if cfg.SSHUser == "" {
		cfg.SSHUser = "root"
	}
	if cfg.SSHPort == 0 {
		cfg.SSHPort = 22
	}
	if cfg.SSHWait <= 0 {
		cfg.SSHWait = 3 * time.Minute
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = 2 * time.Minute
	}

	signer, err := loadSigner(cfg.SSHPrivateKeyFile)
	if err != nil {
		return nil, err
	}
	if cfg.SSHPrivateKeyFile == "" {
		logger.Warn("no ssh private key configured, generated an ephemeral bootstrap key")
	}

	return &Bootstrapper{
		cfg:    cfg,
		signer: signer,
		regs:   regs,
		logger: logger,
		tracer: otel.Tracer("agentfleet/bootstrap"),
		dial:   dialSSH,
	}, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	if path == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ssh key: %w", err)
		}
		return ssh.NewSignerFromKey(key)
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", path, err)
	}
	return signer, nil
}

// SSHUser is the login servers must accept.
func (b *Bootstrapper) SSHUser() string { return b.cfg.SSHUser }

// AuthorizedKey is the public key servers must accept, in
// authorized_keys format.
func (b *Bootstrapper) AuthorizedKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(b.signer.PublicKey()))) + " agentfleet-bootstrap"
}

// Bootstrap installs and starts the agent on target, then waits for it
// to register.  Every failure is a fault.BootstrapFailure wrapping an
// *Error with the output collected so far.
func (b *Bootstrapper) Bootstrap(ctx context.Context, target Target, p Payload) (Result, error) {
	ctx, span := b.tracer.Start(ctx, "bootstrap.Bootstrap")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.id", p.RunnerID),
		attribute.String("server.id", target.ServerID),
	)

	if p.AgentURL == "" {
		p.AgentURL = b.cfg.AgentURL
	}
	if p.ControlPlaneURL == "" {
		p.ControlPlaneURL = b.cfg.ControlPlaneURL
	}
	if p.MaxConcurrentJobs <= 0 {
		p.MaxConcurrentJobs = 1
	}
	if err := checkPayload(p); err != nil {
		return Result{}, failure("invalid setup payload", "", err)
	}

	script, err := Render(p)
	if err != nil {
		return Result{}, failure("could not render setup script", "", err)
	}

	started := time.Now().UTC()

	runCtx, cancel := context.WithTimeout(ctx, b.cfg.CommandTimeout)
	out, err := b.run(runCtx, target, script)
	cancel()

	tail := Tail(out, tailSize)
	if err != nil {
		b.logger.Warn("setup script failed",
			slog.String("runner_id", p.RunnerID),
			slog.String("server_id", target.ServerID),
			slog.String("error", err.Error()),
		)
		return Result{Output: tail}, failure(transportMessage(err), tail, err)
	}
	if out.ExitCode != 0 {
		b.logger.Warn("setup script exited non-zero",
			slog.String("runner_id", p.RunnerID),
			slog.Int("exit_code", out.ExitCode),
		)
		return Result{Output: tail}, failure(fmt.Sprintf("setup script exited with status %d", out.ExitCode), tail,
			fmt.Errorf("exit status %d", out.ExitCode))
	}

	b.logger.Info("setup script finished, waiting for agent registration",
		slog.String("runner_id", p.RunnerID),
		slog.Duration("timeout", b.cfg.RegistrationTimeout),
	)

	regCtx, cancel := context.WithTimeout(ctx, b.cfg.RegistrationTimeout)
	defer cancel()
	at, err := b.regs.AwaitRegistration(regCtx, p.RunnerID, started)
	if err != nil {
		msg := "agent did not register"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("agent did not register within %s", b.cfg.RegistrationTimeout)
		}
		return Result{Output: tail}, failure(msg, tail, err)
	}

	span.AddEvent("agent registered")
	return Result{Output: tail, RegisteredAt: at}, nil
}

// run executes script through the provider's own channel when it has
// one, otherwise over SSH.
func (b *Bootstrapper) run(ctx context.Context, target Target, script string) (provider.Output, error) {
	if cr, ok := target.Provider.(provider.CommandRunner); ok {
		return cr.RunCommand(ctx, target.Token, target.ServerID, script)
	}
	if target.IPAddress == "" {
		return provider.Output{}, errors.New("server has no address")
	}
	return b.runSSH(ctx, target.IPAddress, script)
}

func failure(msg, tail string, err error) error {
	return fault.New(fault.BootstrapFailure, "bootstrap.Bootstrap", msg, &Error{Output: tail, Err: err})
}

func transportMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "setup script timed out"
	case errors.Is(err, errSSHUnreachable):
		return "server did not accept SSH in time"
	default:
		return "could not run setup script"
	}
}

func checkPayload(p Payload) error {
	if p.AgentURL == "" || p.ControlPlaneURL == "" {
		return errors.New("agent url and control plane url are required")
	}
	for _, v := range []string{p.RunnerID, p.APIKey, p.AgentURL, p.ControlPlaneURL} {
		if strings.ContainsAny(v, "\r\n") {
			return errors.New("payload values must be single-line")
		}
	}
	return nil
}

// OutputOf returns the diagnostic output carried by a bootstrap error.
func OutputOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Output
	}
	return ""
}

// Tail returns the last n bytes of stdout and stderr combined.
func Tail(out provider.Output, n int) string {
	var b strings.Builder
	b.Write(out.Stdout)
	if len(out.Stderr) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.Write(out.Stderr)
	}
	s := b.String()
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return strings.ToValidUTF8(s, "")
}
