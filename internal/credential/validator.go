package credential

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/terrpan/agentfleet/internal/fault"
	"github.com/terrpan/agentfleet/internal/provider"
)

const minTokenLength = 4

// Result is the outcome of a validation that reached a verdict.
type Result struct {
	Valid bool
	// Reason explains an invalid result.  It is safe to show to users.
	Reason string
}

// Validator checks tokens against the provider they belong to.
type Validator struct {
	providers *provider.Set
	timeout   time.Duration
	logger    *slog.Logger
}

// NewValidator returns a Validator.  timeout bounds each provider call;
// zero means 5s.
func NewValidator(providers *provider.Set, timeout time.Duration, logger *slog.Logger) *Validator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Validator{providers: providers, timeout: timeout, logger: logger}
}

// Validate reports whether token is usable with providerID.
//
// A returned error means no verdict was reached: a Transient error when
// the provider could not be asked in time, anything else for unexpected
// failures.  Validate never modifies the provider account.
func (v *Validator) Validate(ctx context.Context, providerID string, token provider.Token) (Result, error) {
	if reason := malformed(token.Reveal()); reason != "" {
		return Result{Valid: false, Reason: "malformed: " + reason}, nil
	}

	p, err := v.providers.Get(providerID)
	if err != nil {
		return Result{}, fault.New(fault.Unknown, "credential.Validate", "", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	err = p.VerifyToken(ctx, token)
	v.logger.Debug("token verification finished",
		slog.String("provider", providerID),
		slog.Duration("took", time.Since(start)),
		slog.Bool("ok", err == nil),
	)

	switch {
	case err == nil:
		return Result{Valid: true}, nil
	case fault.Is(err, fault.InvalidCredential):
		return Result{Valid: false, Reason: reason(err)}, nil
	case fault.Retryable(err) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Result{}, fault.New(fault.Transient, "credential.Validate", "could not validate credential", err)
	default:
		return Result{}, err
	}
}

func reason(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Msg != "" {
		return fe.Msg
	}
	return "rejected by provider"
}

// malformed returns why raw cannot be a token, or "" if it might be one.
func malformed(raw string) string {
	switch {
	case raw == "":
		return "token is empty"
	case strings.TrimSpace(raw) == "":
		return "token is blank"
	case len(raw) < minTokenLength:
		return "token is too short"
	}
	for _, r := range raw {
		// JSON service-account keys span lines.
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return "token contains control characters"
		}
	}
	return ""
}
