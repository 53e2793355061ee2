// Package fault defines the small failure taxonomy shared by provider
// adapters, the bootstrapper and the provisioning orchestrator.  Every
// remote-call error is classified into a Kind so retry policy can be
// applied uniformly regardless of which provider produced it.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the category of a failure.
type Kind int

const (
	// Unknown is anything uncategorized.  It is logged with full detail
	// but surfaced to users only as a generic message.
	Unknown Kind = iota
	// InvalidCredential means the provider rejected the API token
	// (expired, revoked, insufficient scope).  User-fixable.
	InvalidCredential
	// QuotaExceeded means the provider account hit a resource limit.
	// User-fixable.
	QuotaExceeded
	// NotFound means the remote resource does not exist.
	NotFound
	// Transient covers network failures, timeouts and provider hiccups.
	// Retried automatically within bounds.
	Transient
	// BootstrapFailure means the agent could not be installed or did not
	// register.
	BootstrapFailure
)

var kindNames = map[Kind]string{
	Unknown:           "unknown",
	InvalidCredential: "invalid_credential",
	QuotaExceeded:     "quota_exceeded",
	NotFound:          "not_found",
	Transient:         "transient",
	BootstrapFailure:  "bootstrap_failure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "hetzner.CreateServer".
	Op string
	// Msg is a short, user-safe description.  It must not contain remote
	// API internals.
	Msg string
	// Err is the underlying cause, kept for logs only.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error.
func New(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf classifies err.  Context deadlines and network timeouts are
// Transient even when no adapter wrapped them.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return Transient
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the orchestrator may retry err without user
// action.
func Retryable(err error) bool {
	return KindOf(err) == Transient
}

// UserMessage returns the reason string stored on a runner in the error
// state.  Unknown failures never leak their cause.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	hasMsg := errors.As(err, &fe) && fe.Msg != ""

	switch KindOf(err) {
	case InvalidCredential:
		if hasMsg {
			return "invalid credential: " + fe.Msg
		}
		return "invalid credential"
	case QuotaExceeded:
		if hasMsg {
			return "provider quota exceeded: " + fe.Msg
		}
		return "provider quota exceeded"
	case NotFound:
		if hasMsg {
			return "remote resource not found: " + fe.Msg
		}
		return "remote resource not found"
	case Transient:
		if hasMsg {
			return "provider unavailable: " + fe.Msg
		}
		return "provider unavailable, please retry"
	case BootstrapFailure:
		if hasMsg {
			return "bootstrap failed: " + fe.Msg
		}
		return "bootstrap failed"
	default:
		return "provisioning failed due to an internal error"
	}
}
