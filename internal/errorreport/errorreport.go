// Package errorreport forwards unexpected failures to Sentry.  Every
// function is a no-op until Init has been called with a DSN.
package errorreport

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config holds Sentry settings.
type Config struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
	Debug       bool    `yaml:"debug"`
}

// Init sets up the global Sentry client.  An empty DSN disables
// reporting.
func Init(cfg Config, release string) error {
	if cfg.DSN == "" {
		return nil
	}
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          release,
		SampleRate:       cfg.SampleRate,
		Debug:            cfg.Debug,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	return nil
}

// Enabled reports whether a client is configured.
func Enabled() bool {
	return sentry.CurrentHub().Client() != nil
}

// Flush waits up to timeout for buffered events to be sent.
func Flush(timeout time.Duration) {
	if Enabled() {
		sentry.Flush(timeout)
	}
}

// CaptureError reports err with tags.
func CaptureError(err error, tags map[string]string) {
	if !Enabled() || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// CapturePanic reports a recovered panic value.  It does not re-panic.
func CapturePanic(ctx context.Context, recovered any, tags map[string]string) {
	if !Enabled() || recovered == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CurrentHub().RecoverWithContext(ctx, recovered)
	})
}
