// Package config handles loading, validating, and applying
// configuration for the agentfleet control plane.  Configuration is read
// from a YAML file, secrets may come from the environment, and CLI flags
// override both.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/agentfleet/internal/bootstrap"
	"github.com/terrpan/agentfleet/internal/credential"
	"github.com/terrpan/agentfleet/internal/deprovisioner"
	"github.com/terrpan/agentfleet/internal/errorreport"
	"github.com/terrpan/agentfleet/internal/events"
	"github.com/terrpan/agentfleet/internal/heartbeat"
	"github.com/terrpan/agentfleet/internal/otel"
	"github.com/terrpan/agentfleet/internal/provider"
	"github.com/terrpan/agentfleet/internal/provider/docker"
	"github.com/terrpan/agentfleet/internal/provider/gcp"
	"github.com/terrpan/agentfleet/internal/provider/hetzner"
	"github.com/terrpan/agentfleet/internal/provisioner"
	"github.com/terrpan/agentfleet/internal/registry"
	"github.com/terrpan/agentfleet/internal/registry/leveldb"
	"github.com/terrpan/agentfleet/internal/registry/postgres"
)

// Environment variables consulted for secrets when the file leaves them
// empty.
const (
	EnvCredentialKey = "AGENTFLEET_CREDENTIAL_KEY"
	EnvDatabaseURL   = "AGENTFLEET_DATABASE_URL"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Registry    RegistryConfig     `yaml:"registry"`
	Providers   ProvidersConfig    `yaml:"providers"`
	Credential  CredentialConfig   `yaml:"credential"`
	Provisioner ProvisionerConfig  `yaml:"provisioner"`
	Heartbeat   HeartbeatConfig    `yaml:"heartbeat"`
	Bootstrap   BootstrapConfig    `yaml:"bootstrap"`
	Events      EventsConfig       `yaml:"events"`
	Sentry      errorreport.Config `yaml:"sentry"`
	Logging     LoggingConfig      `yaml:"logging"`
	OTel        OTelConfig         `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// HTTP server
// ---------------------------------------------------------------------------

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	// Listen is the address the API binds to.  Default: ":8080".
	Listen string `yaml:"listen"`
	// RequestTimeout bounds a single request.  Default: 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ShutdownTimeout bounds graceful shutdown, including waiting for
	// running provisioning.  Default: 60s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// RegistryConfig selects where runners are stored.
type RegistryConfig struct {
	// Driver is "postgres" or "leveldb".  Default: "postgres" when a
	// database URL is set, "leveldb" otherwise.
	Driver string `yaml:"driver"`

	// DatabaseURL is the PostgreSQL connection string.  Falls back to
	// AGENTFLEET_DATABASE_URL.
	DatabaseURL string `yaml:"database_url"`

	// Migrate runs embedded schema migrations at start-up.  Default: true.
	Migrate *bool `yaml:"migrate"`

	// Path is the LevelDB directory.  Default: "data/runners".
	Path string `yaml:"path"`
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

// ProvidersConfig enables and configures the cloud providers runners can
// be created on.  At least one must be enabled.
type ProvidersConfig struct {
	Hetzner HetznerConfig `yaml:"hetzner"`
	GCP     GCPConfig     `yaml:"gcp"`
	Docker  DockerConfig  `yaml:"docker"`
}

// HetznerConfig holds Hetzner Cloud settings.
type HetznerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BaseURL           string        `yaml:"base_url"`
	Image             string        `yaml:"image"`
	DefaultServerType string        `yaml:"default_server_type"`
	DefaultLocation   string        `yaml:"default_location"`
	SSHKeys           []string      `yaml:"ssh_keys"`
	Timeout           time.Duration `yaml:"timeout"`
}

// GCPConfig holds Compute Engine settings.  Credentials are the
// runner's own service-account key; none are configured here.
type GCPConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Project            string `yaml:"project"`
	DefaultZone        string `yaml:"default_zone"`
	DefaultMachineType string `yaml:"default_machine_type"`
	Image              string `yaml:"image"`
	DiskSizeGB         int64  `yaml:"disk_size_gb"`
	Network            string `yaml:"network"`
	Subnet             string `yaml:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  Use a *bool so we can distinguish "not set"
	// (nil -> default true) from "explicitly set to false".
	PublicIP *bool `yaml:"public_ip"`
}

// DockerConfig holds the local development provider settings.
type DockerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Image is the container image standing in for a server.
	// Default: "ubuntu:24.04".
	Image string `yaml:"image"`
	// Network is the Docker network runner containers join.
	Network string `yaml:"network"`
	// Dind bind-mounts the host's Docker socket into each container.
	Dind bool `yaml:"dind"`
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// CredentialConfig controls credential storage and validation.
type CredentialConfig struct {
	// Key is the base64 32-byte key sealing stored provider tokens.
	// Falls back to AGENTFLEET_CREDENTIAL_KEY.  Required.
	Key string `yaml:"key"`
	// ValidateTimeout bounds one token validation call.  Default: 5s.
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
}

// ---------------------------------------------------------------------------
// Provisioning
// ---------------------------------------------------------------------------

// ProvisionerConfig holds retry and timeout policy for provisioning and
// deletion.  Zero values take the provisioner's defaults.
type ProvisionerConfig struct {
	// MaxConcurrent bounds simultaneous provisioning runs.  Default: 10.
	MaxConcurrent        int           `yaml:"max_concurrent"`
	ValidateAttempts     int           `yaml:"validate_attempts"`
	CreateAttempts       int           `yaml:"create_attempts"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	NetworkTimeout       time.Duration `yaml:"network_timeout"`
	BootstrapAttempts    int           `yaml:"bootstrap_attempts"`
	// StaleAfter is how long a runner may sit in-flight without updates
	// before the periodic recovery sweep marks it failed.  Default: 30m.
	StaleAfter time.Duration `yaml:"stale_after"`
	// RecoverInterval is how often the recovery sweep runs.  Default: 5m.
	RecoverInterval time.Duration `yaml:"recover_interval"`
	// DeleteTimeout bounds the provider call when deleting.  Default: 30s.
	DeleteTimeout time.Duration `yaml:"delete_timeout"`
}

// HeartbeatConfig controls heartbeat ingestion and staleness.
type HeartbeatConfig struct {
	// StaleAfter is when an active runner is reported unresponsive.
	// Default: 90s.
	StaleAfter    time.Duration `yaml:"stale_after"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// BootstrapConfig controls agent installation.
type BootstrapConfig struct {
	// AgentURL is where servers download the agent binary.  Required.
	AgentURL string `yaml:"agent_url"`
	// ControlPlaneURL is this service's public base URL, used by agents
	// to send heartbeats.  Required.
	ControlPlaneURL     string        `yaml:"control_plane_url"`
	SSHUser             string        `yaml:"ssh_user"`
	SSHPort             int           `yaml:"ssh_port"`
	SSHPrivateKeyFile   string        `yaml:"ssh_private_key_file"`
	SSHWait             time.Duration `yaml:"ssh_wait"`
	CommandTimeout      time.Duration `yaml:"command_timeout"`
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
}

// EventsConfig controls the lifecycle event stream.
type EventsConfig struct {
	// NATSURL enables publishing when set (e.g. "nats://localhost:4222").
	NATSURL string `yaml:"nats_url"`
	// SubjectPrefix defaults to "agentfleet".
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).  Default: false.
	StdOut bool `yaml:"stdout"`

	// Prometheus serves /metrics on the API listener.  Default: true.
	Prometheus *bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file yields an empty Config.  Secrets left empty are taken
// from the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Config file is optional -- flags and env can supply everything.
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Credential.Key == "" {
		c.Credential.Key = os.Getenv(EnvCredentialKey)
	}
	if c.Registry.DatabaseURL == "" {
		c.Registry.DatabaseURL = os.Getenv(EnvDatabaseURL)
	}
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
// Provider and provisioning defaults live with their packages.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 60 * time.Second
	}
	if c.Registry.Driver == "" {
		if c.Registry.DatabaseURL != "" {
			c.Registry.Driver = "postgres"
		} else {
			c.Registry.Driver = "leveldb"
		}
	}
	if c.Registry.Migrate == nil {
		t := true
		c.Registry.Migrate = &t
	}
	if c.Registry.Path == "" {
		c.Registry.Path = "data/runners"
	}
	if c.Providers.GCP.PublicIP == nil {
		t := true
		c.Providers.GCP.PublicIP = &t
	}
	if c.Credential.ValidateTimeout == 0 {
		c.Credential.ValidateTimeout = 5 * time.Second
	}
	if c.Provisioner.MaxConcurrent == 0 {
		c.Provisioner.MaxConcurrent = 10
	}
	if c.Heartbeat.StaleAfter == 0 {
		c.Heartbeat.StaleAfter = 90 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Prometheus == nil {
		t := true
		c.OTel.Prometheus = &t
	}
	// insecure=true for local collectors unless an endpoint was configured
	if !c.OTel.Insecure && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch c.Registry.Driver {
	case "postgres":
		if c.Registry.DatabaseURL == "" {
			return fmt.Errorf("registry.database_url (or %s) is required when registry.driver is \"postgres\"", EnvDatabaseURL)
		}
	case "leveldb":
		// OK
	default:
		return fmt.Errorf("registry.driver %q is not supported (supported: postgres, leveldb)", c.Registry.Driver)
	}

	if len(c.ProviderNames()) == 0 {
		return fmt.Errorf("no provider enabled: enable at least one of providers.hetzner, providers.gcp, providers.docker")
	}

	if c.Credential.Key == "" {
		return fmt.Errorf("credential.key (or %s) is required", EnvCredentialKey)
	}
	if _, err := credential.NewVault(c.Credential.Key); err != nil {
		return fmt.Errorf("credential.key: %w", err)
	}

	for name, raw := range map[string]string{
		"bootstrap.agent_url":         c.Bootstrap.AgentURL,
		"bootstrap.control_plane_url": c.Bootstrap.ControlPlaneURL,
	} {
		u, err := url.ParseRequestURI(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%s: invalid URL %q", name, raw)
		}
	}

	if c.Heartbeat.StaleAfter < 0 {
		return fmt.Errorf("heartbeat.stale_after must not be negative")
	}
	if c.Provisioner.MaxConcurrent < 0 {
		return fmt.Errorf("provisioner.max_concurrent must not be negative")
	}
	if c.Sentry.SampleRate < 0 || c.Sentry.SampleRate > 1 {
		return fmt.Errorf("sentry.sample_rate must be between 0 and 1")
	}

	return nil
}

// ProviderNames returns the enabled providers in a stable order.
func (c *Config) ProviderNames() []string {
	var names []string
	if c.Providers.Docker.Enabled {
		names = append(names, docker.Name)
	}
	if c.Providers.GCP.Enabled {
		names = append(names, gcp.Name)
	}
	if c.Providers.Hetzner.Enabled {
		names = append(names, hetzner.Name)
	}
	return names
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewProviders creates the enabled providers.
func (c *Config) NewProviders(ctx context.Context, logger *slog.Logger) (*provider.Set, error) {
	var providers []provider.Provider

	if c.Providers.Hetzner.Enabled {
		h := c.Providers.Hetzner
		providers = append(providers, hetzner.New(hetzner.Config{
			BaseURL:           h.BaseURL,
			Image:             h.Image,
			DefaultServerType: h.DefaultServerType,
			DefaultLocation:   h.DefaultLocation,
			SSHKeys:           h.SSHKeys,
			Timeout:           h.Timeout,
		}, logger.WithGroup("provider.hetzner")))
	}

	if c.Providers.GCP.Enabled {
		g := c.Providers.GCP
		providers = append(providers, gcp.New(gcp.Config{
			Project:            g.Project,
			DefaultZone:        g.DefaultZone,
			DefaultMachineType: g.DefaultMachineType,
			Image:              g.Image,
			DiskSizeGB:         g.DiskSizeGB,
			Network:            g.Network,
			Subnet:             g.Subnet,
			PublicIP:           *g.PublicIP,
		}, logger.WithGroup("provider.gcp")))
	}

	if c.Providers.Docker.Enabled {
		d := c.Providers.Docker
		p, err := docker.New(ctx, docker.Config{
			Image:   d.Image,
			Network: d.Network,
			Dind:    d.Dind,
		}, logger.WithGroup("provider.docker"))
		if err != nil {
			return nil, fmt.Errorf("creating docker provider: %w", err)
		}
		providers = append(providers, p)
	}

	return provider.NewSet(providers...)
}

// NewRegistry opens the configured runner registry.
func (c *Config) NewRegistry(ctx context.Context) (registry.Registry, error) {
	switch c.Registry.Driver {
	case "postgres":
		return postgres.Open(ctx, c.Registry.DatabaseURL, *c.Registry.Migrate)
	case "leveldb":
		return leveldb.Open(c.Registry.Path)
	default:
		return nil, fmt.Errorf("unsupported registry driver: %s", c.Registry.Driver)
	}
}

// NewVault creates the credential vault.
func (c *Config) NewVault() (*credential.Vault, error) {
	return credential.NewVault(c.Credential.Key)
}

// NewPublisher connects the event stream, or returns a no-op publisher
// when none is configured.
func (c *Config) NewPublisher(logger *slog.Logger) (events.Publisher, error) {
	if c.Events.NATSURL == "" {
		return events.Nop{}, nil
	}
	return events.NewNATS(c.Events.NATSURL, c.Events.SubjectPrefix, logger)
}

// ProvisionerSettings converts the provisioning section.
func (c *Config) ProvisionerSettings() provisioner.Config {
	p := c.Provisioner
	return provisioner.Config{
		ValidateAttempts:     p.ValidateAttempts,
		CreateAttempts:       p.CreateAttempts,
		CallTimeout:          p.CallTimeout,
		RetryInitialInterval: p.RetryInitialInterval,
		RetryMaxInterval:     p.RetryMaxInterval,
		PollInterval:         p.PollInterval,
		NetworkTimeout:       p.NetworkTimeout,
		BootstrapAttempts:    p.BootstrapAttempts,
		StaleAfter:           p.StaleAfter,
		RecoverInterval:      p.RecoverInterval,
	}
}

// DeprovisionerSettings converts the deletion settings.
func (c *Config) DeprovisionerSettings() deprovisioner.Config {
	return deprovisioner.Config{DeleteTimeout: c.Provisioner.DeleteTimeout}
}

// HeartbeatSettings converts the heartbeat section.
func (c *Config) HeartbeatSettings() heartbeat.Config {
	return heartbeat.Config{
		StaleAfter:    c.Heartbeat.StaleAfter,
		RatePerSecond: c.Heartbeat.RatePerSecond,
		Burst:         c.Heartbeat.Burst,
	}
}

// BootstrapSettings converts the bootstrap section.
func (c *Config) BootstrapSettings() bootstrap.Config {
	b := c.Bootstrap
	return bootstrap.Config{
		AgentURL:            b.AgentURL,
		ControlPlaneURL:     b.ControlPlaneURL,
		SSHUser:             b.SSHUser,
		SSHPort:             b.SSHPort,
		SSHPrivateKeyFile:   b.SSHPrivateKeyFile,
		SSHWait:             b.SSHWait,
		CommandTimeout:      b.CommandTimeout,
		RegistrationTimeout: b.RegistrationTimeout,
	}
}

// OTelSettings converts the otel section.
func (c *Config) OTelSettings() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.OTel.Prometheus != nil && *c.OTel.Prometheus,
	}
}
