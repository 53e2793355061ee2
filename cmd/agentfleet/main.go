package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/agentfleet/internal/api"
	"github.com/terrpan/agentfleet/internal/bootstrap"
	"github.com/terrpan/agentfleet/internal/buildinfo"
	"github.com/terrpan/agentfleet/internal/config"
	"github.com/terrpan/agentfleet/internal/credential"
	"github.com/terrpan/agentfleet/internal/deprovisioner"
	"github.com/terrpan/agentfleet/internal/errorreport"
	"github.com/terrpan/agentfleet/internal/health"
	"github.com/terrpan/agentfleet/internal/heartbeat"
	"github.com/terrpan/agentfleet/internal/otel"
	"github.com/terrpan/agentfleet/internal/provisioner"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentfleet",
	Short: "agentfleet -- provisions and supervises remote AI-agent runners",
	Long: `agentfleet provisions compute nodes ("runners") on a user's own cloud
account (Hetzner, GCP, or local Docker), installs the agent on them,
tracks their health through agent heartbeats and tears them down.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.  Secrets may be supplied
through AGENTFLEET_CREDENTIAL_KEY and AGENTFLEET_DATABASE_URL.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a credential encryption key for credential.key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := credential.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, keygenCmd)

	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Server overrides
	f.StringVar(&flagOverrides.Server.Listen, "listen", "", "API listen address (e.g. :8080)")

	// Registry overrides
	f.StringVar(&flagOverrides.Registry.Driver, "registry", "", "Registry driver (postgres, leveldb)")
	f.StringVar(&flagOverrides.Registry.DatabaseURL, "database-url", "", "PostgreSQL connection string")
	f.StringVar(&flagOverrides.Registry.Path, "leveldb-path", "", "LevelDB directory for the embedded registry")

	// Provider overrides
	f.BoolVar(&flagOverrides.Providers.Docker.Enabled, "docker", false, "Enable the local Docker provider")
	f.BoolVar(&flagOverrides.Providers.Hetzner.Enabled, "hetzner", false, "Enable the Hetzner Cloud provider")
	f.BoolVar(&flagOverrides.Providers.GCP.Enabled, "gcp", false, "Enable the GCP Compute Engine provider")

	// Bootstrap overrides
	f.StringVar(&flagOverrides.Bootstrap.AgentURL, "agent-url", "", "URL servers download the agent binary from")
	f.StringVar(&flagOverrides.Bootstrap.ControlPlaneURL, "control-plane-url", "", "Public base URL agents send heartbeats to")

	// Events overrides
	f.StringVar(&flagOverrides.Events.NATSURL, "nats-url", "", "NATS server for lifecycle events")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Server.Listen != "" {
		cfg.Server.Listen = flagOverrides.Server.Listen
	}
	if flagOverrides.Registry.Driver != "" {
		cfg.Registry.Driver = flagOverrides.Registry.Driver
	}
	if flagOverrides.Registry.DatabaseURL != "" {
		cfg.Registry.DatabaseURL = flagOverrides.Registry.DatabaseURL
	}
	if flagOverrides.Registry.Path != "" {
		cfg.Registry.Path = flagOverrides.Registry.Path
	}
	if flagOverrides.Providers.Docker.Enabled {
		cfg.Providers.Docker.Enabled = true
	}
	if flagOverrides.Providers.Hetzner.Enabled {
		cfg.Providers.Hetzner.Enabled = true
	}
	if flagOverrides.Providers.GCP.Enabled {
		cfg.Providers.GCP.Enabled = true
	}
	if flagOverrides.Bootstrap.AgentURL != "" {
		cfg.Bootstrap.AgentURL = flagOverrides.Bootstrap.AgentURL
	}
	if flagOverrides.Bootstrap.ControlPlaneURL != "" {
		cfg.Bootstrap.ControlPlaneURL = flagOverrides.Bootstrap.ControlPlaneURL
	}
	if flagOverrides.Events.NATSURL != "" {
		cfg.Events.NATSURL = flagOverrides.Events.NATSURL
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger, telemetry and error reporting
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("registry", cfg.Registry.Driver),
		slog.Any("providers", cfg.ProviderNames()),
		slog.String("listen", cfg.Server.Listen),
	)

	otelShutdown, metricsHandler, err := otel.SetupOTelSDK(ctx, "agentfleet", cfg.OTelSettings())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	if err := errorreport.Init(cfg.Sentry, buildinfo.Version); err != nil {
		return fmt.Errorf("initializing error reporting: %w", err)
	}
	defer errorreport.Flush(2 * time.Second)

	// ---------------------------------------------------------------
	// 3. Open registry, vault and event stream
	// ---------------------------------------------------------------
	reg, err := cfg.NewRegistry(ctx)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer reg.Close()

	vault, err := cfg.NewVault()
	if err != nil {
		return fmt.Errorf("creating credential vault: %w", err)
	}

	publisher, err := cfg.NewPublisher(logger.WithGroup("events"))
	if err != nil {
		return fmt.Errorf("connecting event stream: %w", err)
	}
	defer publisher.Close()

	// ---------------------------------------------------------------
	// 4. Initialize providers
	// ---------------------------------------------------------------
	providers, err := cfg.NewProviders(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing providers: %w", err)
	}
	defer providers.Close()

	// ---------------------------------------------------------------
	// 5. Wire lifecycle components
	// ---------------------------------------------------------------
	heartbeats := heartbeat.New(reg, cfg.HeartbeatSettings(), logger.WithGroup("heartbeat"))

	boot, err := bootstrap.New(cfg.BootstrapSettings(), heartbeats, logger.WithGroup("bootstrap"))
	if err != nil {
		return fmt.Errorf("creating bootstrapper: %w", err)
	}

	orch := provisioner.New(cfg.ProvisionerSettings(), provisioner.Deps{
		Registry:     reg,
		Providers:    providers,
		Vault:        vault,
		Validator:    credential.NewValidator(providers, cfg.Credential.ValidateTimeout, logger.WithGroup("credential")),
		Bootstrapper: boot,
		Publisher:    publisher,
		Logger:       logger.WithGroup("provisioner"),
	})

	// No run of this process exists yet, so every in-flight runner was
	// left behind by a previous one.
	recovered, err := orch.RecoverInterrupted(ctx, 0)
	if err != nil {
		return fmt.Errorf("recovering interrupted provisioning: %w", err)
	}
	if recovered > 0 {
		logger.Warn("marked interrupted runners as failed", slog.Int("count", recovered))
	}

	launcher := provisioner.NewLauncher(orch, cfg.Provisioner.MaxConcurrent, logger.WithGroup("launcher"))
	deleter := deprovisioner.New(cfg.DeprovisionerSettings(), reg, providers, vault, publisher, heartbeats,
		logger.WithGroup("deprovisioner"))

	// ---------------------------------------------------------------
	// 6. Serve the API
	// ---------------------------------------------------------------
	router := api.NewRouter(api.Deps{
		Registry:       reg,
		Sealer:         vault,
		Launcher:       launcher,
		Deleter:        deleter,
		Heartbeats:     heartbeats,
		Providers:      providers.Names(),
		Health:         health.Handler(providers.Names(), cfg.Registry.Driver),
		Metrics:        metricsHandler,
		Logger:         logger.WithGroup("api"),
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", cfg.Server.Listen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	case <-ctx.Done():
	}

	// ---------------------------------------------------------------
	// 7. Shut down gracefully
	// ---------------------------------------------------------------
	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", slog.String("error", err.Error()))
	}
	if err := launcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("provisioning runs cancelled at shutdown", slog.String("error", err.Error()))
	}
	return nil
}
