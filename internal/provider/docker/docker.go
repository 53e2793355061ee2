// Package docker implements provider.Provider using the local Docker
// daemon.  Each runner server is a long-lived container, which makes the
// full provisioning flow runnable on a developer machine.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/agentfleet/internal/fault"
	"github.com/terrpan/agentfleet/internal/provider"
)

// Name is the provider identifier stored on runners.
const Name = "docker"

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image used as the runner "server".
	// Default: ubuntu:24.04
	Image string

	// Network is the Docker network containers join (optional).  The
	// runner must be able to reach the control plane from it.
	Network string

	// Dind bind-mounts the host's Docker socket into each container so
	// agent jobs can run containers of their own.
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.
	Dind bool
}

// Provider manages runner servers as Docker containers.  The runner's
// token is not sent anywhere; it only has to be present.
type Provider struct {
	client  *dockerclient.Client
	image   string
	network string
	dind    bool
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Compile-time checks.
var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.CommandRunner = (*Provider)(nil)
)

// New connects to the daemon and pulls the image so it is available for
// container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Image == "" {
		cfg.Image = "ubuntu:24.04"
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling runner image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		client.Close()
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		client.Close()
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	logger.Info("docker provider initialized", slog.String("image", cfg.Image))

	return newProvider(client, cfg, logger), nil
}

func newProvider(client *dockerclient.Client, cfg Config, logger *slog.Logger) *Provider {
	return &Provider{
		client:  client,
		image:   cfg.Image,
		network: cfg.Network,
		dind:    cfg.Dind,
		logger:  logger,
		tracer:  otel.Tracer("agentfleet/provider/docker"),
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// Close releases the daemon connection.
func (p *Provider) Close() error { return p.client.Close() }

// VerifyToken pings the daemon.
func (p *Provider) VerifyToken(ctx context.Context, token provider.Token) error {
	if token.Reveal() == "" {
		return fault.New(fault.InvalidCredential, "docker.VerifyToken", "token is empty", nil)
	}
	if _, err := p.client.Ping(ctx); err != nil {
		return fault.New(fault.Transient, "docker.VerifyToken", "docker daemon unreachable", err)
	}
	return nil
}

// CreateServer creates and starts a container named spec.Name.  An
// existing container of that name is started if needed and returned.
func (p *Provider) CreateServer(ctx context.Context, _ provider.Token, spec provider.ServerSpec) (provider.Server, error) {
	ctx, span := p.tracer.Start(ctx, "provider.docker.CreateServer")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.id", spec.RunnerID),
		attribute.String("docker.container_name", spec.Name),
	)

	if existing, err := p.client.ContainerInspect(ctx, spec.Name); err == nil {
		span.AddEvent("container already exists (idempotent)")
		if existing.State != nil && !existing.State.Running {
			if err := p.client.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
				return provider.Server{}, classify("docker.CreateServer", err)
			}
		}
		return p.GetServer(ctx, "", existing.ID)
	} else if !dockerclient.IsErrNotFound(err) {
		return provider.Server{}, classify("docker.CreateServer", err)
	}

	labels := map[string]string{provider.LabelRunnerID: spec.RunnerID}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	var hostCfg *container.HostConfig
	if p.dind || p.network != "" {
		hostCfg = &container.HostConfig{}
		if p.dind {
			hostCfg.Binds = []string{"/var/run/docker.sock:/var/run/docker.sock"}
		}
		if p.network != "" {
			hostCfg.NetworkMode = container.NetworkMode(p.network)
		}
	}

	resp, err := p.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  p.image,
			Cmd:    []string{"sleep", "infinity"},
			Labels: labels,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		spec.Name,
	)
	if err != nil {
		if errdefs.IsConflict(err) {
			// An earlier attempt created it after our inspect.
			if existing, ierr := p.client.ContainerInspect(ctx, spec.Name); ierr == nil {
				return p.GetServer(ctx, "", existing.ID)
			}
		}
		return provider.Server{}, classify("docker.CreateServer", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return provider.Server{}, classify("docker.CreateServer", err)
	}

	p.logger.Info("runner container started",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
	)

	return provider.Server{ID: resp.ID, State: provider.StateStarting}, nil
}

// GetServer inspects the container.
func (p *Provider) GetServer(ctx context.Context, _ provider.Token, id string) (provider.Server, error) {
	info, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		return provider.Server{}, classify("docker.GetServer", err)
	}

	srv := provider.Server{ID: info.ID, State: provider.StateUnknown}
	if info.State != nil {
		switch {
		case info.State.Running:
			srv.State = provider.StateRunning
		case info.State.Status == "created" || info.State.Restarting:
			srv.State = provider.StateStarting
		case info.State.Status == "removing":
			srv.State = provider.StateDeleting
		default:
			srv.State = provider.StateStopped
		}
	}
	if info.NetworkSettings != nil {
		for _, ep := range info.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" {
				srv.IPAddress = ep.IPAddress
				break
			}
		}
	}
	return srv, nil
}

// DeleteServer force-removes the container.
func (p *Provider) DeleteServer(ctx context.Context, _ provider.Token, id string) error {
	p.logger.Info("removing runner container", slog.String("containerID", id))

	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return classify("docker.DeleteServer", err)
	}
	return nil
}

// RunCommand executes script with sh inside the container and collects
// its output.
func (p *Provider) RunCommand(ctx context.Context, _ provider.Token, id string, script string) (provider.Output, error) {
	ctx, span := p.tracer.Start(ctx, "provider.docker.RunCommand")
	defer span.End()

	exec, err := p.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", script},
		AttachStdout: true,
		AttachStderr: true,
		User:         "root",
	})
	if err != nil {
		return provider.Output{}, classify("docker.RunCommand", err)
	}

	attach, err := p.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return provider.Output{}, classify("docker.RunCommand", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		attach.Close()
		<-done
		return provider.Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, ctx.Err()
	case err := <-done:
		if err != nil {
			return provider.Output{}, fmt.Errorf("reading exec output: %w", err)
		}
	}

	inspect, err := p.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return provider.Output{}, classify("docker.RunCommand", err)
	}

	return provider.Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func classify(op string, err error) error {
	switch {
	case dockerclient.IsErrNotFound(err):
		return fault.New(fault.NotFound, op, "container not found", err)
	case errors.Is(err, context.DeadlineExceeded), dockerclient.IsErrConnectionFailed(err), errdefs.IsUnavailable(err):
		return fault.New(fault.Transient, op, "docker daemon unavailable", err)
	case errdefs.IsUnauthorized(err), errdefs.IsForbidden(err):
		return fault.New(fault.InvalidCredential, op, "docker daemon refused the request", err)
	case strings.Contains(err.Error(), "no space left"):
		return fault.New(fault.QuotaExceeded, op, "docker host out of resources", err)
	}
	return fault.New(fault.Unknown, op, "", err)
}
