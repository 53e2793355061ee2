// Package hetzner implements provider.Provider against the Hetzner Cloud
// REST API.  Every request carries the runner's own bearer token; the
// adapter holds no credential of its own.
package hetzner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/agentfleet/internal/fault"
	"github.com/terrpan/agentfleet/internal/provider"
)

// Name is the provider identifier stored on runners.
const Name = "hetzner"

// Config holds Hetzner-specific settings.
type Config struct {
	// BaseURL of the API.  Default: "https://api.hetzner.cloud/v1".
	BaseURL string

	// Image is the OS image for runner servers.  Default: "ubuntu-24.04".
	Image string

	// DefaultServerType is used when a runner does not name one.
	// Default: "cx22".
	DefaultServerType string

	// DefaultLocation is used when a runner does not name a region.
	// Default: "fsn1".
	DefaultLocation string

	// SSHKeys are names or ids of SSH keys already uploaded to the
	// user's project, added to every server (optional).
	SSHKeys []string

	// Timeout bounds a single HTTP request.  Default: 15s.
	Timeout time.Duration
}

// Provider talks to the Hetzner Cloud API.
type Provider struct {
	client *resty.Client
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Provider satisfies the provider.Provider interface.
var _ provider.Provider = (*Provider)(nil)

// New creates a Hetzner provider.
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.hetzner.cloud/v1"
	}
	if cfg.Image == "" {
		cfg.Image = "ubuntu-24.04"
	}
	if cfg.DefaultServerType == "" {
		cfg.DefaultServerType = "cx22"
	}
	if cfg.DefaultLocation == "" {
		cfg.DefaultLocation = "fsn1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "agentfleet")

	logger.Info("hetzner provider initialized",
		slog.String("base_url", cfg.BaseURL),
		slog.String("image", cfg.Image),
		slog.String("default_location", cfg.DefaultLocation),
	)

	return &Provider{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("agentfleet/provider/hetzner"),
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// ---------------------------------------------------------------------------
// wire types
// ---------------------------------------------------------------------------

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type server struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	PublicNet struct {
		IPv4 *struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
	} `json:"public_net"`
}

type serverResponse struct {
	Server server `json:"server"`
}

type serverListResponse struct {
	Servers []server `json:"servers"`
}

type createRequest struct {
	Name             string            `json:"name"`
	ServerType       string            `json:"server_type"`
	Image            string            `json:"image"`
	Location         string            `json:"location,omitempty"`
	SSHKeys          []string          `json:"ssh_keys,omitempty"`
	UserData         string            `json:"user_data,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	StartAfterCreate bool              `json:"start_after_create"`
}

// ---------------------------------------------------------------------------
// provider.Provider implementation
// ---------------------------------------------------------------------------

// VerifyToken lists at most one server.  It is read-only.
func (p *Provider) VerifyToken(ctx context.Context, token provider.Token) error {
	ctx, span := p.tracer.Start(ctx, "provider.hetzner.VerifyToken")
	defer span.End()

	resp, err := p.request(ctx, token).
		SetQueryParam("per_page", "1").
		SetResult(&serverListResponse{}).
		Get("/servers")
	return p.check("hetzner.VerifyToken", resp, err)
}

// CreateServer looks the deterministic name up first and only creates a
// server when none exists, so a retry after a partially successful
// attempt returns the existing server.
func (p *Provider) CreateServer(ctx context.Context, token provider.Token, spec provider.ServerSpec) (provider.Server, error) {
	ctx, span := p.tracer.Start(ctx, "provider.hetzner.CreateServer")
	defer span.End()

	serverType := spec.ServerType
	if serverType == "" {
		serverType = p.cfg.DefaultServerType
	}
	location := spec.Region
	if location == "" {
		location = p.cfg.DefaultLocation
	}

	span.SetAttributes(
		attribute.String("runner.id", spec.RunnerID),
		attribute.String("hetzner.server_name", spec.Name),
		attribute.String("hetzner.server_type", serverType),
		attribute.String("hetzner.location", location),
	)

	if existing, ok, err := p.findByName(ctx, token, spec.Name); err != nil {
		return provider.Server{}, err
	} else if ok {
		span.AddEvent("server already exists (idempotent)")
		p.logger.Info("runner server already exists",
			slog.String("name", spec.Name),
			slog.String("server_id", existing.ID),
		)
		return existing, nil
	}

	labels := map[string]string{provider.LabelRunnerID: spec.RunnerID}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	body := createRequest{
		Name:             spec.Name,
		ServerType:       serverType,
		Image:            p.cfg.Image,
		Location:         location,
		SSHKeys:          p.cfg.SSHKeys,
		UserData:         cloudConfig(spec.SSHAuthorizedKey),
		Labels:           labels,
		StartAfterCreate: true,
	}

	p.logger.Info("creating runner server",
		slog.String("name", spec.Name),
		slog.String("server_type", serverType),
		slog.String("location", location),
	)

	var out serverResponse
	resp, err := p.request(ctx, token).
		SetBody(body).
		SetResult(&out).
		Post("/servers")
	if err == nil && resp.StatusCode() == http.StatusConflict && errorCode(resp) == "uniqueness_error" {
		// Lost a race with an earlier attempt that is still landing.
		existing, ok, ferr := p.findByName(ctx, token, spec.Name)
		if ferr != nil {
			return provider.Server{}, ferr
		}
		if ok {
			return existing, nil
		}
		return provider.Server{}, fault.New(fault.Transient, "hetzner.CreateServer", "name conflict", nil)
	}
	if err := p.check("hetzner.CreateServer", resp, err); err != nil {
		return provider.Server{}, err
	}

	srv := toServer(out.Server)
	span.SetAttributes(attribute.String("hetzner.server_id", srv.ID))
	p.logger.Info("runner server accepted",
		slog.String("name", spec.Name),
		slog.String("server_id", srv.ID),
		slog.String("state", string(srv.State)),
	)
	return srv, nil
}

// GetServer fetches one server by id.
func (p *Provider) GetServer(ctx context.Context, token provider.Token, id string) (provider.Server, error) {
	ctx, span := p.tracer.Start(ctx, "provider.hetzner.GetServer")
	defer span.End()
	span.SetAttributes(attribute.String("hetzner.server_id", id))

	var out serverResponse
	resp, err := p.request(ctx, token).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/servers/{id}")
	if err := p.check("hetzner.GetServer", resp, err); err != nil {
		return provider.Server{}, err
	}
	return toServer(out.Server), nil
}

// DeleteServer destroys a server.  A missing server is reported as
// fault.NotFound.
func (p *Provider) DeleteServer(ctx context.Context, token provider.Token, id string) error {
	ctx, span := p.tracer.Start(ctx, "provider.hetzner.DeleteServer")
	defer span.End()
	span.SetAttributes(attribute.String("hetzner.server_id", id))

	p.logger.Info("deleting runner server", slog.String("server_id", id))

	resp, err := p.request(ctx, token).
		SetPathParam("id", id).
		Delete("/servers/{id}")
	return p.check("hetzner.DeleteServer", resp, err)
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (p *Provider) request(ctx context.Context, token provider.Token) *resty.Request {
	return p.client.R().
		SetContext(ctx).
		SetAuthToken(token.Reveal()).
		SetError(&apiError{})
}

func (p *Provider) findByName(ctx context.Context, token provider.Token, name string) (provider.Server, bool, error) {
	var out serverListResponse
	resp, err := p.request(ctx, token).
		SetQueryParam("name", name).
		SetResult(&out).
		Get("/servers")
	if err := p.check("hetzner.findByName", resp, err); err != nil {
		return provider.Server{}, false, err
	}
	for _, s := range out.Servers {
		if s.Name == name {
			return toServer(s), true, nil
		}
	}
	return provider.Server{}, false, nil
}

// check translates a transport error or non-2xx response into the fault
// taxonomy.
func (p *Provider) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fault.New(fault.Unknown, op, "request cancelled", err)
		}
		return fault.New(fault.Transient, op, "provider unreachable", err)
	}
	if !resp.IsError() {
		return nil
	}

	code := errorCode(resp)
	status := resp.StatusCode()
	cause := fmt.Errorf("hetzner api: status %d code %q: %s", status, code, errorMessage(resp))

	switch {
	case code == "resource_limit_exceeded":
		return fault.New(fault.QuotaExceeded, op, "server limit reached for this project", cause)
	case status == http.StatusUnauthorized || code == "unauthorized":
		return fault.New(fault.InvalidCredential, op, "token rejected by provider", cause)
	case status == http.StatusForbidden || code == "forbidden":
		return fault.New(fault.InvalidCredential, op, "token lacks required permissions", cause)
	case status == http.StatusNotFound || code == "not_found":
		return fault.New(fault.NotFound, op, "server not found", cause)
	case status == http.StatusTooManyRequests || code == "rate_limit_exceeded",
		status == http.StatusLocked || code == "locked",
		status >= 500:
		return fault.New(fault.Transient, op, "provider temporarily unavailable", cause)
	default:
		p.logger.Warn("unclassified hetzner error",
			slog.String("op", op),
			slog.Int("status", status),
			slog.String("code", code),
		)
		return fault.New(fault.Unknown, op, "", cause)
	}
}

func errorCode(resp *resty.Response) string {
	if e, ok := resp.Error().(*apiError); ok && e != nil {
		return e.Error.Code
	}
	return ""
}

func errorMessage(resp *resty.Response) string {
	if e, ok := resp.Error().(*apiError); ok && e != nil {
		return e.Error.Message
	}
	return ""
}

func toServer(s server) provider.Server {
	out := provider.Server{
		ID:    strconv.FormatInt(s.ID, 10),
		State: mapStatus(s.Status),
	}
	if s.PublicNet.IPv4 != nil {
		out.IPAddress = s.PublicNet.IPv4.IP
	}
	return out
}

func mapStatus(status string) provider.State {
	switch status {
	case "initializing", "starting", "rebuilding", "migrating":
		return provider.StateStarting
	case "running":
		return provider.StateRunning
	case "off", "stopping":
		return provider.StateStopped
	case "deleting":
		return provider.StateDeleting
	default:
		return provider.StateUnknown
	}
}

// cloudConfig renders user_data that authorizes the bootstrap key for root.
func cloudConfig(authorizedKey string) string {
	if authorizedKey == "" {
		return ""
	}
	return "#cloud-config\nssh_authorized_keys:\n  - " + strings.TrimSpace(authorizedKey) + "\n"
}
