// Package gcp implements provider.Provider using Google Cloud Compute
// Engine.  Runner servers are VMs named after the runner id.
//
// The runner's token is a service-account JSON key.  A short-lived
// Compute client is built from it for every call and closed afterwards;
// no credential is held by the provider itself.
package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/agentfleet/internal/fault"
	"github.com/terrpan/agentfleet/internal/provider"
)

// Name is the provider identifier stored on runners.
const Name = "gcp"

// Config holds GCP-specific provider settings.
type Config struct {
	// Project is the GCP project id.  If empty, the project_id of the
	// runner's service-account key is used.
	Project string

	// DefaultZone is used when a runner does not name a region.
	// Default: "europe-west1-b".
	DefaultZone string

	// DefaultMachineType is used when a runner does not name a server
	// type.  Default: "e2-medium".
	DefaultMachineType string

	// Image is the full self-link or family URL of the runner image.
	// Default: "projects/ubuntu-os-cloud/global/images/family/ubuntu-2404-lts-amd64".
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).
	Subnet string

	// PublicIP controls whether runner VMs get an external IP.  Without
	// one the bootstrapper must reach the internal address.
	PublicIP bool
}

// operationWaiter is the subset of *compute.Operation the provider uses.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// computeAPI is the subset of the Compute API the provider uses.  It is
// an interface so tests can substitute a fake.
type computeAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	GetProject(ctx context.Context, project string) error
	Close() error
}

// clientFactory builds a computeAPI authenticated with one token.
type clientFactory func(ctx context.Context, token provider.Token) (computeAPI, error)

// Provider manages runner servers as Compute Engine VMs.
type Provider struct {
	cfg       Config
	newClient clientFactory
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Compile-time check that Provider satisfies the provider.Provider interface.
var _ provider.Provider = (*Provider)(nil)

// New creates a GCP provider that authenticates with each runner's
// service-account key.
func New(cfg Config, logger *slog.Logger) *Provider {
	return newProvider(cfg, newRESTClient, logger)
}

func newProvider(cfg Config, factory clientFactory, logger *slog.Logger) *Provider {
	if cfg.DefaultZone == "" {
		cfg.DefaultZone = "europe-west1-b"
	}
	if cfg.DefaultMachineType == "" {
		cfg.DefaultMachineType = "e2-medium"
	}
	if cfg.Image == "" {
		cfg.Image = "projects/ubuntu-os-cloud/global/images/family/ubuntu-2404-lts-amd64"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}

	logger.Info("gcp provider initialized",
		slog.String("project", cfg.Project),
		slog.String("default_zone", cfg.DefaultZone),
		slog.String("image", cfg.Image),
	)

	return &Provider{
		cfg:       cfg,
		newClient: factory,
		logger:    logger,
		tracer:    otel.Tracer("agentfleet/provider/gcp"),
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// VerifyToken reads the project metadata, which needs no write access.
func (p *Provider) VerifyToken(ctx context.Context, token provider.Token) error {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.VerifyToken")
	defer span.End()

	project, err := p.project(token)
	if err != nil {
		return err
	}

	client, err := p.newClient(ctx, token)
	if err != nil {
		return fault.New(fault.InvalidCredential, "gcp.VerifyToken", "service account key rejected", err)
	}
	defer client.Close()

	if err := client.GetProject(ctx, project); err != nil {
		return classify("gcp.VerifyToken", err)
	}
	return nil
}

// CreateServer inserts a VM and returns once the insert was accepted.
// An instance that already carries the runner's name is returned as is.
func (p *Provider) CreateServer(ctx context.Context, token provider.Token, spec provider.ServerSpec) (provider.Server, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.CreateServer")
	defer span.End()

	project, err := p.project(token)
	if err != nil {
		return provider.Server{}, err
	}
	zone := orDefault(spec.Region, p.cfg.DefaultZone)
	machineType := orDefault(spec.ServerType, p.cfg.DefaultMachineType)

	span.SetAttributes(
		attribute.String("runner.id", spec.RunnerID),
		attribute.String("gcp.project", project),
		attribute.String("gcp.zone", zone),
		attribute.String("gcp.machine_type", machineType),
		attribute.String("gcp.instance_name", spec.Name),
	)

	client, err := p.newClient(ctx, token)
	if err != nil {
		return provider.Server{}, fault.New(fault.InvalidCredential, "gcp.CreateServer", "service account key rejected", err)
	}
	defer client.Close()

	if existing, err := p.get(ctx, client, project, zone, spec.Name); err == nil {
		span.AddEvent("instance already exists (idempotent)")
		return existing, nil
	} else if !fault.Is(err, fault.NotFound) {
		return provider.Server{}, err
	}

	instance := p.instance(spec, zone, machineType)

	p.logger.Info("creating runner VM",
		slog.String("name", spec.Name),
		slog.String("machine_type", machineType),
		slog.String("zone", zone),
	)

	if _, err := client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          project,
		Zone:             zone,
		InstanceResource: instance,
	}); err != nil {
		if isAlreadyExists(err) {
			existing, gerr := p.get(ctx, client, project, zone, spec.Name)
			if gerr == nil {
				return existing, nil
			}
		}
		return provider.Server{}, classify("gcp.CreateServer", err)
	}

	// The insert operation is not awaited: the orchestrator polls
	// GetServer until the VM is reachable.
	return provider.Server{ID: serverID(zone, spec.Name), State: provider.StateStarting}, nil
}

// GetServer reports the VM status and its address.
func (p *Provider) GetServer(ctx context.Context, token provider.Token, id string) (provider.Server, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.GetServer")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.server_id", id))

	project, err := p.project(token)
	if err != nil {
		return provider.Server{}, err
	}
	zone, name, err := splitServerID(id)
	if err != nil {
		return provider.Server{}, err
	}

	client, err := p.newClient(ctx, token)
	if err != nil {
		return provider.Server{}, fault.New(fault.InvalidCredential, "gcp.GetServer", "service account key rejected", err)
	}
	defer client.Close()

	return p.get(ctx, client, project, zone, name)
}

// DeleteServer deletes the VM.  The delete operation is accepted, not
// awaited; an instance that is already gone yields fault.NotFound.
func (p *Provider) DeleteServer(ctx context.Context, token provider.Token, id string) error {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.DeleteServer")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.server_id", id))

	project, err := p.project(token)
	if err != nil {
		return err
	}
	zone, name, err := splitServerID(id)
	if err != nil {
		return err
	}

	client, err := p.newClient(ctx, token)
	if err != nil {
		return fault.New(fault.InvalidCredential, "gcp.DeleteServer", "service account key rejected", err)
	}
	defer client.Close()

	p.logger.Info("deleting runner VM", slog.String("name", name), slog.String("zone", zone))

	if _, err := client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  project,
		Zone:     zone,
		Instance: name,
	}); err != nil {
		return classify("gcp.DeleteServer", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (p *Provider) get(ctx context.Context, client computeAPI, project, zone, name string) (provider.Server, error) {
	inst, err := client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		return provider.Server{}, classify("gcp.GetServer", err)
	}
	return provider.Server{
		ID:        serverID(zone, name),
		State:     mapStatus(inst.GetStatus()),
		IPAddress: instanceIP(inst),
	}, nil
}

func (p *Provider) instance(spec provider.ServerSpec, zone, machineType string) *computepb.Instance {
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(p.cfg.Image),
			DiskSizeGb:  proto.Int64(p.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", p.cfg.Network)),
	}
	if p.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(p.cfg.Subnet)
	}
	if p.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	var items []*computepb.Items
	if spec.SSHAuthorizedKey != "" {
		user := orDefault(spec.SSHUser, "agentfleet")
		items = append(items, &computepb.Items{
			Key:   proto.String("ssh-keys"),
			Value: proto.String(user + ":" + strings.TrimSpace(spec.SSHAuthorizedKey)),
		})
	}

	labels := map[string]string{provider.LabelRunnerID: labelValue(spec.RunnerID)}
	for k, v := range spec.Labels {
		labels[k] = labelValue(v)
	}

	return &computepb.Instance{
		Name:              proto.String(spec.Name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", zone, machineType)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          &computepb.Metadata{Items: items},
		Labels:            labels,
	}
}

// project returns the configured project or the one named in the key.
func (p *Provider) project(token provider.Token) (string, error) {
	if p.cfg.Project != "" {
		return p.cfg.Project, nil
	}
	var key struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal([]byte(token.Reveal()), &key); err != nil || key.ProjectID == "" {
		return "", fault.New(fault.InvalidCredential, "gcp.project", "service account key is malformed", nil)
	}
	return key.ProjectID, nil
}

// serverID encodes zone and instance name, since a GCP instance is only
// addressable with both.
func serverID(zone, name string) string { return zone + "/" + name }

func splitServerID(id string) (zone, name string, err error) {
	zone, name, ok := strings.Cut(id, "/")
	if !ok || zone == "" || name == "" {
		return "", "", fault.New(fault.Unknown, "gcp.splitServerID", "", fmt.Errorf("malformed server id %q", id))
	}
	return zone, name, nil
}

func instanceIP(inst *computepb.Instance) string {
	for _, nic := range inst.GetNetworkInterfaces() {
		for _, ac := range nic.GetAccessConfigs() {
			if ip := ac.GetNatIP(); ip != "" {
				return ip
			}
		}
	}
	for _, nic := range inst.GetNetworkInterfaces() {
		if ip := nic.GetNetworkIP(); ip != "" {
			return ip
		}
	}
	return ""
}

func mapStatus(status string) provider.State {
	switch status {
	case "PROVISIONING", "STAGING", "REPAIRING":
		return provider.StateStarting
	case "RUNNING":
		return provider.StateRunning
	case "STOPPING", "STOPPED", "SUSPENDING", "SUSPENDED", "TERMINATED":
		return provider.StateStopped
	default:
		return provider.StateUnknown
	}
}

// labelValue lowercases v and replaces characters GCP labels reject.
func labelValue(v string) string {
	v = strings.ToLower(v)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, v)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// classify maps a Compute API error to the fault taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.Transient, op, "provider call timed out", err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			if item.Reason == "quotaExceeded" || (item.Reason == "rateLimitExceeded" && gerr.Code == http.StatusForbidden) {
				return fault.New(fault.QuotaExceeded, op, "compute quota exceeded", err)
			}
		}
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return fault.New(fault.InvalidCredential, op, "service account lacks permission", err)
		case gerr.Code == http.StatusNotFound:
			return fault.New(fault.NotFound, op, "instance not found", err)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return fault.New(fault.Transient, op, "provider temporarily unavailable", err)
		}
		return fault.New(fault.Unknown, op, "", err)
	}

	// Some client layers only expose the status through the message.
	msg := err.Error()
	switch {
	case containsAny(msg, "Error 404", "code = NotFound", "notFound"):
		return fault.New(fault.NotFound, op, "instance not found", err)
	case containsAny(msg, "Error 401", "Error 403", "code = PermissionDenied", "code = Unauthenticated"):
		return fault.New(fault.InvalidCredential, op, "service account lacks permission", err)
	case containsAny(msg, "QUOTA_EXCEEDED", "quotaExceeded"):
		return fault.New(fault.QuotaExceeded, op, "compute quota exceeded", err)
	case containsAny(msg, "Error 5", "code = Unavailable", "code = DeadlineExceeded"):
		return fault.New(fault.Transient, op, "provider temporarily unavailable", err)
	}
	return fault.New(fault.KindOf(err), op, "", err)
}

func isAlreadyExists(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
		return true
	}
	return containsAny(err.Error(), "Error 409", "alreadyExists", "code = AlreadyExists")
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// REST client
// ---------------------------------------------------------------------------

// restClient adapts the generated Compute clients to computeAPI.
type restClient struct {
	instances *compute.InstancesClient
	projects  *compute.ProjectsClient
}

func newRESTClient(ctx context.Context, token provider.Token) (computeAPI, error) {
	creds := option.WithCredentialsJSON([]byte(token.Reveal()))

	instances, err := compute.NewInstancesRESTClient(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}
	projects, err := compute.NewProjectsRESTClient(ctx, creds)
	if err != nil {
		instances.Close()
		return nil, fmt.Errorf("gcp projects client: %w", err)
	}
	return &restClient{instances: instances, projects: projects}, nil
}

func (c *restClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	op, err := c.instances.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (c *restClient) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return c.instances.Get(ctx, req)
}

func (c *restClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	op, err := c.instances.Delete(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (c *restClient) GetProject(ctx context.Context, project string) error {
	_, err := c.projects.Get(ctx, &computepb.GetProjectRequest{Project: project})
	return err
}

func (c *restClient) Close() error {
	return errors.Join(c.instances.Close(), c.projects.Close())
}
