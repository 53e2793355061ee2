// Package runner defines the Runner entity, its lifecycle states and
// the transitions allowed between them.
package runner

import (
	"fmt"
	"time"
)

// Status is the persisted lifecycle state of a Runner.
type Status string

const (
	StatusPending              Status = "pending"
	StatusValidatingCredential Status = "validating_credential"
	StatusCreatingServer       Status = "creating_server"
	StatusAwaitingNetwork      Status = "awaiting_network"
	StatusBootstrapping        Status = "bootstrapping"
	StatusActive               Status = "active"
	StatusError                Status = "error"
	StatusDeleting             Status = "deleting"
)

// StatusUnresponsive is never persisted.  It is reported in place of
// StatusActive when the agent's heartbeat has gone stale.
const StatusUnresponsive Status = "unresponsive"

// AllStatuses lists every persistable status.
var AllStatuses = []Status{
	StatusPending,
	StatusValidatingCredential,
	StatusCreatingServer,
	StatusAwaitingNetwork,
	StatusBootstrapping,
	StatusActive,
	StatusError,
	StatusDeleting,
}

// InFlight lists the statuses owned by a running provisioning task.
var InFlight = []Status{
	StatusValidatingCredential,
	StatusCreatingServer,
	StatusAwaitingNetwork,
	StatusBootstrapping,
}

// Valid reports whether s is a persistable status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsInFlight reports whether a provisioning run currently owns the runner.
func (s Status) IsInFlight() bool {
	for _, v := range InFlight {
		if s == v {
			return true
		}
	}
	return false
}

// Provisionable reports whether a new provisioning run may start from s.
func (s Status) Provisionable() bool {
	return s == StatusPending || s == StatusError
}

// Deletable reports whether a deletion may start from s.  A runner
// already in deleting may be deleted again to finish an earlier attempt
// whose record removal failed.
func (s Status) Deletable() bool {
	return s == StatusPending || s == StatusActive || s == StatusError || s == StatusDeleting
}

var transitions = map[Status][]Status{
	StatusPending:              {StatusValidatingCredential, StatusDeleting},
	StatusValidatingCredential: {StatusCreatingServer, StatusError},
	StatusCreatingServer:       {StatusAwaitingNetwork, StatusError},
	StatusAwaitingNetwork:      {StatusBootstrapping, StatusError},
	StatusBootstrapping:        {StatusActive, StatusError},
	StatusActive:               {StatusDeleting},
	StatusError:                {StatusValidatingCredential, StatusDeleting},
	StatusDeleting:             nil,
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Runner is one user-owned remote compute node running the agent.
//
// Credential and APIKeyHash are never serialized; API responses are built
// from View.
type Runner struct {
	ID             string
	UserID         string
	OrganizationID *string

	Name              string
	Provider          string
	Region            string
	ServerType        string
	MaxConcurrentJobs int

	// Credential is the sealed provider API token.
	Credential []byte
	// APIKeyHash is the sha256 of the per-runner control-plane API key
	// issued during bootstrapping.
	APIKeyHash string

	Status       Status
	StatusReason string
	// StatusDetail is diagnostic output for an error, such as the tail
	// of a failed setup script.
	StatusDetail string

	ProviderServerID *string
	IPAddress        *string
	LastHeartbeat    *time.Time
	CPUUsage         *float64
	MemoryUsage      *float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Effective returns the status reported to polling clients.  An active
// runner whose last heartbeat is missing or older than staleAfter is
// reported as StatusUnresponsive; the stored status is never changed.
func (r *Runner) Effective(now time.Time, staleAfter time.Duration) Status {
	if r.Status != StatusActive || staleAfter <= 0 {
		return r.Status
	}
	if r.LastHeartbeat == nil || now.Sub(*r.LastHeartbeat) > staleAfter {
		return StatusUnresponsive
	}
	return StatusActive
}

// Patch is a partial update.  Nil fields are left unchanged.
type Patch struct {
	Status           *Status
	StatusReason     *string
	StatusDetail     *string
	ProviderServerID *string
	IPAddress        *string
	APIKeyHash       *string
	Credential       []byte
	LastHeartbeat    *time.Time
}

// Apply copies the non-nil fields of p onto r.
func (p Patch) Apply(r *Runner) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.StatusReason != nil {
		r.StatusReason = *p.StatusReason
	}
	if p.StatusDetail != nil {
		r.StatusDetail = *p.StatusDetail
	}
	if p.ProviderServerID != nil {
		r.ProviderServerID = p.ProviderServerID
	}
	if p.IPAddress != nil {
		r.IPAddress = p.IPAddress
	}
	if p.APIKeyHash != nil {
		r.APIKeyHash = *p.APIKeyHash
	}
	if p.Credential != nil {
		r.Credential = p.Credential
	}
	if p.LastHeartbeat != nil {
		r.LastHeartbeat = p.LastHeartbeat
	}
}

// Validate checks a patch before it reaches the registry.
func (p Patch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("invalid runner status %q", *p.Status)
	}
	return nil
}

// Heartbeat holds the fields a heartbeat is allowed to touch.
type Heartbeat struct {
	At          time.Time
	CPUUsage    float64
	MemoryUsage float64
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// View is the client-facing representation of a runner.  It carries no
// credential material.
type View struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	OrganizationID    *string    `json:"organizationId,omitempty"`
	Provider          string     `json:"provider"`
	Region            string     `json:"region,omitempty"`
	ServerType        string     `json:"serverType,omitempty"`
	MaxConcurrentJobs int        `json:"maxConcurrentJobs"`
	Status            Status     `json:"status"`
	StoredStatus      Status     `json:"storedStatus"`
	StatusReason      string     `json:"statusReason,omitempty"`
	StatusDetail      string     `json:"statusDetail,omitempty"`
	IPAddress         *string    `json:"ipAddress,omitempty"`
	LastHeartbeat     *time.Time `json:"lastHeartbeat,omitempty"`
	CPUUsage          *float64   `json:"cpuUsage,omitempty"`
	MemoryUsage       *float64   `json:"memoryUsage,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// View builds the client representation.  Status is the effective
// status; StoredStatus is what the registry holds.  StatusDetail is only
// shown for runners in error.
func (r *Runner) View(now time.Time, staleAfter time.Duration) View {
	v := View{
		ID:                r.ID,
		Name:              r.Name,
		OrganizationID:    r.OrganizationID,
		Provider:          r.Provider,
		Region:            r.Region,
		ServerType:        r.ServerType,
		MaxConcurrentJobs: r.MaxConcurrentJobs,
		Status:            r.Effective(now, staleAfter),
		StoredStatus:      r.Status,
		StatusReason:      r.StatusReason,
		IPAddress:         r.IPAddress,
		LastHeartbeat:     r.LastHeartbeat,
		CPUUsage:          r.CPUUsage,
		MemoryUsage:       r.MemoryUsage,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.Status == StatusError {
		v.StatusDetail = r.StatusDetail
	}
	return v
}
