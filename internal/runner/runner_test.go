package runner

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusValid(t *testing.T) {
	for _, s := range AllStatuses {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("provisioning").Valid())
	assert.False(t, StatusUnresponsive.Valid())
	assert.False(t, Status("").Valid())
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusValidatingCredential},
		{StatusError, StatusValidatingCredential},
		{StatusValidatingCredential, StatusCreatingServer},
		{StatusCreatingServer, StatusAwaitingNetwork},
		{StatusAwaitingNetwork, StatusBootstrapping},
		{StatusBootstrapping, StatusActive},
		{StatusBootstrapping, StatusError},
		{StatusActive, StatusDeleting},
		{StatusError, StatusDeleting},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]Status{
		{StatusActive, StatusValidatingCredential},
		{StatusDeleting, StatusActive},
		{StatusDeleting, StatusError},
		{StatusCreatingServer, StatusDeleting},
		{StatusPending, StatusActive},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestDeletable(t *testing.T) {
	for _, st := range []Status{StatusPending, StatusActive, StatusError, StatusDeleting} {
		assert.True(t, st.Deletable(), st)
	}
	for _, st := range InFlight {
		assert.False(t, st.Deletable(), st)
	}
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	window := 2 * time.Minute

	fresh := now.Add(-30 * time.Second)
	stale := now.Add(-5 * time.Minute)

	tests := []struct {
		name string
		r    Runner
		want Status
	}{
		{"active fresh", Runner{Status: StatusActive, LastHeartbeat: &fresh}, StatusActive},
		{"active stale", Runner{Status: StatusActive, LastHeartbeat: &stale}, StatusUnresponsive},
		{"active never", Runner{Status: StatusActive}, StatusUnresponsive},
		{"error stale", Runner{Status: StatusError, LastHeartbeat: &stale}, StatusError},
		{"bootstrapping", Runner{Status: StatusBootstrapping}, StatusBootstrapping},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Effective(now, window))
			// derivation never mutates the stored status
			assert.NotEqual(t, StatusUnresponsive, tt.r.Status)
		})
	}
}

func TestPatchApply(t *testing.T) {
	r := &Runner{Status: StatusPending}
	p := Patch{
		Status:           Ptr(StatusCreatingServer),
		ProviderServerID: Ptr("42"),
	}
	require.NoError(t, p.Validate())

	p.Apply(r)
	assert.Equal(t, StatusCreatingServer, r.Status)
	require.NotNil(t, r.ProviderServerID)
	assert.Equal(t, "42", *r.ProviderServerID)
	assert.Nil(t, r.IPAddress)
}

func TestPatchValidateRejectsUnknownStatus(t *testing.T) {
	p := Patch{Status: Ptr(Status("provisioning"))}
	assert.Error(t, p.Validate())
}

func TestViewHidesCredentialAndAnnotatesStatus(t *testing.T) {
	now := time.Now()
	old := now.Add(-10 * time.Minute)
	r := &Runner{
		ID:            "r-1",
		Status:        StatusActive,
		Credential:    []byte("sealed-secret"),
		APIKeyHash:    "deadbeef",
		LastHeartbeat: &old,
	}

	v := r.View(now, time.Minute)
	assert.Equal(t, StatusUnresponsive, v.Status)
	assert.Equal(t, StatusActive, v.StoredStatus)

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sealed-secret")
	assert.NotContains(t, string(data), "deadbeef")
}

func TestViewShowsStatusDetailOnlyOnError(t *testing.T) {
	r := &Runner{ID: "r-1", Status: StatusError, StatusDetail: "apt-get: exit 100"}
	assert.Equal(t, "apt-get: exit 100", r.View(time.Now(), time.Minute).StatusDetail)

	r.Status = StatusActive
	assert.Empty(t, r.View(time.Now(), time.Minute).StatusDetail)
}
