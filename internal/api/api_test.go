package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/agentfleet/internal/apikey"
	"github.com/terrpan/agentfleet/internal/credential"
	"github.com/terrpan/agentfleet/internal/deprovisioner"
	"github.com/terrpan/agentfleet/internal/health"
	"github.com/terrpan/agentfleet/internal/heartbeat"
	"github.com/terrpan/agentfleet/internal/provider"
	"github.com/terrpan/agentfleet/internal/provisioner"
	"github.com/terrpan/agentfleet/internal/registry"
	"github.com/terrpan/agentfleet/internal/registry/leveldb"
	"github.com/terrpan/agentfleet/internal/runner"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// mockLauncher performs the real gate against the registry but runs
// nothing.
type mockLauncher struct {
	mu       sync.Mutex
	reg      registry.Registry
	launched []string
	err      error
}

func (m *mockLauncher) Launch(ctx context.Context, id string) (*runner.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	r, err := m.reg.Update(ctx, id, runner.Patch{
		Status:       runner.Ptr(runner.StatusValidatingCredential),
		StatusReason: runner.Ptr(""),
	}, runner.StatusPending, runner.StatusError)
	if errors.Is(err, registry.ErrConflict) {
		return nil, provisioner.ErrAlreadyInFlight
	}
	if err != nil {
		return nil, err
	}
	m.launched = append(m.launched, id)
	return r, nil
}

type mockDeleter struct {
	mu      sync.Mutex
	reg     registry.Registry
	deleted []string
	warning string
	err     error
}

func (m *mockDeleter) Delete(ctx context.Context, id string) (deprovisioner.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return deprovisioner.Result{}, m.err
	}
	m.deleted = append(m.deleted, id)
	return deprovisioner.Result{Warning: m.warning}, m.reg.Delete(ctx, id)
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type APISuite struct {
	suite.Suite
	ctx      context.Context
	reg      *leveldb.Store
	vault    *credential.Vault
	launcher *mockLauncher
	deleter  *mockDeleter
	handler  http.Handler
	key      string
}

func (s *APISuite) SetupTest() {
	s.ctx = context.Background()

	reg, err := leveldb.OpenMemory()
	require.NoError(s.T(), err)
	s.reg = reg

	k, err := credential.GenerateKey()
	require.NoError(s.T(), err)
	s.vault, err = credential.NewVault(k)
	require.NoError(s.T(), err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.launcher = &mockLauncher{reg: reg}
	s.deleter = &mockDeleter{reg: reg}
	s.key, _ = apikey.Generate()

	s.handler = NewRouter(Deps{
		Registry: reg,
		Sealer:   s.vault,
		Launcher: s.launcher,
		Deleter:  s.deleter,
		Heartbeats: heartbeat.New(reg, heartbeat.Config{
			StaleAfter:    time.Minute,
			RatePerSecond: 1,
			Burst:         2,
		}, logger),
		Providers: []string{"docker", "hetzner"},
		Health:    health.Handler([]string{"docker", "hetzner"}, "leveldb"),
		Logger:    logger,
	})
}

func (s *APISuite) TearDownTest() {
	s.reg.Close()
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) do(method, path, user string, body any, hdr ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.T(), err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *APISuite) seed(id, user string, status runner.Status, lastHeartbeat *time.Time) {
	sealed, err := s.vault.Seal(provider.Token("tok-abcdef"))
	require.NoError(s.T(), err)
	now := time.Now().UTC()
	require.NoError(s.T(), s.reg.Create(s.ctx, &runner.Runner{
		ID: id, UserID: user, Name: id, Provider: "hetzner", MaxConcurrentJobs: 1,
		Credential: sealed, APIKeyHash: apikey.Hash(s.key), Status: status,
		LastHeartbeat: lastHeartbeat, CreatedAt: now, UpdatedAt: now,
	}))
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) runner.View {
	t.Helper()
	var v runner.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

// ---------------------------------------------------------------------------
// Create / read
// ---------------------------------------------------------------------------

func (s *APISuite) TestCreate_AcceptsAndStartsProvisioning() {
	w := s.do(http.MethodPost, "/api/v1/runners", "u-1", map[string]any{
		"name":              "builder",
		"provider":          "hetzner",
		"region":            "fsn1",
		"maxConcurrentJobs": 3,
		"credential":        "super-secret-token",
	})
	require.Equal(s.T(), http.StatusAccepted, w.Code, w.Body.String())
	assert.NotContains(s.T(), w.Body.String(), "super-secret-token")
	assert.NotContains(s.T(), w.Body.String(), "credential")

	v := decodeView(s.T(), w)
	assert.NotEmpty(s.T(), v.ID)
	assert.Equal(s.T(), runner.StatusValidatingCredential, v.Status)
	assert.Equal(s.T(), 3, v.MaxConcurrentJobs)
	assert.Equal(s.T(), []string{v.ID}, s.launcher.launched)

	r, err := s.reg.Get(s.ctx, v.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "u-1", r.UserID)
	assert.NotContains(s.T(), string(r.Credential), "super-secret-token", "credential must be stored sealed")
}

func (s *APISuite) TestCreate_DefaultsConcurrency() {
	w := s.do(http.MethodPost, "/api/v1/runners", "u-1", map[string]any{
		"name": "builder", "provider": "docker", "credential": "local-token",
	})
	require.Equal(s.T(), http.StatusAccepted, w.Code)
	assert.Equal(s.T(), 1, decodeView(s.T(), w).MaxConcurrentJobs)
}

func (s *APISuite) TestCreate_LaunchFailureLeavesPendingRunner() {
	s.launcher.err = provisioner.ErrShuttingDown

	w := s.do(http.MethodPost, "/api/v1/runners", "u-1", map[string]any{
		"name": "builder", "provider": "docker", "credential": "local-token",
	})
	require.Equal(s.T(), http.StatusAccepted, w.Code)
	assert.Equal(s.T(), runner.StatusPending, decodeView(s.T(), w).Status)
}

func (s *APISuite) TestCreate_RejectsBadInput() {
	cases := map[string]map[string]any{
		"unsupported provider": {"name": "a", "provider": "aws", "credential": "tok-1234"},
		"missing name":         {"provider": "docker", "credential": "tok-1234"},
		"missing credential":   {"name": "a", "provider": "docker"},
		"too many jobs":        {"name": "a", "provider": "docker", "credential": "tok-1234", "maxConcurrentJobs": 500},
		"unknown field":        {"name": "a", "provider": "docker", "credential": "tok-1234", "status": "active"},
	}
	for name, body := range cases {
		s.Run(name, func() {
			w := s.do(http.MethodPost, "/api/v1/runners", "u-1", body)
			assert.Equal(s.T(), http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(s.T(), s.launcher.launched)
}

func (s *APISuite) TestUserEndpointsRequireUser() {
	w := s.do(http.MethodGet, "/api/v1/runners", "", nil)
	assert.Equal(s.T(), http.StatusUnauthorized, w.Code)
}

func (s *APISuite) TestList_OnlyCallersRunners() {
	s.seed("r-1", "u-1", runner.StatusPending, nil)
	s.seed("r-2", "u-2", runner.StatusPending, nil)

	w := s.do(http.MethodGet, "/api/v1/runners", "u-1", nil)
	require.Equal(s.T(), http.StatusOK, w.Code)

	var out struct {
		Runners []runner.View `json:"runners"`
	}
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(s.T(), out.Runners, 1)
	assert.Equal(s.T(), "r-1", out.Runners[0].ID)
	assert.NotContains(s.T(), w.Body.String(), "apiKeyHash")
}

func (s *APISuite) TestGet_OtherUsersRunnerIsNotFound() {
	s.seed("r-1", "u-1", runner.StatusActive, nil)

	w := s.do(http.MethodGet, "/api/v1/runners/r-1", "u-2", nil)
	assert.Equal(s.T(), http.StatusNotFound, w.Code)
}

func (s *APISuite) TestGet_StaleHeartbeatIsUnresponsive() {
	old := time.Now().UTC().Add(-10 * time.Minute)
	s.seed("r-1", "u-1", runner.StatusActive, &old)

	w := s.do(http.MethodGet, "/api/v1/runners/r-1", "u-1", nil)
	require.Equal(s.T(), http.StatusOK, w.Code)

	v := decodeView(s.T(), w)
	assert.Equal(s.T(), runner.StatusUnresponsive, v.Status)
	assert.Equal(s.T(), runner.StatusActive, v.StoredStatus)

	r, err := s.reg.Get(s.ctx, "r-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), runner.StatusActive, r.Status, "derived status is never persisted")
}

// ---------------------------------------------------------------------------
// Retry / credential / delete
// ---------------------------------------------------------------------------

func (s *APISuite) TestRetry_FromErrorIsAccepted() {
	s.seed("r-1", "u-1", runner.StatusError, nil)

	w := s.do(http.MethodPost, "/api/v1/runners/r-1/provision", "u-1", nil)
	require.Equal(s.T(), http.StatusAccepted, w.Code)
	assert.Equal(s.T(), runner.StatusValidatingCredential, decodeView(s.T(), w).Status)
}

func (s *APISuite) TestRetry_InFlightConflicts() {
	s.seed("r-1", "u-1", runner.StatusCreatingServer, nil)

	w := s.do(http.MethodPost, "/api/v1/runners/r-1/provision", "u-1", nil)
	assert.Equal(s.T(), http.StatusConflict, w.Code)
	assert.Contains(s.T(), w.Body.String(), "creating_server")
}

func (s *APISuite) TestReplaceCredential() {
	s.seed("r-1", "u-1", runner.StatusError, nil)
	before, err := s.reg.Get(s.ctx, "r-1")
	require.NoError(s.T(), err)

	w := s.do(http.MethodPut, "/api/v1/runners/r-1/credential", "u-1", map[string]string{"credential": "fresh-token"})
	require.Equal(s.T(), http.StatusNoContent, w.Code)

	after, err := s.reg.Get(s.ctx, "r-1")
	require.NoError(s.T(), err)
	assert.NotEqual(s.T(), before.Credential, after.Credential)
	var got provider.Token
	require.NoError(s.T(), s.vault.Open(after.Credential, func(t provider.Token) error {
		got = t
		return nil
	}))
	assert.Equal(s.T(), provider.Token("fresh-token"), got)
}

func (s *APISuite) TestReplaceCredential_InFlightConflicts() {
	s.seed("r-1", "u-1", runner.StatusBootstrapping, nil)

	w := s.do(http.MethodPut, "/api/v1/runners/r-1/credential", "u-1", map[string]string{"credential": "fresh-token"})
	assert.Equal(s.T(), http.StatusConflict, w.Code)
}

func (s *APISuite) TestDelete_ReturnsWarning() {
	s.seed("r-1", "u-1", runner.StatusActive, nil)
	s.deleter.warning = "server 42 could not be deleted"

	w := s.do(http.MethodDelete, "/api/v1/runners/r-1", "u-1", nil)
	require.Equal(s.T(), http.StatusOK, w.Code)

	var out deleteResponse
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &out))
	assert.True(s.T(), out.Deleted)
	assert.Equal(s.T(), "server 42 could not be deleted", out.Warning)
}

func (s *APISuite) TestDelete_BusyConflicts() {
	s.seed("r-1", "u-1", runner.StatusAwaitingNetwork, nil)
	s.deleter.err = deprovisioner.ErrBusy

	w := s.do(http.MethodDelete, "/api/v1/runners/r-1", "u-1", nil)
	assert.Equal(s.T(), http.StatusConflict, w.Code)
}

func (s *APISuite) TestDelete_OtherUserCannotDelete() {
	s.seed("r-1", "u-1", runner.StatusActive, nil)

	w := s.do(http.MethodDelete, "/api/v1/runners/r-1", "u-2", nil)
	assert.Equal(s.T(), http.StatusNotFound, w.Code)
	assert.Empty(s.T(), s.deleter.deleted)
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

func (s *APISuite) beat(id, key string, cpu float64) *httptest.ResponseRecorder {
	body := map[string]any{"cpuUsage": cpu, "memoryUsage": 40.0, "timestamp": time.Now().UTC()}
	if key == "" {
		return s.do(http.MethodPost, "/api/v1/runners/"+id+"/heartbeat", "", body)
	}
	return s.do(http.MethodPost, "/api/v1/runners/"+id+"/heartbeat", "", body, "Authorization", "Bearer "+key)
}

func (s *APISuite) TestHeartbeat_RecordsAndRevivesRunner() {
	old := time.Now().UTC().Add(-10 * time.Minute)
	s.seed("r-1", "u-1", runner.StatusActive, &old)

	w := s.beat("r-1", s.key, 12.5)
	require.Equal(s.T(), http.StatusNoContent, w.Code, w.Body.String())

	v := decodeView(s.T(), s.do(http.MethodGet, "/api/v1/runners/r-1", "u-1", nil))
	assert.Equal(s.T(), runner.StatusActive, v.Status)
	require.NotNil(s.T(), v.CPUUsage)
	assert.Equal(s.T(), 12.5, *v.CPUUsage)
}

func (s *APISuite) TestHeartbeat_Unauthorized() {
	s.seed("r-1", "u-1", runner.StatusActive, nil)

	assert.Equal(s.T(), http.StatusUnauthorized, s.beat("r-1", "", 10).Code)
	assert.Equal(s.T(), http.StatusUnauthorized, s.beat("r-1", "rk_wrong", 10).Code)
	assert.Equal(s.T(), http.StatusUnauthorized, s.beat("missing", s.key, 10).Code)
}

func (s *APISuite) TestHeartbeat_InvalidUsage() {
	s.seed("r-1", "u-1", runner.StatusActive, nil)
	assert.Equal(s.T(), http.StatusBadRequest, s.beat("r-1", s.key, 140).Code)

	w := s.do(http.MethodPost, "/api/v1/runners/r-1/heartbeat", "", map[string]any{"memoryUsage": 1.0},
		"Authorization", "Bearer "+s.key)
	assert.Equal(s.T(), http.StatusBadRequest, w.Code)
}

func (s *APISuite) TestHeartbeat_FailedRunnerConflicts() {
	s.seed("r-1", "u-1", runner.StatusError, nil)
	assert.Equal(s.T(), http.StatusConflict, s.beat("r-1", s.key, 10).Code)
}

func (s *APISuite) TestHeartbeat_RateLimited() {
	s.seed("r-1", "u-1", runner.StatusActive, nil)

	codes := []int{}
	for i := 0; i < 4; i++ {
		codes = append(codes, s.beat("r-1", s.key, 10).Code)
	}
	assert.Contains(s.T(), codes, http.StatusTooManyRequests)
	assert.Equal(s.T(), http.StatusNoContent, codes[0])
}

func (s *APISuite) TestHealthz() {
	w := s.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(s.T(), http.StatusOK, w.Code)
	assert.True(s.T(), strings.Contains(w.Body.String(), `"registry":"leveldb"`))
}
