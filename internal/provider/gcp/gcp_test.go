package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/agentfleet/internal/fault"
	"github.com/terrpan/agentfleet/internal/provider"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock compute client (satisfies computeAPI)
// ---------------------------------------------------------------------------

type mockCompute struct {
	mu sync.Mutex

	instances   map[string]*computepb.Instance // name -> instance
	insertCalls []*computepb.InsertInstanceRequest
	deleteCalls []*computepb.DeleteInstanceRequest
	projectGets []string
	closed      int

	insertErr  error
	deleteErr  error
	projectErr error
	getErr     error
}

func newMockCompute() *mockCompute {
	return &mockCompute{instances: make(map[string]*computepb.Instance)}
}

func (m *mockCompute) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	inst := proto.Clone(req.GetInstanceResource()).(*computepb.Instance)
	inst.Status = proto.String("PROVISIONING")
	m.instances[inst.GetName()] = inst
	return &mockOperation{}, nil
}

func (m *mockCompute) Get(_ context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, m.getErr
	}
	inst, ok := m.instances[req.GetInstance()]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "not found"}
	}
	return inst, nil
}

func (m *mockCompute) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	if _, ok := m.instances[req.GetInstance()]; !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "not found"}
	}
	delete(m.instances, req.GetInstance())
	return &mockOperation{}, nil
}

func (m *mockCompute) GetProject(_ context.Context, project string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projectGets = append(m.projectGets, project)
	return m.projectErr
}

func (m *mockCompute) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockCompute) boot(name, ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[name]
	inst.Status = proto.String("RUNNING")
	inst.NetworkInterfaces = []*computepb.NetworkInterface{{
		NetworkIP:     proto.String("10.0.0.5"),
		AccessConfigs: []*computepb.AccessConfig{{NatIP: proto.String(ip)}},
	}}
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCPProviderSuite struct {
	suite.Suite
	ctx     context.Context
	client  *mockCompute
	logger  *slog.Logger
	cfg     Config
	tok     provider.Token
	tokens  []provider.Token
	factErr error
}

func (s *GCPProviderSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockCompute()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.tok = provider.Token(`{"type":"service_account","project_id":"key-project"}`)
	s.tokens = nil
	s.factErr = nil
	s.cfg = Config{
		DefaultZone: "us-central1-a",
		Image:       "projects/test-project/global/images/runner-image",
		DiskSizeGB:  50,
		PublicIP:    true,
	}
}

func (s *GCPProviderSuite) newProvider() *Provider {
	return newProvider(s.cfg, func(_ context.Context, token provider.Token) (computeAPI, error) {
		s.tokens = append(s.tokens, token)
		if s.factErr != nil {
			return nil, s.factErr
		}
		return s.client, nil
	}, s.logger)
}

func (s *GCPProviderSuite) spec() provider.ServerSpec {
	return provider.ServerSpec{
		Name:             provider.ServerName("R-1"),
		RunnerID:         "R-1",
		ServerType:       "e2-standard-2",
		SSHUser:          "fleet",
		SSHAuthorizedKey: "ssh-ed25519 AAAA bootstrap\n",
	}
}

func TestGCPProviderSuite(t *testing.T) {
	suite.Run(t, new(GCPProviderSuite))
}

// ---------------------------------------------------------------------------
// VerifyToken
// ---------------------------------------------------------------------------

func (s *GCPProviderSuite) TestVerifyToken_UsesKeyProject() {
	p := s.newProvider()

	require.NoError(s.T(), p.VerifyToken(s.ctx, s.tok))
	assert.Equal(s.T(), []string{"key-project"}, s.client.projectGets)
	assert.Equal(s.T(), []provider.Token{s.tok}, s.tokens, "client must be built from the runner token")
	assert.Equal(s.T(), 1, s.client.closed)
	assert.Empty(s.T(), s.client.insertCalls)
}

func (s *GCPProviderSuite) TestVerifyToken_ConfiguredProjectWins() {
	s.cfg.Project = "cfg-project"
	p := s.newProvider()

	require.NoError(s.T(), p.VerifyToken(s.ctx, s.tok))
	assert.Equal(s.T(), []string{"cfg-project"}, s.client.projectGets)
}

func (s *GCPProviderSuite) TestVerifyToken_MalformedKey() {
	p := s.newProvider()

	err := p.VerifyToken(s.ctx, provider.Token("not-json"))
	require.Error(s.T(), err)
	assert.Equal(s.T(), fault.InvalidCredential, fault.KindOf(err))
}

func (s *GCPProviderSuite) TestVerifyToken_PermissionDenied() {
	s.client.projectErr = &googleapi.Error{Code: http.StatusForbidden}
	p := s.newProvider()

	err := p.VerifyToken(s.ctx, s.tok)
	assert.Equal(s.T(), fault.InvalidCredential, fault.KindOf(err))
}

// ---------------------------------------------------------------------------
// CreateServer
// ---------------------------------------------------------------------------

func (s *GCPProviderSuite) TestCreateServer_Success() {
	p := s.newProvider()

	srv, err := p.CreateServer(s.ctx, s.tok, s.spec())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "us-central1-a/agentfleet-r-1", srv.ID)
	assert.Equal(s.T(), provider.StateStarting, srv.State)

	require.Len(s.T(), s.client.insertCalls, 1)
	req := s.client.insertCalls[0]
	assert.Equal(s.T(), "key-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Equal(s.T(), "agentfleet-r-1", inst.GetName())
	assert.Contains(s.T(), inst.GetMachineType(), "e2-standard-2")
	assert.Equal(s.T(), "r-1", inst.GetLabels()[provider.LabelRunnerID])

	var foundKey bool
	for _, item := range inst.GetMetadata().GetItems() {
		if item.GetKey() == "ssh-keys" {
			assert.Equal(s.T(), "fleet:ssh-ed25519 AAAA bootstrap", item.GetValue())
			foundKey = true
		}
	}
	assert.True(s.T(), foundKey, "bootstrap key should be in instance metadata")
}

func (s *GCPProviderSuite) TestCreateServer_DiskConfig() {
	s.cfg.DiskSizeGB = 100
	p := s.newProvider()

	_, err := p.CreateServer(s.ctx, s.tok, s.spec())
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetAutoDelete())
	assert.True(s.T(), disk.GetBoot())
	assert.Equal(s.T(), int64(100), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(s.T(), s.cfg.Image, disk.GetInitializeParams().GetSourceImage())
	assert.Contains(s.T(), disk.GetInitializeParams().GetDiskType(), "pd-ssd")
}

func (s *GCPProviderSuite) TestCreateServer_NoPublicIP() {
	s.cfg.PublicIP = false
	p := s.newProvider()

	_, err := p.CreateServer(s.ctx, s.tok, s.spec())
	require.NoError(s.T(), err)

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Empty(s.T(), nic.GetAccessConfigs())
}

func (s *GCPProviderSuite) TestCreateServer_ExistingInstanceIsReturned() {
	p := s.newProvider()

	first, err := p.CreateServer(s.ctx, s.tok, s.spec())
	require.NoError(s.T(), err)
	second, err := p.CreateServer(s.ctx, s.tok, s.spec())
	require.NoError(s.T(), err)

	assert.Equal(s.T(), first.ID, second.ID)
	assert.Len(s.T(), s.client.insertCalls, 1)
	assert.Len(s.T(), s.client.instances, 1)
}

func (s *GCPProviderSuite) TestCreateServer_QuotaExceeded() {
	s.client.insertErr = &googleapi.Error{
		Code:   http.StatusForbidden,
		Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}},
	}
	p := s.newProvider()

	_, err := p.CreateServer(s.ctx, s.tok, s.spec())
	assert.Equal(s.T(), fault.QuotaExceeded, fault.KindOf(err))
}

func (s *GCPProviderSuite) TestCreateServer_Unavailable() {
	s.client.insertErr = &googleapi.Error{Code: http.StatusServiceUnavailable}
	p := s.newProvider()

	_, err := p.CreateServer(s.ctx, s.tok, s.spec())
	assert.Equal(s.T(), fault.Transient, fault.KindOf(err))
}

// ---------------------------------------------------------------------------
// GetServer / DeleteServer
// ---------------------------------------------------------------------------

func (s *GCPProviderSuite) TestGetServer_ReportsNatIP() {
	p := s.newProvider()
	srv, err := p.CreateServer(s.ctx, s.tok, s.spec())
	require.NoError(s.T(), err)

	got, err := p.GetServer(s.ctx, s.tok, srv.ID)
	require.NoError(s.T(), err)
	assert.False(s.T(), got.NetworkReady())

	s.client.boot("agentfleet-r-1", "198.51.100.4")

	got, err = p.GetServer(s.ctx, s.tok, srv.ID)
	require.NoError(s.T(), err)
	assert.True(s.T(), got.NetworkReady())
	assert.Equal(s.T(), "198.51.100.4", got.IPAddress)
}

func (s *GCPProviderSuite) TestGetServer_MalformedID() {
	p := s.newProvider()
	_, err := p.GetServer(s.ctx, s.tok, "no-zone")
	assert.Error(s.T(), err)
}

func (s *GCPProviderSuite) TestDeleteServer_Success() {
	p := s.newProvider()
	srv, err := p.CreateServer(s.ctx, s.tok, s.spec())
	require.NoError(s.T(), err)

	require.NoError(s.T(), p.DeleteServer(s.ctx, s.tok, srv.ID))
	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "key-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())
	assert.Equal(s.T(), "agentfleet-r-1", req.GetInstance())
}

func (s *GCPProviderSuite) TestDeleteServer_AlreadyGone() {
	p := s.newProvider()

	err := p.DeleteServer(s.ctx, s.tok, "us-central1-a/agentfleet-gone")
	assert.Equal(s.T(), fault.NotFound, fault.KindOf(err))
}

func (s *GCPProviderSuite) TestDeleteServer_RealError() {
	s.client.deleteErr = fmt.Errorf("permission denied: %w", &googleapi.Error{Code: http.StatusForbidden})
	p := s.newProvider()

	err := p.DeleteServer(s.ctx, s.tok, "us-central1-a/agentfleet-r-1")
	assert.Equal(s.T(), fault.InvalidCredential, fault.KindOf(err))
}

// ---------------------------------------------------------------------------
// classify
// ---------------------------------------------------------------------------

func TestClassifyStringFallbacks(t *testing.T) {
	tests := []struct {
		msg  string
		want fault.Kind
	}{
		{"googleapi: Error 404: The resource was not found", fault.NotFound},
		{"rpc error: code = NotFound desc = instance", fault.NotFound},
		{"googleapi: Error 403: forbidden", fault.InvalidCredential},
		{"QUOTA_EXCEEDED in region", fault.QuotaExceeded},
		{"googleapi: Error 503: backend error", fault.Transient},
		{"something else", fault.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, fault.KindOf(classify("op", errors.New(tt.msg))))
		})
	}
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, provider.StateStarting, mapStatus("STAGING"))
	assert.Equal(t, provider.StateRunning, mapStatus("RUNNING"))
	assert.Equal(t, provider.StateStopped, mapStatus("TERMINATED"))
	assert.Equal(t, provider.StateUnknown, mapStatus(""))
}

func TestLabelValue(t *testing.T) {
	assert.Equal(t, "abc-def_1", labelValue("ABC.def_1"))
}
