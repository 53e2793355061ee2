//go:build integration

package docker

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/agentfleet/internal/fault"
	"github.com/terrpan/agentfleet/internal/provider"
)

// DockerProviderSuite tests the Docker provider against a real Docker
// daemon.  It is gated behind the "integration" build tag:
//
//	go test ./internal/provider/docker/ -tags integration -v
type DockerProviderSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	docker *dockerclient.Client
	prov   *Provider
	tok    provider.Token

	// testImage is a lightweight image used for tests.
	testImage string
}

func (s *DockerProviderSuite) SetupSuite() {
	s.testImage = "alpine:latest"
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.tok = provider.Token("local")

	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	require.NoError(s.T(), err, "Docker must be available for integration tests")
	s.docker = cli

	ctx := context.Background()
	_, err = cli.Ping(ctx)
	require.NoError(s.T(), err, "Docker daemon must be reachable")

	pull, err := cli.ImagePull(ctx, s.testImage, image.PullOptions{})
	require.NoError(s.T(), err)
	_, _ = io.ReadAll(pull)
	pull.Close()

	s.prov = newProvider(cli, Config{Image: s.testImage}, s.logger)
}

func (s *DockerProviderSuite) TearDownSuite() {
	if s.docker != nil {
		s.docker.Close()
	}
}

func (s *DockerProviderSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 60*time.Second)
}

func (s *DockerProviderSuite) TearDownTest() {
	s.cancel()
}

func TestDockerProviderSuite(t *testing.T) {
	suite.Run(t, new(DockerProviderSuite))
}

func (s *DockerProviderSuite) spec(id string) provider.ServerSpec {
	return provider.ServerSpec{Name: provider.ServerName(id), RunnerID: id}
}

func (s *DockerProviderSuite) cleanup(id string) {
	_ = s.docker.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})
}

func (s *DockerProviderSuite) TestVerifyToken() {
	require.NoError(s.T(), s.prov.VerifyToken(s.ctx, s.tok))

	err := s.prov.VerifyToken(s.ctx, "")
	assert.Equal(s.T(), fault.InvalidCredential, fault.KindOf(err))
}

func (s *DockerProviderSuite) TestCreateGetDelete() {
	srv, err := s.prov.CreateServer(s.ctx, s.tok, s.spec("it-lifecycle"))
	require.NoError(s.T(), err)
	defer s.cleanup(srv.ID)

	require.Eventually(s.T(), func() bool {
		got, err := s.prov.GetServer(s.ctx, s.tok, srv.ID)
		return err == nil && got.NetworkReady()
	}, 20*time.Second, 200*time.Millisecond)

	info, err := s.docker.ContainerInspect(s.ctx, srv.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "it-lifecycle", info.Config.Labels[provider.LabelRunnerID])

	require.NoError(s.T(), s.prov.DeleteServer(s.ctx, s.tok, srv.ID))

	err = s.prov.DeleteServer(s.ctx, s.tok, srv.ID)
	assert.Equal(s.T(), fault.NotFound, fault.KindOf(err))
}

func (s *DockerProviderSuite) TestCreateServer_Idempotent() {
	first, err := s.prov.CreateServer(s.ctx, s.tok, s.spec("it-idem"))
	require.NoError(s.T(), err)
	defer s.cleanup(first.ID)

	second, err := s.prov.CreateServer(s.ctx, s.tok, s.spec("it-idem"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), first.ID, second.ID)
}

func (s *DockerProviderSuite) TestRunCommand() {
	srv, err := s.prov.CreateServer(s.ctx, s.tok, s.spec("it-exec"))
	require.NoError(s.T(), err)
	defer s.cleanup(srv.ID)

	out, err := s.prov.RunCommand(s.ctx, s.tok, srv.ID, "echo hello; echo oops >&2; exit 3")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "hello", strings.TrimSpace(string(out.Stdout)))
	assert.Equal(s.T(), "oops", strings.TrimSpace(string(out.Stderr)))
	assert.Equal(s.T(), 3, out.ExitCode)
}

func (s *DockerProviderSuite) TestGetServer_Missing() {
	_, err := s.prov.GetServer(s.ctx, s.tok, "agentfleet-does-not-exist")
	assert.Equal(s.T(), fault.NotFound, fault.KindOf(err))
}
