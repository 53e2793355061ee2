package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"

	"github.com/terrpan/agentfleet/internal/provider"
)

var errSSHUnreachable = errors.New("ssh unreachable")

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// connect dials until the server accepts a login or SSHWait elapses.
// Freshly booted servers refuse connections or reject keys for a while
// until cloud-init has run.
func (b *Bootstrapper) connect(ctx context.Context, ip string) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: b.cfg.SSHUser,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(b.signer)},
		// Fresh servers have no known host key yet.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(b.cfg.SSHPort))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = b.cfg.SSHWait

	var client *ssh.Client
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		c, err := b.dial(ctx, addr, cfg)
		if err != nil {
			b.logger.Debug("ssh not ready",
				slog.String("addr", addr),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return err
		}
		client = c
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", errSSHUnreachable, addr, attempt, err)
	}
	return client, nil
}

// runSSH pipes script into a shell on the server.
func (b *Bootstrapper) runSSH(ctx context.Context, ip, script string) (provider.Output, error) {
	client, err := b.connect(ctx, ip)
	if err != nil {
		return provider.Output{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return provider.Output{}, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	session.Stdin = strings.NewReader(script)

	cmd := "sh -s"
	if b.cfg.SSHUser != "root" {
		cmd = "sudo -n sh -s"
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		<-done
		return provider.Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, ctx.Err()
	case err := <-done:
		out := provider.Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("ssh run: %w", err)
		}
		return out, nil
	}
}
