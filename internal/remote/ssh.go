package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/breeze-rmm/voicetask/internal/logging"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

// ShellRunner runs shell commands on an open SSH connection.
type ShellRunner interface {
	RunShell(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)
	Close() error
}

// SSHConnector opens a connection for one invocation.
type SSHConnector func(ctx context.Context, creds models.Credentials) (ShellRunner, error)

// NewSSHConnector returns a connector using password (and keyboard-interactive
// password) authentication. Unknown host keys are accepted: this tool targets
// lab and fleet machines whose keys are not distributed in advance.
func NewSSHConnector(port int, connectTimeout time.Duration) SSHConnector {
	if port == 0 {
		port = 22
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultSSHConnectTimeout
	}

	return func(ctx context.Context, creds models.Credentials) (ShellRunner, error) {
		password := creds.Password
		cfg := &ssh.ClientConfig{
			User: creds.Username,
			Auth: []ssh.AuthMethod{
				ssh.Password(password),
				ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
					answers := make([]string, len(questions))
					for i := range answers {
						answers[i] = password
					}
					return answers, nil
				}),
			},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         connectTimeout,
		}

		addr := net.JoinHostPort(creds.Host, strconv.Itoa(port))
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		var dialer net.Dialer
		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}

		// The handshake shares the connect budget.
		_ = conn.SetDeadline(time.Now().Add(connectTimeout))
		clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
		}
		_ = conn.SetDeadline(time.Time{})

		return &sshRunner{client: ssh.NewClient(clientConn, chans, reqs)}, nil
	}
}

type sshRunner struct {
	client *ssh.Client
}

func (r *sshRunner) RunShell(ctx context.Context, command string) (string, string, int, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	session.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		r.client.Close()
		<-done
		return stdout.String(), stderr.String(), -1, ctx.Err()
	}

	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
	}
	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) {
		return stdout.String(), stderr.String(), -1, nil
	}
	return stdout.String(), stderr.String(), -1, err
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}

// SSHExecutor runs shell commands over SSH.
type SSHExecutor struct {
	connect SSHConnector
	timeout time.Duration
	logger  *zap.Logger
}

// NewSSHExecutor creates an SSHExecutor. timeout bounds each call.
func NewSSHExecutor(connect SSHConnector, timeout time.Duration, logger *zap.Logger) *SSHExecutor {
	return &SSHExecutor{
		connect: connect,
		timeout: timeout,
		logger:  logging.OrNop(logger).Named("ssh"),
	}
}

// Transport returns models.TransportSSH.
func (e *SSHExecutor) Transport() models.TransportKind {
	return models.TransportSSH
}

// Execute runs command and reports stdout followed by stderr as Output.
func (e *SSHExecutor) Execute(ctx context.Context, creds models.Credentials, command string) models.ExecutionResult {
	started := time.Now()
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	runner, err := e.connect(ctx, creds)
	if err != nil {
		e.logger.Warn("ssh connect failed", zap.String(logging.KeyHost, creds.Host), zap.Error(err))
		return failedResult(models.TransportSSH, command, started, err)
	}
	defer runner.Close()

	stdout, stderr, exitCode, err := runner.RunShell(ctx, command)
	if err != nil {
		e.logger.Warn("ssh execution failed", zap.String(logging.KeyHost, creds.Host), zap.Error(err))
		return failedResult(models.TransportSSH, command, started, err)
	}

	result := models.ExecutionResult{
		Command:   command,
		Transport: models.TransportSSH,
		Stdout:    stdout,
		Stderr:    stderr,
		Output:    stdout + stderr,
		ExitCode:  exitCode,
		Succeeded: exitCode == 0,
		StartedAt: started,
		Duration:  time.Since(started),
	}

	e.logger.Info("ssh command completed",
		zap.String(logging.KeyHost, creds.Host),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", result.Duration),
	)
	return result
}
