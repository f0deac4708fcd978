package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/masterzen/winrm"
	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/internal/logging"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

// PowerShellRunner runs PowerShell scripts on an open WinRM session.
type PowerShellRunner interface {
	RunPowerShell(ctx context.Context, script string) (stdout, stderr string, exitCode int, err error)
}

// WinRMConnector opens a session for one invocation. Sessions are never
// shared across calls.
type WinRMConnector func(creds models.Credentials) (PowerShellRunner, error)

// WinRMOptions configures the WinRM endpoint.
type WinRMOptions struct {
	Port     int
	HTTPS    bool
	Insecure bool
	// Timeout is the per-request operation timeout sent to the endpoint.
	Timeout time.Duration
}

// NewWinRMConnector returns a connector authenticating with NTLM against
// http(s)://{host}:{port}/wsman.
func NewWinRMConnector(opts WinRMOptions) WinRMConnector {
	if opts.Port == 0 {
		opts.Port = 5985
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultExecTimeout
	}

	return func(creds models.Credentials) (PowerShellRunner, error) {
		endpoint := winrm.NewEndpoint(creds.Host, opts.Port, opts.HTTPS, opts.Insecure, nil, nil, nil, opts.Timeout)

		params := winrm.NewParameters(formatISODuration(opts.Timeout), "en-US", 153600)
		params.TransportDecorator = func() winrm.Transporter { return &winrm.ClientNTLM{} }

		client, err := winrm.NewClientWithParameters(endpoint, creds.Username, creds.Password, params)
		if err != nil {
			return nil, fmt.Errorf("create winrm session: %w", err)
		}
		return &winrmRunner{client: client}, nil
	}
}

type winrmRunner struct {
	client *winrm.Client
}

func (r *winrmRunner) RunPowerShell(ctx context.Context, script string) (string, string, int, error) {
	return r.client.RunPSWithContext(ctx, script)
}

// formatISODuration renders d as the xs:duration WinRM expects, e.g. PT600S.
func formatISODuration(d time.Duration) string {
	seconds := int(d / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("PT%dS", seconds)
}

// WinRMExecutor runs commands as PowerShell over WinRM.
type WinRMExecutor struct {
	connect WinRMConnector
	timeout time.Duration
	logger  *zap.Logger
}

// NewWinRMExecutor creates a WinRMExecutor. timeout bounds each call.
func NewWinRMExecutor(connect WinRMConnector, timeout time.Duration, logger *zap.Logger) *WinRMExecutor {
	return &WinRMExecutor{
		connect: connect,
		timeout: timeout,
		logger:  logging.OrNop(logger).Named("winrm"),
	}
}

// Transport returns models.TransportWinRM.
func (e *WinRMExecutor) Transport() models.TransportKind {
	return models.TransportWinRM
}

// Execute runs command and reports stdout on exit code 0, stderr otherwise.
func (e *WinRMExecutor) Execute(ctx context.Context, creds models.Credentials, command string) models.ExecutionResult {
	started := time.Now()
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	runner, err := e.connect(creds)
	if err != nil {
		e.logger.Warn("winrm session failed", zap.String(logging.KeyHost, creds.Host), zap.Error(err))
		return failedResult(models.TransportWinRM, command, started, err)
	}

	stdout, stderr, exitCode, err := runner.RunPowerShell(ctx, command)
	if err != nil {
		e.logger.Warn("winrm execution failed", zap.String(logging.KeyHost, creds.Host), zap.Error(err))
		return failedResult(models.TransportWinRM, command, started, err)
	}

	result := models.ExecutionResult{
		Command:   command,
		Transport: models.TransportWinRM,
		Stdout:    truncate(stdout),
		Stderr:    truncate(stderr),
		ExitCode:  exitCode,
		Succeeded: exitCode == 0,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if result.Succeeded {
		result.Output = result.Stdout
	} else {
		result.Output = result.Stderr
	}

	e.logger.Info("winrm command completed",
		zap.String(logging.KeyHost, creds.Host),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", result.Duration),
	)
	return result
}
