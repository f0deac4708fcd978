// Package remote runs single commands on remote hosts over WinRM or SSH.
// Executors never return errors: transport and authentication failures are
// folded into the ExecutionResult so callers always get a result to report.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/breeze-rmm/voicetask/pkg/models"
)

const (
	// DefaultExecTimeout bounds one remote command including session setup.
	DefaultExecTimeout = 10 * time.Minute

	// DefaultSSHConnectTimeout bounds the SSH TCP connect and handshake.
	DefaultSSHConnectTimeout = 10 * time.Second

	// MaxOutputSize is the maximum size of stdout/stderr to capture
	MaxOutputSize = 1024 * 1024 // 1MB
)

// Executor runs one command against an authenticated remote session.
type Executor interface {
	Transport() models.TransportKind
	Execute(ctx context.Context, creds models.Credentials, command string) models.ExecutionResult
}

// transportLabel is the name used in operator-facing error text.
func transportLabel(kind models.TransportKind) string {
	switch kind {
	case models.TransportWinRM:
		return "WinRM"
	case models.TransportSSH:
		return "SSH"
	default:
		return string(kind)
	}
}

// FailureOutput formats a transport failure the way it is shown to operators.
func FailureOutput(kind models.TransportKind, err error) string {
	return fmt.Sprintf("Error during %s execution: %v", transportLabel(kind), err)
}

func failedResult(kind models.TransportKind, command string, started time.Time, err error) models.ExecutionResult {
	return models.ExecutionResult{
		Command:   command,
		Transport: kind,
		Output:    FailureOutput(kind, err),
		ExitCode:  -1,
		StartedAt: started,
		Duration:  time.Since(started),
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func truncate(s string) string {
	if len(s) > MaxOutputSize {
		return s[:MaxOutputSize]
	}
	return s
}

// limitedWriter wraps a buffer with a size limit
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	if w.written >= w.limit {
		// Discard additional data but don't error
		return len(p), nil
	}

	remaining := w.limit - w.written
	chunk := p
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}

	n, err = w.buf.Write(chunk)
	w.written += n
	return len(p), err // Return original length to avoid short write errors
}
