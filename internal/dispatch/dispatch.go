// Package dispatch runs a single operator instruction end to end: optional
// transcription, transport selection, translation and remote execution.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/internal/audit"
	"github.com/breeze-rmm/voicetask/internal/discovery"
	"github.com/breeze-rmm/voicetask/internal/history"
	"github.com/breeze-rmm/voicetask/internal/logging"
	"github.com/breeze-rmm/voicetask/internal/remote"
	"github.com/breeze-rmm/voicetask/internal/transcribe"
	"github.com/breeze-rmm/voicetask/internal/translator"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

// Operator-facing outputs for dispatches that end before execution.
const (
	OutputNoTransport        = "Cannot establish connection: neither WinRM nor SSH port is open."
	OutputEmptyTranscription = "Cannot execute command: no instruction was recognized in the audio."
)

// Request is one instruction against one host. Either Instruction or
// AudioPath must be set; Instruction wins when both are.
type Request struct {
	Credentials models.Credentials
	Instruction string
	AudioPath   string
	OS          string
}

// ValidationError reports a request that cannot be dispatched.
type ValidationError struct {
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("missing required fields: %s", strings.Join(e.Missing, ", "))
	}
	return e.Reason
}

// Validate checks that the request carries credentials and an instruction
// source.
func (r Request) Validate() error {
	if missing := r.Credentials.Missing(); len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	if strings.TrimSpace(r.Instruction) == "" && r.AudioPath == "" {
		return &ValidationError{Reason: "either an instruction or an audio file is required"}
	}
	return nil
}

// ProbeFunc reports whether host:port accepts TCP connections.
type ProbeFunc func(ctx context.Context, host string, port int, timeout time.Duration) bool

// OSDetector guesses a host's OS ("windows", "linux", "mac") or returns "".
type OSDetector func(ctx context.Context, host string) string

// Auditor records dispatch events. *audit.Logger satisfies it.
type Auditor interface {
	Log(eventType, runID, host string, details map[string]any)
}

// Recorder stores run summaries. *history.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, r history.Run) error
}

// Options wire the orchestrator's collaborators. Nil Probe uses a TCP dial.
type Options struct {
	Probe        ProbeFunc
	ProbeTimeout time.Duration
	// DetectOS fills in a missing OS hint before transport selection.
	DetectOS     OSDetector
	WinRMPort    int
	SSHPort      int
	WinRM        remote.Executor
	SSH          remote.Executor
	Translator   translator.Translator
	Transcriber  transcribe.Transcriber
	Guard        *remote.Guard
	Audit        Auditor
	History      Recorder
}

// Orchestrator dispatches requests. It holds no per-request state and is
// safe for concurrent use.
type Orchestrator struct {
	opts   Options
	logger *zap.Logger
}

// New creates an Orchestrator.
func New(opts Options, logger *zap.Logger) *Orchestrator {
	if opts.Probe == nil {
		opts.Probe = discovery.Probe
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = discovery.DefaultProbeTimeout
	}
	if opts.WinRMPort == 0 {
		opts.WinRMPort = discovery.PortWinRM
	}
	if opts.SSHPort == 0 {
		opts.SSHPort = discovery.PortSSH
	}
	return &Orchestrator{opts: opts, logger: logging.OrNop(logger).Named("dispatch")}
}

// Dispatch runs req. The error is non-nil only for invalid input; every
// downstream failure is reported in the response Output.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) (models.DispatchResponse, error) {
	if err := req.Validate(); err != nil {
		return models.DispatchResponse{}, err
	}

	runID := uuid.NewString()
	started := time.Now()
	logger := o.logger.With(zap.String(logging.KeyRunID, runID), zap.String(logging.KeyHost, req.Credentials.Host))

	resp := o.dispatch(ctx, runID, req, logger)

	logger.Info("dispatch finished",
		zap.String(logging.KeyTransport, string(resp.Transport)),
		zap.Bool("executed", resp.Command != "" && !translator.IsRefusal(resp.Command)),
		zap.Duration("duration", time.Since(started)),
	)
	o.record(ctx, runID, req, resp, started)
	return resp, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, runID string, req Request, logger *zap.Logger) models.DispatchResponse {
	var resp models.DispatchResponse
	instruction := strings.TrimSpace(req.Instruction)

	if req.AudioPath != "" {
		text, err := o.transcribe(ctx, req.AudioPath)
		switch {
		case instruction != "":
			if err != nil {
				logger.Debug("best-effort transcription failed", zap.Error(err))
				break
			}
			resp.Transcription = text
		case err != nil:
			logger.Warn("transcription failed", zap.Error(err))
			resp.Output = fmt.Sprintf("Error during transcription: %v", err)
			return resp
		case text == "":
			resp.Output = OutputEmptyTranscription
			return resp
		default:
			resp.Transcription = text
			instruction = text
		}
	}

	o.audit(audit.EventDispatch, runID, req.Credentials.Host, map[string]any{
		"username":    req.Credentials.Username,
		"instruction": instruction,
		"os":          req.OS,
		"audio":       req.AudioPath != "",
	})

	osHint := req.OS
	if osHint == "" && o.opts.DetectOS != nil {
		if osHint = o.opts.DetectOS(ctx, req.Credentials.Host); osHint != "" {
			logger.Debug("detected os", zap.String("os", osHint))
		}
	}

	kind := o.selectTransport(ctx, req.Credentials.Host, osHint)
	resp.Transport = kind
	if kind == models.TransportUnreachable {
		resp.Output = OutputNoTransport
		return resp
	}
	logger = logger.With(zap.String(logging.KeyTransport, string(kind)))

	machine := translator.MachineSSH
	executor := o.opts.SSH
	if kind == models.TransportWinRM {
		machine = translator.MachineWindows
		executor = o.opts.WinRM
	}

	if o.opts.Translator == nil {
		resp.Output = "Error during command translation: no translator configured"
		return resp
	}
	command, err := o.opts.Translator.Translate(ctx, machine, instruction)
	if err != nil {
		logger.Warn("translation failed", zap.Error(err))
		resp.Output = fmt.Sprintf("Error during command translation: %v", err)
		return resp
	}
	resp.Command = command

	if translator.IsRefusal(command) {
		o.audit(audit.EventCommandRefused, runID, req.Credentials.Host, map[string]any{"response": command})
		resp.Output = command
		return resp
	}

	if err := o.opts.Guard.Check(command); err != nil {
		var blocked *remote.BlockedError
		reason := err.Error()
		if errors.As(err, &blocked) {
			reason = blocked.Reason
		}
		logger.Warn("command blocked", zap.String("reason", reason))
		o.audit(audit.EventCommandBlocked, runID, req.Credentials.Host, map[string]any{"command": command, "reason": reason})
		resp.Output = "Command blocked: " + reason
		return resp
	}

	if executor == nil {
		resp.Output = remote.FailureOutput(kind, errors.New("no executor configured"))
		return resp
	}
	result := executor.Execute(ctx, req.Credentials, command)
	o.audit(audit.EventCommandExecuted, runID, req.Credentials.Host, map[string]any{
		"transport": string(kind),
		"command":   command,
		"exitCode":  result.ExitCode,
		"succeeded": result.Succeeded,
	})
	resp.Output = result.Output
	return resp
}

func (o *Orchestrator) transcribe(ctx context.Context, path string) (string, error) {
	if o.opts.Transcriber == nil {
		return "", errors.New("no transcriber configured")
	}
	text, err := o.opts.Transcriber.Transcribe(ctx, path)
	return strings.TrimSpace(text), err
}

// selectTransport probes candidates in preference order and returns the
// first whose port answers.
func (o *Orchestrator) selectTransport(ctx context.Context, host, osHint string) models.TransportKind {
	for _, kind := range discovery.TransportOrder(osHint) {
		port := o.opts.SSHPort
		if kind == models.TransportWinRM {
			port = o.opts.WinRMPort
		}
		if o.opts.Probe(ctx, host, port, o.opts.ProbeTimeout) {
			return kind
		}
	}
	return models.TransportUnreachable
}

func (o *Orchestrator) audit(event, runID, host string, details map[string]any) {
	if o.opts.Audit != nil {
		o.opts.Audit.Log(event, runID, host, details)
	}
}

func (o *Orchestrator) record(ctx context.Context, runID string, req Request, resp models.DispatchResponse, started time.Time) {
	if o.opts.History == nil {
		return
	}
	run := history.Run{
		ID:        runID,
		Kind:      history.KindDispatch,
		Host:      req.Credentials.Host,
		Username:  req.Credentials.Username,
		Transport: string(resp.Transport),
		Command:   resp.Command,
		Status:    outcome(resp),
		Summary:   firstLine(resp.Output),
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if err := o.opts.History.Record(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Warn("failed to record dispatch", zap.String(logging.KeyRunID, runID), zap.Error(err))
	}
}

// outcome classifies a response for the history index.
func outcome(resp models.DispatchResponse) string {
	switch {
	case resp.Transport == models.TransportUnreachable:
		return "unreachable"
	case resp.Command == "":
		return "failed"
	case translator.IsRefusal(resp.Command):
		return "refused"
	case strings.HasPrefix(resp.Output, "Command blocked: "):
		return "blocked"
	default:
		return "executed"
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
