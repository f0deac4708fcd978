package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/voicetask/internal/audit"
	"github.com/breeze-rmm/voicetask/internal/history"
	"github.com/breeze-rmm/voicetask/internal/remote"
	"github.com/breeze-rmm/voicetask/internal/translator"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

type probeCall struct {
	host string
	port int
}

type fakeProbe struct {
	mu    sync.Mutex
	open  map[int]bool
	calls []probeCall
}

func (f *fakeProbe) probe(_ context.Context, host string, port int, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, probeCall{host, port})
	return f.open[port]
}

type translateCall struct {
	machine     translator.MachineKind
	instruction string
}

type fakeTranslator struct {
	answer string
	err    error
	calls  []translateCall
}

func (f *fakeTranslator) Translate(_ context.Context, machine translator.MachineKind, instruction string) (string, error) {
	f.calls = append(f.calls, translateCall{machine, instruction})
	return f.answer, f.err
}

type fakeExecutor struct {
	kind     models.TransportKind
	output   string
	commands []string
}

func (f *fakeExecutor) Transport() models.TransportKind { return f.kind }

func (f *fakeExecutor) Execute(_ context.Context, _ models.Credentials, command string) models.ExecutionResult {
	f.commands = append(f.commands, command)
	return models.ExecutionResult{Command: command, Transport: f.kind, Output: f.output, Succeeded: true}
}

type fakeTranscriber struct {
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(context.Context, string) (string, error) {
	f.calls++
	return f.text, f.err
}

type harness struct {
	probe       *fakeProbe
	translator  *fakeTranslator
	winrm       *fakeExecutor
	ssh         *fakeExecutor
	transcriber *fakeTranscriber
	orch        *Orchestrator
}

func newHarness(openPorts ...int) *harness {
	h := &harness{
		probe:       &fakeProbe{open: map[int]bool{}},
		translator:  &fakeTranslator{answer: "Get-Service"},
		winrm:       &fakeExecutor{kind: models.TransportWinRM, output: "winrm-out"},
		ssh:         &fakeExecutor{kind: models.TransportSSH, output: "ssh-out"},
		transcriber: &fakeTranscriber{text: "list services"},
	}
	for _, p := range openPorts {
		h.probe.open[p] = true
	}
	h.orch = New(Options{
		Probe:       h.probe.probe,
		WinRM:       h.winrm,
		SSH:         h.ssh,
		Translator:  h.translator,
		Transcriber: h.transcriber,
		Guard:       remote.DefaultGuard(),
	}, nil)
	return h
}

var creds = models.Credentials{Host: "10.0.0.5", Username: "admin", Password: "secret"}

func TestDispatchPrefersWinRM(t *testing.T) {
	h := newHarness(5985, 22)

	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, Instruction: "list services"})
	require.NoError(t, err)

	assert.Equal(t, models.TransportWinRM, resp.Transport)
	assert.Equal(t, "Get-Service", resp.Command)
	assert.Equal(t, "winrm-out", resp.Output)
	require.Len(t, h.translator.calls, 1)
	assert.Equal(t, translator.MachineWindows, h.translator.calls[0].machine)
	assert.Equal(t, []string{"Get-Service"}, h.winrm.commands)
	assert.Empty(t, h.ssh.commands)
	assert.Equal(t, []probeCall{{"10.0.0.5", 5985}}, h.probe.calls, "SSH is not probed once WinRM answers")
}

func TestDispatchFallsBackToSSH(t *testing.T) {
	h := newHarness(22)
	h.translator.answer = "uptime"

	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, Instruction: "how long has it been up"})
	require.NoError(t, err)

	assert.Equal(t, models.TransportSSH, resp.Transport)
	assert.Equal(t, "ssh-out", resp.Output)
	assert.Equal(t, translator.MachineSSH, h.translator.calls[0].machine)
	assert.Equal(t, []probeCall{{"10.0.0.5", 5985}, {"10.0.0.5", 22}}, h.probe.calls)
}

func TestDispatchLinuxHintProbesSSHFirst(t *testing.T) {
	h := newHarness(5985, 22)
	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, Instruction: "uptime", OS: "linux"})
	require.NoError(t, err)
	assert.Equal(t, models.TransportSSH, resp.Transport)
	assert.Equal(t, []probeCall{{"10.0.0.5", 22}}, h.probe.calls)
}

func TestDispatchNoTransport(t *testing.T) {
	h := newHarness()
	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, Instruction: "reboot"})
	require.NoError(t, err)

	assert.Equal(t, OutputNoTransport, resp.Output)
	assert.Equal(t, "Cannot establish connection: neither WinRM nor SSH port is open.", resp.Output)
	assert.Equal(t, models.TransportUnreachable, resp.Transport)
	assert.Empty(t, h.translator.calls, "no translation without a transport")
}

func TestDispatchRefusalIsNotExecuted(t *testing.T) {
	h := newHarness(5985)
	h.translator.answer = "Cannot execute command: requires physical access"

	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, Instruction: "plug in the usb stick"})
	require.NoError(t, err)

	assert.Equal(t, h.translator.answer, resp.Output)
	assert.Equal(t, h.translator.answer, resp.Command)
	assert.Empty(t, h.winrm.commands)
}

func TestDispatchRefusalCaseInsensitive(t *testing.T) {
	h := newHarness(22)
	h.translator.answer = "cannot execute command: no"
	_, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, Instruction: "x"})
	require.NoError(t, err)
	assert.Empty(t, h.ssh.commands)
}

func TestDispatchTranslationError(t *testing.T) {
	h := newHarness(5985)
	h.translator.err = errors.New("rate limited")

	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, Instruction: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Error during command translation: rate limited", resp.Output)
	assert.Empty(t, resp.Command)
	assert.Empty(t, h.winrm.commands)
}

func TestDispatchGuardBlocks(t *testing.T) {
	h := newHarness(22)
	h.translator.answer = "rm -rf /"

	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, Instruction: "wipe it"})
	require.NoError(t, err)
	assert.Equal(t, "Command blocked: dangerous recursive delete on root", resp.Output)
	assert.Equal(t, "rm -rf /", resp.Command)
	assert.Empty(t, h.ssh.commands)
}

func TestDispatchAudioOnly(t *testing.T) {
	h := newHarness(5985)
	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, AudioPath: "/tmp/a.wav"})
	require.NoError(t, err)

	assert.Equal(t, "list services", resp.Transcription)
	assert.Equal(t, "list services", h.translator.calls[0].instruction)
	assert.Equal(t, "winrm-out", resp.Output)
}

func TestDispatchAudioTranscriptionFailure(t *testing.T) {
	h := newHarness(5985)
	h.transcriber.err = errors.New("unsupported codec")

	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, AudioPath: "/tmp/a.wav"})
	require.NoError(t, err)
	assert.Equal(t, "Error during transcription: unsupported codec", resp.Output)
	assert.Empty(t, h.probe.calls)
	assert.Empty(t, h.translator.calls)
}

func TestDispatchEmptyTranscription(t *testing.T) {
	h := newHarness(5985)
	h.transcriber.text = "   "

	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, AudioPath: "/tmp/a.wav"})
	require.NoError(t, err)
	assert.Equal(t, OutputEmptyTranscription, resp.Output)
	assert.Empty(t, h.translator.calls)
}

func TestDispatchInstructionWinsOverAudio(t *testing.T) {
	h := newHarness(5985)
	h.transcriber.err = errors.New("noise")

	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, AudioPath: "/tmp/a.wav", Instruction: "show disks"})
	require.NoError(t, err)
	assert.Empty(t, resp.Transcription)
	assert.Equal(t, "show disks", h.translator.calls[0].instruction)
	assert.Equal(t, "winrm-out", resp.Output)
}

func TestDispatchInstructionKeepsSuccessfulTranscription(t *testing.T) {
	h := newHarness(5985)
	h.transcriber.text = "list services"

	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, AudioPath: "/tmp/a.wav", Instruction: "show disks"})
	require.NoError(t, err)
	assert.Equal(t, "list services", resp.Transcription)
	assert.Equal(t, "show disks", h.translator.calls[0].instruction)

	h2 := newHarness(5985)
	h2.transcriber.text = "partial garbage"
	h2.transcriber.err = errors.New("decode failed")
	resp, err = h2.orch.Dispatch(context.Background(), Request{Credentials: creds, AudioPath: "/tmp/a.wav", Instruction: "show disks"})
	require.NoError(t, err)
	assert.Empty(t, resp.Transcription)
}

func TestDispatchValidation(t *testing.T) {
	h := newHarness(5985)
	tests := []struct {
		name    string
		req     Request
		missing []string
	}{
		{"no host", Request{Credentials: models.Credentials{Username: "u", Password: "p"}, Instruction: "x"}, []string{"host"}},
		{"no password", Request{Credentials: models.Credentials{Host: "h", Username: "u"}, Instruction: "x"}, []string{"password"}},
		{"nothing", Request{}, []string{"host", "username", "password"}},
		{"no instruction", Request{Credentials: creds}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Dispatch(context.Background(), tt.req)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "err = %v", err)
			assert.Equal(t, tt.missing, ve.Missing)
		})
	}
	assert.Empty(t, h.probe.calls, "validation happens before any remote interaction")
}

func TestDispatchAuditsAndRecords(t *testing.T) {
	dir := t.TempDir()
	trail, err := audit.NewLogger(audit.Options{Dir: dir}, nil)
	require.NoError(t, err)
	store, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer store.Close()

	h := newHarness(5985)
	orch := New(Options{
		Probe:      h.probe.probe,
		WinRM:      h.winrm,
		Translator: h.translator,
		Audit:      trail,
		History:    store,
	}, nil)

	_, err = orch.Dispatch(context.Background(), Request{Credentials: creds, Instruction: "list services"})
	require.NoError(t, err)
	require.NoError(t, trail.Close())

	entries, err := audit.ReadFile(trail.Path())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.EventDispatch, entries[0].EventType)
	assert.Equal(t, audit.EventCommandExecuted, entries[1].EventType)
	assert.Equal(t, entries[0].RunID, entries[1].RunID)
	assert.NoError(t, audit.Verify(entries))

	runs, err := store.List(context.Background(), history.Filter{Kind: history.KindDispatch})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "executed", runs[0].Status)
	assert.Equal(t, "Get-Service", runs[0].Command)
	assert.Equal(t, entries[0].RunID, runs[0].ID)
}

func TestDispatchWithRealProbe(t *testing.T) {
	// nothing listens on these ports
	h := newHarness()
	orch := New(Options{
		WinRMPort:    1,
		SSHPort:      2,
		ProbeTimeout: 200 * time.Millisecond,
		Translator:   h.translator,
	}, nil)
	resp, err := orch.Dispatch(context.Background(), Request{Credentials: models.Credentials{Host: "127.0.0.1", Username: "u", Password: "p"}, Instruction: "x"})
	require.NoError(t, err)
	assert.Equal(t, OutputNoTransport, resp.Output)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "unreachable", outcome(models.DispatchResponse{Transport: models.TransportUnreachable}))
	assert.Equal(t, "failed", outcome(models.DispatchResponse{Transport: models.TransportSSH}))
	assert.Equal(t, "refused", outcome(models.DispatchResponse{Command: "Cannot execute command: x"}))
	assert.Equal(t, "blocked", outcome(models.DispatchResponse{Command: "rm -rf /", Output: "Command blocked: x"}))
	assert.Equal(t, "executed", outcome(models.DispatchResponse{Command: "ls", Output: "a"}))
}

func TestDispatchDetectsMissingOS(t *testing.T) {
	h := newHarness(5985, 22)
	h.translator.answer = "uptime"
	detected := 0
	h.orch.opts.DetectOS = func(_ context.Context, host string) string {
		detected++
		assert.Equal(t, creds.Host, host)
		return "linux"
	}

	resp, err := h.orch.Dispatch(context.Background(), Request{Credentials: creds, Instruction: "uptime please"})
	require.NoError(t, err)
	assert.Equal(t, models.TransportSSH, resp.Transport)
	assert.Equal(t, 1, detected)
	assert.Equal(t, []probeCall{{"10.0.0.5", 22}}, h.probe.calls)

	_, err = h.orch.Dispatch(context.Background(), Request{Credentials: creds, Instruction: "uptime", OS: "windows"})
	require.NoError(t, err)
	assert.Equal(t, 1, detected, "an explicit hint skips detection")
}
