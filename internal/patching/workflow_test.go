package patching

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/voicetask/pkg/models"
)

type installCall struct {
	updates []UpdateRecord
	reboot  bool
}

type fakeSource struct {
	discover    []UpdateRecord
	discoverErr error
	discoverN   int
	results     map[bool]InstallResult
	installErr  map[bool]error
	installs    []installCall
	panicOn     string
}

func (f *fakeSource) ID() string          { return "fake" }
func (f *fakeSource) Name() string        { return "Fake" }
func (f *fakeSource) Platforms() []string { return []string{"windows"} }

func (f *fakeSource) Discover(context.Context, models.Credentials) ([]UpdateRecord, error) {
	f.discoverN++
	if f.panicOn == "discover" {
		panic("boom")
	}
	return f.discover, f.discoverErr
}

func (f *fakeSource) Install(_ context.Context, _ models.Credentials, updates []UpdateRecord, reboot bool) (InstallResult, error) {
	f.installs = append(f.installs, installCall{updates: updates, reboot: reboot})
	if err := f.installErr[reboot]; err != nil {
		return InstallResult{}, err
	}
	return f.results[reboot], nil
}

var testVM = VMInfo{Host: "10.0.0.5", Username: "Administrator", Password: "secret", OS: "windows"}

var (
	kb1 = UpdateRecord{Title: "KB1", KB: "KB1", RebootRequired: false}
	kb2 = UpdateRecord{Title: "KB2", KB: "KB2", RebootRequired: true}
)

func runWorkflow(src UpdateSource, confirmer Confirmer) *State {
	return NewWorkflow(src, confirmer, time.Minute, nil).Run(context.Background(), NewState("run-1", testVM, nil))
}

func TestWorkflowInstallsBothPartitions(t *testing.T) {
	src := &fakeSource{discover: []UpdateRecord{kb1, kb2}}
	s := runWorkflow(src, nil)

	assert.Equal(t, []UpdateRecord{kb1}, s.NoRebootUpdates)
	assert.Equal(t, []UpdateRecord{kb2}, s.RebootUpdates)
	assert.Equal(t, StatusAllInstalled, s.Status)

	require.Len(t, src.installs, 2)
	assert.False(t, src.installs[0].reboot)
	assert.Equal(t, []UpdateRecord{kb1}, src.installs[0].updates)
	assert.True(t, src.installs[1].reboot)
	assert.Equal(t, []UpdateRecord{kb2}, src.installs[1].updates)

	require.Len(t, s.Stages, 4)
	for _, st := range s.Stages {
		assert.Equal(t, models.StageOK, st.Outcome, st.Stage)
	}
}

func TestWorkflowUpToDateMakesNoInstallCalls(t *testing.T) {
	src := &fakeSource{discover: []UpdateRecord{}}
	s := runWorkflow(src, nil)

	assert.Equal(t, StatusUpToDate, s.Status)
	assert.Empty(t, s.RebootUpdates)
	assert.Empty(t, s.NoRebootUpdates)
	assert.Empty(t, src.installs)

	for _, name := range []string{StageInstallNonReboot, StageConfirm, StageInstallReboot} {
		r, ok := s.StageResult(name)
		require.True(t, ok, name)
		assert.Equal(t, models.StageSkipped, r.Outcome, name)
	}
}

func TestWorkflowDiscoveryFailureStillCompletes(t *testing.T) {
	src := &fakeSource{discoverErr: errors.New("create winrm session: http 401")}
	s := runWorkflow(src, nil)

	assert.Equal(t, StatusError, s.Status)
	assert.Empty(t, src.installs)
	assert.Len(t, s.Stages, 4)

	r, _ := s.StageResult(StageCheckUpdates)
	assert.Equal(t, models.StageFailed, r.Outcome)
	assert.Contains(t, r.Error, "http 401")

	var found bool
	for _, line := range s.Log {
		if strings.HasPrefix(line, "Error checking updates: ") && strings.Contains(line, "http 401") {
			found = true
		}
	}
	assert.True(t, found, "log: %v", s.Log)
}

func TestWorkflowDeclineSkipsRebootInstall(t *testing.T) {
	src := &fakeSource{discover: []UpdateRecord{kb1, kb2}}
	s := runWorkflow(src, DeclineReboots)

	assert.Equal(t, StatusUserDeclined, s.Status)
	require.Len(t, src.installs, 1)
	assert.False(t, src.installs[0].reboot)

	r, _ := s.StageResult(StageInstallReboot)
	assert.Equal(t, models.StageSkipped, r.Outcome)
}

func TestWorkflowConfirmerErrorIsDecline(t *testing.T) {
	src := &fakeSource{discover: []UpdateRecord{kb2}}
	failing := ConfirmFunc(func(context.Context, VMInfo, []UpdateRecord) (bool, error) {
		return false, errors.New("operator unreachable")
	})
	s := runWorkflow(src, failing)

	assert.Equal(t, StatusUserDeclined, s.Status)
	assert.Empty(t, src.installs)
	r, _ := s.StageResult(StageConfirm)
	assert.Equal(t, models.StageFailed, r.Outcome)
}

func TestWorkflowRebootInstallNonZeroExitIsError(t *testing.T) {
	src := &fakeSource{
		discover: []UpdateRecord{kb2},
		results:  map[bool]InstallResult{true: {Stdout: "Downloading", Stderr: "0x80240022", ExitCode: 1}},
	}
	s := runWorkflow(src, nil)

	assert.Equal(t, StatusError, s.Status)
	r, _ := s.StageResult(StageInstallReboot)
	assert.Equal(t, models.StageFailed, r.Outcome)
	assert.Contains(t, r.Error, "0x80240022")
}

func TestWorkflowRebootInstallTransportFailureIsError(t *testing.T) {
	src := &fakeSource{
		discover:   []UpdateRecord{kb2},
		installErr: map[bool]error{true: errors.New("connection reset")},
	}
	s := runWorkflow(src, nil)
	assert.Equal(t, StatusError, s.Status)
}

func TestWorkflowNonRebootFailureContinues(t *testing.T) {
	src := &fakeSource{
		discover:   []UpdateRecord{kb1, kb2},
		installErr: map[bool]error{false: errors.New("timeout")},
	}
	s := runWorkflow(src, nil)

	r, _ := s.StageResult(StageInstallNonReboot)
	assert.Equal(t, models.StageFailed, r.Outcome)
	assert.Equal(t, StatusAllInstalled, s.Status, "reboot stage still runs")
	assert.Len(t, src.installs, 2)
}

func TestWorkflowRecoversPanickingStage(t *testing.T) {
	src := &fakeSource{panicOn: "discover"}
	s := runWorkflow(src, nil)

	assert.Equal(t, StatusError, s.Status)
	assert.Len(t, s.Stages, 4)
	r, _ := s.StageResult(StageCheckUpdates)
	assert.Equal(t, models.StageFailed, r.Outcome)
}

func TestWorkflowIsTotal(t *testing.T) {
	sources := []UpdateSource{
		&fakeSource{discover: []UpdateRecord{}},
		&fakeSource{discover: []UpdateRecord{kb1}},
		&fakeSource{discover: []UpdateRecord{kb2}},
		&fakeSource{discover: []UpdateRecord{kb1, kb2}, installErr: map[bool]error{false: errors.New("x"), true: errors.New("y")}},
		&fakeSource{discoverErr: errors.New("parse")},
		unsupportedSource{err: &ErrUnsupportedOS{OS: "plan9"}},
	}
	valid := map[Status]bool{
		StatusUpToDate: true, StatusUpdatesFound: true, StatusUserAccepted: true,
		StatusUserDeclined: true, StatusAllInstalled: true, StatusError: true,
	}
	for i, src := range sources {
		for _, c := range []Confirmer{AutoAccept, DeclineReboots} {
			s := runWorkflow(src, c)
			assert.NotEmpty(t, s.Log, "source %d", i)
			assert.True(t, valid[s.Status], "source %d: status %q", i, s.Status)
			assert.Len(t, s.Stages, 4, "source %d", i)
		}
	}
}

func TestCheckUpdatesOverwritesPriorLists(t *testing.T) {
	src := &fakeSource{discover: []UpdateRecord{kb1, kb2}}
	w := NewWorkflow(src, nil, time.Minute, nil)
	s := NewState("run", testVM, nil)

	w.CheckUpdates(context.Background(), s)
	require.Len(t, s.RebootUpdates, 1)

	src.discover = []UpdateRecord{{Title: "KB3", KB: "KB3"}}
	w.CheckUpdates(context.Background(), s)
	assert.Empty(t, s.RebootUpdates)
	assert.Equal(t, []UpdateRecord{{Title: "KB3", KB: "KB3"}}, s.NoRebootUpdates)

	src.discoverErr = errors.New("gone")
	w.CheckUpdates(context.Background(), s)
	assert.Empty(t, s.NoRebootUpdates)
	assert.Equal(t, StatusError, s.Status)
}

func TestLogOnlyGrowsAndObserverSeesEveryLine(t *testing.T) {
	var seen []string
	s := NewState("run", testVM, func(line string) { seen = append(seen, line) })
	w := NewWorkflow(&fakeSource{discover: []UpdateRecord{kb1, kb2}}, nil, time.Minute, nil)

	prev := 0
	for _, stage := range w.Stages() {
		w.runStage(context.Background(), stage, s)
		assert.GreaterOrEqual(t, len(s.Log), prev)
		prev = len(s.Log)
	}
	assert.Equal(t, s.Log, seen)
}

func TestStageTimeoutApplied(t *testing.T) {
	var deadline time.Time
	src := &deadlineSource{seen: &deadline}
	NewWorkflow(src, nil, 50*time.Millisecond, nil).Run(context.Background(), NewState("run", testVM, nil))
	require.False(t, deadline.IsZero())
	assert.WithinDuration(t, time.Now(), deadline, time.Second)
}

type deadlineSource struct {
	fakeSource
	seen *time.Time
}

func (d *deadlineSource) Discover(ctx context.Context, _ models.Credentials) ([]UpdateRecord, error) {
	*d.seen, _ = ctx.Deadline()
	return nil, nil
}

func TestPartitionPreservesOrder(t *testing.T) {
	in := []UpdateRecord{
		{KB: "A", RebootRequired: true},
		{KB: "B"},
		{KB: "C", RebootRequired: true},
		{KB: "D"},
	}
	reboot, noReboot := Partition(in)
	assert.Equal(t, []UpdateRecord{in[0], in[2]}, reboot)
	assert.Equal(t, []UpdateRecord{in[1], in[3]}, noReboot)
	assert.Len(t, append(reboot, noReboot...), len(in))
}

func TestStateResponse(t *testing.T) {
	s := runWorkflow(&fakeSource{discover: []UpdateRecord{}}, nil)
	resp := s.Response()
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "up_to_date", resp.Status)
	assert.Equal(t, s.Log, resp.Log)
	assert.Contains(t, resp.Meta, "host=10.0.0.5")
	assert.Len(t, resp.Stages, 4)
}
