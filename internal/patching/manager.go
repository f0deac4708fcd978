package patching

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/voicetask/internal/audit"
	"github.com/breeze-rmm/voicetask/internal/history"
	"github.com/breeze-rmm/voicetask/internal/logging"
)

// Auditor records run events. *audit.Logger satisfies it.
type Auditor interface {
	Log(eventType, runID, host string, details map[string]any)
}

// Recorder stores run summaries. *history.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, r history.Run) error
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Confirmer    Confirmer
	StageTimeout time.Duration
	Concurrency  int
	Audit        Auditor
	History      Recorder
}

// Manager routes patch runs to the update source for each target's OS.
type Manager struct {
	sources     []UpdateSource
	sourceIndex map[string]UpdateSource
	opts        ManagerOptions
	logger      *zap.Logger
}

// NewManager creates a Manager. Later sources win when two serve the same
// platform.
func NewManager(opts ManagerOptions, logger *zap.Logger, sources ...UpdateSource) *Manager {
	index := make(map[string]UpdateSource, len(sources))
	for _, source := range sources {
		for _, platform := range source.Platforms() {
			index[platform] = source
		}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Confirmer == nil {
		opts.Confirmer = AutoAccept
	}
	return &Manager{
		sources:     sources,
		sourceIndex: index,
		opts:        opts,
		logger:      logging.OrNop(logger).Named("patching"),
	}
}

// SourceFor returns the source serving osHint.
func (m *Manager) SourceFor(osHint string) (UpdateSource, error) {
	platform := NormalizeOS(osHint)
	source, ok := m.sourceIndex[platform]
	if !ok {
		return nil, &ErrUnsupportedOS{OS: platform}
	}
	return source, nil
}

// Run executes the full workflow against vm. It never fails: problems are
// reported through the returned State.
func (m *Manager) Run(ctx context.Context, vm VMInfo, onLog ProgressCallback) *State {
	runID := uuid.NewString()
	state := NewState(runID, vm, onLog)
	started := time.Now()

	source, err := m.SourceFor(vm.OS)
	if err != nil {
		source = unsupportedSource{err: err}
	}

	logger := m.logger.With(zap.String(logging.KeyRunID, runID), zap.String(logging.KeyHost, vm.Host))
	logger.Info("patch run started", zap.String("source", source.ID()))
	m.audit(audit.EventPatchStarted, runID, vm.Host, map[string]any{
		"username": vm.Username,
		"os":       NormalizeOS(vm.OS),
		"source":   source.ID(),
	})

	state.Logf("Patch flow triggered.")
	NewWorkflow(source, m.opts.Confirmer, m.opts.StageTimeout, logger).Run(ctx, state)

	for _, st := range state.Stages {
		details := map[string]any{"stage": st.Stage, "outcome": string(st.Outcome)}
		if st.Error != "" {
			details["error"] = st.Error
		}
		m.audit(audit.EventPatchStage, runID, vm.Host, details)
	}
	m.audit(audit.EventPatchFinished, runID, vm.Host, map[string]any{
		"status":          string(state.Status),
		"rebootUpdates":   len(state.RebootUpdates),
		"noRebootUpdates": len(state.NoRebootUpdates),
	})

	if m.opts.History != nil {
		run := history.Run{
			ID:        runID,
			Kind:      history.KindPatch,
			Host:      vm.Host,
			Username:  vm.Username,
			Transport: source.ID(),
			Status:    string(state.Status),
			Summary:   state.Meta(),
			StartedAt: started,
			Duration:  time.Since(started),
		}
		// the run context may already be cancelled; the summary is still worth keeping
		if err := m.opts.History.Record(context.WithoutCancel(ctx), run); err != nil {
			logger.Warn("failed to record patch run", zap.Error(err))
		}
	}

	logger.Info("patch run finished",
		zap.String("status", string(state.Status)),
		zap.Duration("duration", time.Since(started)),
	)
	return state
}

// FleetResult pairs a target with its finished run.
type FleetResult struct {
	VM    VMInfo
	State *State
}

// RunFleet runs independent workflows for every target with bounded
// concurrency. Results keep input order.
func (m *Manager) RunFleet(ctx context.Context, vms []VMInfo, onLog FleetProgressCallback) []FleetResult {
	results := make([]FleetResult, len(vms))

	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for i, vm := range vms {
		g.Go(func() error {
			var cb ProgressCallback
			if onLog != nil {
				host := vm.Host
				cb = func(line string) { onLog(host, line) }
			}
			results[i] = FleetResult{VM: vm, State: m.Run(ctx, vm, cb)}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("fleet run finished", zap.Int("targets", len(vms)), zap.String("summary", fleetSummary(results)))
	return results
}

func fleetSummary(results []FleetResult) string {
	counts := map[Status]int{}
	for _, r := range results {
		counts[r.State.Status]++
	}
	var out string
	for _, st := range []Status{StatusAllInstalled, StatusUpToDate, StatusUpdatesFound, StatusUserAccepted, StatusUserDeclined, StatusError} {
		if counts[st] == 0 {
			continue
		}
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", st, counts[st])
	}
	return out
}

func (m *Manager) audit(event, runID, host string, details map[string]any) {
	if m.opts.Audit != nil {
		m.opts.Audit.Log(event, runID, host, details)
	}
}
