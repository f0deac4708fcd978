package patching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/internal/logging"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

// Stage names, in execution order.
const (
	StageCheckUpdates     = "check_updates"
	StageInstallNonReboot = "install_non_reboot"
	StageConfirm          = "confirm"
	StageInstallReboot    = "install_reboot"
)

// DefaultStageTimeout bounds each stage's remote work.
const DefaultStageTimeout = 2 * time.Hour

// Stage is one step of the workflow.
type Stage struct {
	Name string
	Run  func(ctx context.Context, s *State)
}

// Workflow runs the fixed four-stage patch pipeline against one source.
type Workflow struct {
	source       UpdateSource
	confirmer    Confirmer
	stageTimeout time.Duration
	logger       *zap.Logger
}

// NewWorkflow creates a Workflow. A nil confirmer accepts every request.
func NewWorkflow(source UpdateSource, confirmer Confirmer, stageTimeout time.Duration, logger *zap.Logger) *Workflow {
	if confirmer == nil {
		confirmer = AutoAccept
	}
	if stageTimeout <= 0 {
		stageTimeout = DefaultStageTimeout
	}
	return &Workflow{
		source:       source,
		confirmer:    confirmer,
		stageTimeout: stageTimeout,
		logger:       logging.OrNop(logger).Named("patching"),
	}
}

// Stages returns the pipeline in order.
func (w *Workflow) Stages() []Stage {
	return []Stage{
		{Name: StageCheckUpdates, Run: w.CheckUpdates},
		{Name: StageInstallNonReboot, Run: w.InstallNonReboot},
		{Name: StageConfirm, Run: w.Confirm},
		{Name: StageInstallReboot, Run: w.InstallReboot},
	}
}

// Run executes every stage in order. It always returns s with a defined
// Status and a non-empty Log.
func (w *Workflow) Run(ctx context.Context, s *State) *State {
	for _, stage := range w.Stages() {
		w.runStage(ctx, stage, s)
	}
	if s.Status == StatusEmpty {
		s.Status = StatusError
		s.Logf("Patch workflow ended without a discovery result.")
	}
	return s
}

func (w *Workflow) runStage(ctx context.Context, stage Stage, s *State) {
	stageCtx, cancel := context.WithTimeout(ctx, w.stageTimeout)
	defer cancel()

	before := len(s.Stages)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("stage panicked: %v", r)
			s.Logf("Error in %s: %v", stage.Name, err)
			if stage.Name == StageCheckUpdates {
				s.Status = StatusError
			}
			s.record(stage.Name, models.StageFailed, err)
			w.logger.Error("patch stage panicked", zap.String(logging.KeyStage, stage.Name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	stage.Run(stageCtx, s)
	if len(s.Stages) == before {
		s.record(stage.Name, models.StageOK, nil)
	}
	w.logger.Debug("patch stage finished",
		zap.String(logging.KeyHost, s.VM.Host),
		zap.String(logging.KeyStage, stage.Name),
		zap.String("outcome", string(s.Stages[len(s.Stages)-1].Outcome)),
		zap.Duration("duration", time.Since(start)),
	)
}

// CheckUpdates queries the target and partitions what it reports. Prior
// lists are replaced; on failure they are reset to empty.
func (w *Workflow) CheckUpdates(ctx context.Context, s *State) {
	s.Logf("Checking for available updates on %s...", s.VM.Host)

	updates, err := w.source.Discover(ctx, s.VM.Credentials())
	if err != nil {
		s.RebootUpdates = []UpdateRecord{}
		s.NoRebootUpdates = []UpdateRecord{}
		s.Status = StatusError
		s.Logf("Error checking updates: %v", err)
		s.record(StageCheckUpdates, models.StageFailed, err)
		return
	}

	s.RebootUpdates, s.NoRebootUpdates = Partition(updates)
	if len(updates) == 0 {
		s.Status = StatusUpToDate
		s.Logf("No updates available. System is up to date.")
		return
	}

	s.Status = StatusUpdatesFound
	s.Logf("Found %d updates: %d require reboot, %d do not.",
		len(updates), len(s.RebootUpdates), len(s.NoRebootUpdates))
}

// InstallNonReboot installs updates that do not need a restart. Failures
// are logged and recorded; the pipeline continues.
func (w *Workflow) InstallNonReboot(ctx context.Context, s *State) {
	if len(s.NoRebootUpdates) == 0 {
		s.Logf("No non-reboot updates to install.")
		s.record(StageInstallNonReboot, models.StageSkipped, nil)
		return
	}

	s.Logf("Installing %d non-reboot updates: %s", len(s.NoRebootUpdates), labels(s.NoRebootUpdates))
	res, err := w.source.Install(ctx, s.VM.Credentials(), s.NoRebootUpdates, false)
	if err != nil {
		s.Logf("Error installing non-reboot updates: %v", err)
		s.record(StageInstallNonReboot, models.StageFailed, err)
		return
	}
	logOutput(s, "Non-reboot install output", res.Stdout)
	if res.ExitCode != 0 {
		err := exitError(res)
		s.Logf("Non-reboot install failed: %v", err)
		s.record(StageInstallNonReboot, models.StageFailed, err)
		return
	}
	s.Logf("Non-reboot updates installed.")
}

// Confirm asks the Confirmer whether reboot-required updates may proceed.
func (w *Workflow) Confirm(ctx context.Context, s *State) {
	if len(s.RebootUpdates) == 0 {
		s.Logf("No reboot-required updates; confirmation not needed.")
		s.record(StageConfirm, models.StageSkipped, nil)
		return
	}

	ok, err := w.confirmer.Confirm(ctx, s.VM, s.RebootUpdates)
	if err != nil {
		s.Status = StatusUserDeclined
		s.Logf("Confirmation failed, treating as declined: %v", err)
		s.record(StageConfirm, models.StageFailed, err)
		return
	}
	if !ok {
		s.Status = StatusUserDeclined
		s.Logf("Installation of %d reboot-required updates was declined.", len(s.RebootUpdates))
		return
	}
	s.Status = StatusUserAccepted
	s.Logf("Installation of %d reboot-required updates accepted. Proceeding.", len(s.RebootUpdates))
}

// InstallReboot installs reboot-required updates with automatic restart.
// Status becomes all_installed only when the remote command exits 0.
func (w *Workflow) InstallReboot(ctx context.Context, s *State) {
	if s.Status == StatusUserDeclined {
		s.Logf("Reboot-required updates were declined; skipping installation.")
		s.record(StageInstallReboot, models.StageSkipped, nil)
		return
	}
	if len(s.RebootUpdates) == 0 {
		s.Logf("No reboot-required updates to install.")
		s.record(StageInstallReboot, models.StageSkipped, nil)
		return
	}

	s.Logf("Installing %d reboot-required updates with automatic reboot: %s", len(s.RebootUpdates), labels(s.RebootUpdates))
	res, err := w.source.Install(ctx, s.VM.Credentials(), s.RebootUpdates, true)
	if err != nil {
		s.Status = StatusError
		s.Logf("Error installing reboot-required updates: %v", err)
		s.record(StageInstallReboot, models.StageFailed, err)
		return
	}
	logOutput(s, "Reboot install output", res.Stdout)
	if res.ExitCode != 0 {
		err := exitError(res)
		s.Status = StatusError
		s.Logf("Reboot-required install failed: %v", err)
		s.record(StageInstallReboot, models.StageFailed, err)
		return
	}
	s.Status = StatusAllInstalled
	s.Logf("All updates installed. The system will reboot to complete installation.")
}

func logOutput(s *State, label, out string) {
	out = strings.TrimSpace(out)
	if out == "" {
		return
	}
	s.Logf("%s:\n%s", label, out)
}

func exitError(res InstallResult) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = "no error output"
	}
	return fmt.Errorf("exit code %d: %s", res.ExitCode, msg)
}

// unsupportedSource fails discovery so the pipeline still runs to the end
// with status error.
type unsupportedSource struct {
	err error
}

func (u unsupportedSource) ID() string          { return "unsupported" }
func (u unsupportedSource) Name() string        { return "Unsupported" }
func (u unsupportedSource) Platforms() []string { return nil }

func (u unsupportedSource) Discover(context.Context, models.Credentials) ([]UpdateRecord, error) {
	return nil, u.err
}

func (u unsupportedSource) Install(context.Context, models.Credentials, []UpdateRecord, bool) (InstallResult, error) {
	return InstallResult{}, errors.New("install attempted without a supported source")
}
