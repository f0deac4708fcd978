package patching

import (
	"fmt"
	"strings"

	"github.com/breeze-rmm/voicetask/pkg/models"
)

// State is the record every workflow stage reads and updates. A State
// belongs to one run and is never shared or persisted.
type State struct {
	RunID           string
	VM              VMInfo
	Status          Status
	RebootUpdates   []UpdateRecord
	NoRebootUpdates []UpdateRecord
	Log             []string
	Stages          []models.StageResult

	onLog ProgressCallback
}

// NewState seeds a run for vm. onLog may be nil.
func NewState(runID string, vm VMInfo, onLog ProgressCallback) *State {
	return &State{
		RunID:           runID,
		VM:              vm,
		Status:          StatusEmpty,
		RebootUpdates:   []UpdateRecord{},
		NoRebootUpdates: []UpdateRecord{},
		Log:             []string{},
		onLog:           onLog,
	}
}

// Logf appends a formatted line and notifies the observer.
func (s *State) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	s.Log = append(s.Log, line)
	if s.onLog != nil {
		s.onLog(line)
	}
}

func (s *State) record(stage string, outcome models.StageOutcome, err error) {
	r := models.StageResult{Stage: stage, Outcome: outcome}
	if err != nil {
		r.Error = err.Error()
	}
	s.Stages = append(s.Stages, r)
}

// StageResult returns the last recorded result for stage.
func (s *State) StageResult(stage string) (models.StageResult, bool) {
	for i := len(s.Stages) - 1; i >= 0; i-- {
		if s.Stages[i].Stage == stage {
			return s.Stages[i], true
		}
	}
	return models.StageResult{}, false
}

// Meta is a one-line summary of the run.
func (s *State) Meta() string {
	return fmt.Sprintf("host=%s os=%s status=%s reboot_updates=%d no_reboot_updates=%d",
		s.VM.Host, NormalizeOS(s.VM.OS), s.Status, len(s.RebootUpdates), len(s.NoRebootUpdates))
}

// Response converts the state into the API shape.
func (s *State) Response() models.PatchResponse {
	stages := make([]models.StageResult, len(s.Stages))
	copy(stages, s.Stages)
	log := make([]string, len(s.Log))
	copy(log, s.Log)
	return models.PatchResponse{
		RunID:  s.RunID,
		Log:    log,
		Meta:   s.Meta(),
		Status: string(s.Status),
		Stages: stages,
	}
}

func labels(updates []UpdateRecord) string {
	out := make([]string, len(updates))
	for i, u := range updates {
		out[i] = u.Label()
	}
	return strings.Join(out, ", ")
}
