package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/twinshift/twinshift/internal/config"
)

const FileName = "state.yaml"

// Path returns the state file for a project root.
func Path(root string) string {
	return filepath.Join(root, config.StateDir, FileName)
}

// Phase is a workflow phase.
type Phase string

const (
	PhaseDiscover Phase = "discover"
	PhaseBaseline Phase = "baseline"
	PhaseMigrate  Phase = "migrate"
	PhaseSetup    Phase = "setup"
	PhaseVerify   Phase = "verify"
	PhaseCompare  Phase = "compare"
	PhaseReport   Phase = "report"
	PhaseDone     Phase = "done"
	PhaseFailed   Phase = "failed"
)

// Order lists the non-terminal phases in execution order.
var Order = []Phase{PhaseDiscover, PhaseBaseline, PhaseMigrate, PhaseSetup, PhaseVerify, PhaseCompare, PhaseReport}

// Trigger is the outcome of a phase.
type Trigger string

const (
	TriggerOK    Trigger = "ok"
	TriggerSkip  Trigger = "skip"
	TriggerFatal Trigger = "fatal"
)

// Transitions is the workflow table. A (phase, trigger) pair missing from
// it is not a legal move.
var Transitions = map[Phase]map[Trigger]Phase{
	PhaseDiscover: {TriggerOK: PhaseBaseline, TriggerFatal: PhaseFailed},
	PhaseBaseline: {TriggerOK: PhaseMigrate, TriggerSkip: PhaseMigrate, TriggerFatal: PhaseFailed},
	PhaseMigrate:  {TriggerOK: PhaseSetup, TriggerFatal: PhaseFailed},
	PhaseSetup:    {TriggerOK: PhaseVerify, TriggerSkip: PhaseVerify, TriggerFatal: PhaseFailed},
	PhaseVerify:   {TriggerOK: PhaseCompare, TriggerFatal: PhaseFailed},
	PhaseCompare:  {TriggerOK: PhaseReport, TriggerSkip: PhaseReport, TriggerFatal: PhaseFailed},
	PhaseReport:   {TriggerOK: PhaseDone, TriggerFatal: PhaseFailed},
}

// Next looks up the phase that follows p on trigger t.
func Next(p Phase, t Trigger) (Phase, error) {
	next, ok := Transitions[p][t]
	if !ok {
		return "", fmt.Errorf("no transition from %s on %s", p, t)
	}
	return next, nil
}

// Terminal reports whether p ends the workflow.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// PhaseState records how a phase ended.
type PhaseState struct {
	Status      string    `yaml:"status" json:"status"` // complete, skipped, failed
	CompletedAt time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	Detail      string    `yaml:"detail,omitempty" json:"detail,omitempty"`
}

// State holds workflow progress.
type State struct {
	Current     Phase                `yaml:"current"`
	StartedAt   time.Time            `yaml:"started_at"`
	LastUpdated time.Time            `yaml:"last_updated"`
	Phases      map[Phase]PhaseState `yaml:"phases,omitempty"`

	// Latest evidence directory per runtime id.
	Evidence map[string]string `yaml:"evidence,omitempty"`
	// Baseline evidence per runtime id, from before migration.
	Baseline map[string]string `yaml:"baseline,omitempty"`

	ReportJSON string `yaml:"report_json,omitempty"`
	ReportText string `yaml:"report_text,omitempty"`
	Failure    string `yaml:"failure,omitempty"`
}

// New creates a fresh state at the first phase.
func New() *State {
	now := time.Now()
	return &State{
		Current:     PhaseDiscover,
		StartedAt:   now,
		LastUpdated: now,
		Phases:      make(map[Phase]PhaseState),
		Evidence:    make(map[string]string),
		Baseline:    make(map[string]string),
	}
}

// Load reads state from disk. A missing file yields a fresh state.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	s := &State{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	if s.Current == "" {
		s.Current = PhaseDiscover
	}
	if s.Phases == nil {
		s.Phases = make(map[Phase]PhaseState)
	}
	if s.Evidence == nil {
		s.Evidence = make(map[string]string)
	}
	if s.Baseline == nil {
		s.Baseline = make(map[string]string)
	}
	return s, nil
}

// Save writes state to disk.
func (s *State) Save(path string) error {
	s.LastUpdated = time.Now()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return os.Rename(tmp, path)
}

// Advance records how the current phase ended and moves along the table.
func (s *State) Advance(t Trigger, detail string) (Phase, error) {
	next, err := Next(s.Current, t)
	if err != nil {
		return "", err
	}
	status := "complete"
	switch t {
	case TriggerSkip:
		status = "skipped"
	case TriggerFatal:
		status = "failed"
		s.Failure = detail
	}
	s.Phases[s.Current] = PhaseState{Status: status, CompletedAt: time.Now(), Detail: detail}
	s.Current = next
	return next, nil
}

// Reset starts the workflow over. Evidence pointers are kept.
func (s *State) Reset() {
	s.Current = PhaseDiscover
	s.StartedAt = time.Now()
	s.Phases = make(map[Phase]PhaseState)
	s.Failure = ""
}

// IsComplete reports whether phase p finished, either done or skipped.
func (s *State) IsComplete(p Phase) bool {
	ps, ok := s.Phases[p]
	return ok && (ps.Status == "complete" || ps.Status == "skipped")
}
