package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/twinshift/twinshift/internal/runner"
	"github.com/twinshift/twinshift/internal/state"
	"github.com/twinshift/twinshift/internal/ws"
)

// PhaseEvent is published on every phase change.
type PhaseEvent struct {
	Phase   state.Phase   `json:"phase"`
	Trigger state.Trigger `json:"trigger,omitempty"`
	Next    state.Phase   `json:"next,omitempty"`
	Detail  string        `json:"detail,omitempty"`
}

// Run executes the whole workflow from discovery to the report. Each run
// starts over; only a catalog that yields no usable rule, or a project
// that cannot be walked, ends it in the failed phase.
func (e *Engine) Run(ctx context.Context) error {
	st, err := e.LoadState()
	if err != nil {
		return err
	}
	e.mu.Lock()
	st.Reset()
	e.forget()
	e.mu.Unlock()
	if err := e.SaveState(); err != nil {
		return err
	}

	for {
		e.mu.Lock()
		phase := st.Current
		e.mu.Unlock()
		if phase.Terminal() {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		e.hub.Publish(ws.MsgPhaseChanged, PhaseEvent{Phase: phase})
		e.Logger.Info("phase started", "phase", phase)

		trigger, detail, err := e.step(ctx, phase)
		if err != nil && ctx.Err() != nil {
			_ = e.SaveState()
			return ctx.Err()
		}

		e.mu.Lock()
		next, aerr := st.Advance(trigger, detail)
		e.mu.Unlock()
		if aerr != nil {
			return aerr
		}
		if err := e.SaveState(); err != nil {
			return err
		}
		e.hub.Publish(ws.MsgPhaseChanged, PhaseEvent{Phase: phase, Trigger: trigger, Next: next, Detail: detail})
		e.Logger.Info("phase finished", "phase", phase, "trigger", trigger, "next", next, "detail", detail)
	}

	e.mu.Lock()
	failed, failure := st.Current == state.PhaseFailed, st.Failure
	e.mu.Unlock()
	if failed {
		return fmt.Errorf("workflow failed: %s", failure)
	}
	return nil
}

// step runs one phase and names the trigger it ends with. Only context
// errors are returned together with a non-fatal trigger.
func (e *Engine) step(ctx context.Context, phase state.Phase) (state.Trigger, string, error) {
	switch phase {
	case state.PhaseDiscover:
		if _, err := e.Catalog(); err != nil {
			return state.TriggerFatal, err.Error(), err
		}
		files, err := e.Discover(ctx)
		if err != nil {
			return state.TriggerFatal, err.Error(), err
		}
		return state.TriggerOK, fmt.Sprintf("%d files", len(files)), nil

	case state.PhaseBaseline:
		if !e.Config.Tests.Baseline {
			return state.TriggerSkip, "tests.baseline is off", nil
		}
		res, err := e.Baseline(ctx)
		if err != nil {
			return state.TriggerOK, err.Error(), err
		}
		return state.TriggerOK, runDetail(res), nil

	case state.PhaseMigrate:
		e.mu.Lock()
		files := e.files
		e.mu.Unlock()
		if len(files) == 0 {
			return state.TriggerOK, "no candidate files", nil
		}
		paths := make([]string, len(files))
		for i, f := range files {
			paths[i] = f.Abs
		}
		sum, err := e.Migrate(ctx, paths, false)
		if err != nil {
			return state.TriggerOK, err.Error(), err
		}
		return state.TriggerOK, fmt.Sprintf("%d files, %d changed", len(sum.Files), len(sum.Changed())), nil

	case state.PhaseSetup:
		if len(e.Config.Tests.SetupSQL) == 0 {
			return state.TriggerSkip, "no setup statements", nil
		}
		results, err := e.Setup(ctx)
		if err != nil {
			return state.TriggerOK, err.Error(), err
		}
		return state.TriggerOK, fmt.Sprintf("%d statements", len(results)), nil

	case state.PhaseVerify:
		pair, err := e.Verify(ctx)
		if err != nil {
			return state.TriggerOK, err.Error(), err
		}
		return state.TriggerOK, runDetail(pair.Old) + "; " + runDetail(pair.New), nil

	case state.PhaseCompare:
		results, err := e.Compare(ctx)
		if errors.Is(err, ErrNoEvidence) {
			return state.TriggerSkip, err.Error(), nil
		}
		if err != nil {
			return state.TriggerOK, err.Error(), err
		}
		matched := 0
		for _, r := range results {
			if r.Match {
				matched++
			}
		}
		return state.TriggerOK, fmt.Sprintf("%d/%d artifacts match", matched, len(results)), nil

	case state.PhaseReport:
		r, err := e.Report(ctx)
		if err != nil {
			return state.TriggerFatal, err.Error(), err
		}
		if r.Ready {
			return state.TriggerOK, "ready", nil
		}
		return state.TriggerOK, "not ready", nil
	}
	return state.TriggerFatal, "unknown phase " + string(phase), fmt.Errorf("unknown phase %q", phase)
}

func runDetail(r *runner.Result) string {
	if r == nil {
		return "no result"
	}
	s := fmt.Sprintf("%s %s", r.Runtime, r.Status)
	if r.Reason != "" {
		s += " (" + r.Reason + ")"
	}
	return s
}
