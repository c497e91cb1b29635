package state

import (
	"path/filepath"
	"testing"
)

func TestTransitionsWalk(t *testing.T) {
	s := New()
	triggers := []Trigger{TriggerOK, TriggerSkip, TriggerOK, TriggerSkip, TriggerOK, TriggerOK, TriggerOK}
	for _, trig := range triggers {
		if _, err := s.Advance(trig, ""); err != nil {
			t.Fatalf("Advance(%s) at %s: %v", trig, s.Current, err)
		}
	}
	if s.Current != PhaseDone {
		t.Fatalf("Current = %q, want %q", s.Current, PhaseDone)
	}
	if s.Phases[PhaseBaseline].Status != "skipped" {
		t.Errorf("baseline status = %q, want skipped", s.Phases[PhaseBaseline].Status)
	}
	for _, p := range Order {
		if !s.IsComplete(p) {
			t.Errorf("phase %s not complete", p)
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	if _, err := Next(PhaseDiscover, TriggerSkip); err == nil {
		t.Error("discover cannot be skipped")
	}
	if _, err := Next(PhaseMigrate, TriggerSkip); err == nil {
		t.Error("migrate cannot be skipped")
	}
	if _, err := Next(PhaseDone, TriggerOK); err == nil {
		t.Error("done is terminal")
	}
}

func TestFatalRecordsFailure(t *testing.T) {
	s := New()
	next, err := s.Advance(TriggerFatal, "catalog has no usable rules")
	if err != nil {
		t.Fatal(err)
	}
	if next != PhaseFailed || !next.Terminal() {
		t.Errorf("next = %q, want failed", next)
	}
	if s.Failure != "catalog has no usable rules" {
		t.Errorf("Failure = %q", s.Failure)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".twinshift", FileName)

	fresh, err := Load(path)
	if err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	if fresh.Current != PhaseDiscover {
		t.Errorf("Current = %q, want discover", fresh.Current)
	}

	fresh.Advance(TriggerOK, "12 files")
	fresh.Evidence["pandas-1.1"] = "/runs/pandas-1.1/x"
	if err := fresh.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Current != PhaseBaseline {
		t.Errorf("Current = %q, want baseline", loaded.Current)
	}
	if loaded.Phases[PhaseDiscover].Detail != "12 files" {
		t.Errorf("detail = %q", loaded.Phases[PhaseDiscover].Detail)
	}
	if loaded.Evidence["pandas-1.1"] != "/runs/pandas-1.1/x" {
		t.Errorf("evidence = %v", loaded.Evidence)
	}

	loaded.Reset()
	if loaded.Current != PhaseDiscover || len(loaded.Phases) != 0 || len(loaded.Evidence) != 1 {
		t.Errorf("unexpected state after reset: %+v", loaded)
	}
}
