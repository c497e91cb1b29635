package tui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/twinshift/twinshift/internal/guard"
	"github.com/twinshift/twinshift/internal/migration"
)

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func sampleRequest() guard.ApprovalRequest {
	return guard.ApprovalRequest{EventID: "ev-1", Op: guard.OpDelete, Excerpt: "DROP TABLE prices", Targets: []string{"prices"}}
}

func TestApprovalModel_Approve(t *testing.T) {
	m := NewApprovalModel(sampleRequest())
	if m.Done() {
		t.Error("should not be done initially")
	}
	result, cmd := m.Update(key("y"))
	am := result.(ApprovalModel)
	if !am.Done() || cmd == nil {
		t.Error("y should finish")
	}
	d := am.Decision()
	if !d.Approved || d.Approver != "tui" {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestApprovalModel_DenyWithReason(t *testing.T) {
	var m tea.Model = NewApprovalModel(sampleRequest())
	m, _ = m.Update(key("n"))
	if m.(ApprovalModel).Done() {
		t.Fatal("n should ask for a reason first")
	}
	for _, r := range "not on prod" {
		m, _ = m.Update(key(string(r)))
	}
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	am := m.(ApprovalModel)
	if !am.Done() {
		t.Fatal("enter should finish")
	}
	d := am.Decision()
	if d.Approved || d.Comment != "not on prod" {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestApprovalModel_EscBackFromReason(t *testing.T) {
	var m tea.Model = NewApprovalModel(sampleRequest())
	m, _ = m.Update(key("n"))
	m, _ = m.Update(key("x"))
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m, _ = m.Update(key("y"))
	d := m.(ApprovalModel).Decision()
	if !d.Approved || d.Comment != "" {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestApprovalModel_CancelDenies(t *testing.T) {
	m := NewApprovalModel(sampleRequest())
	result, _ := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	am := result.(ApprovalModel)
	if !am.Cancelled() {
		t.Error("ctrl+c should cancel")
	}
	if d := am.Decision(); d.Approved || d.Comment != "cancelled" {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestApprovalModel_View(t *testing.T) {
	view := NewApprovalModel(sampleRequest()).View()
	for _, want := range []string{"delete-class", "prices", "DROP TABLE prices", "y: approve"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestConfirmModel(t *testing.T) {
	req := migration.ConfirmRequest{File: "model.py", Line: 8, Rule: "ols", Original: "pd.ols(y=a, x=b)", Replacement: "sm.OLS(a, b).fit()"}

	tests := []struct {
		name     string
		msg      tea.KeyMsg
		accepted bool
		cancel   bool
	}{
		{"y", key("y"), true, false},
		{"enter", tea.KeyMsg{Type: tea.KeyEnter}, true, false},
		{"n", key("n"), false, false},
		{"q", key("q"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, _ := NewConfirmModel(req).Update(tt.msg)
			cm := result.(ConfirmModel)
			if !cm.Done() {
				t.Error("expected done")
			}
			if cm.Accepted() != tt.accepted {
				t.Errorf("Accepted() = %v, want %v", cm.Accepted(), tt.accepted)
			}
			if cm.Cancelled() != tt.cancel {
				t.Errorf("Cancelled() = %v, want %v", cm.Cancelled(), tt.cancel)
			}
		})
	}

	view := NewConfirmModel(req).View()
	if !strings.Contains(view, "model.py:8") || !strings.Contains(view, "+ sm.OLS(a, b).fit()") {
		t.Errorf("unexpected view:\n%s", view)
	}
}

func TestPrompterConfirm(t *testing.T) {
	p := NewPrompter(strings.NewReader("y"), &bytes.Buffer{})
	ok, err := p.Confirm(context.Background(), migration.ConfirmRequest{File: "a.py", Rule: "ols"})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !ok {
		t.Error("expected y to accept")
	}
}

func TestPrompterCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPrompter(strings.NewReader(""), &bytes.Buffer{})
	if _, err := p.Approve(ctx, sampleRequest()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
