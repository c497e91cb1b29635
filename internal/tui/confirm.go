package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/twinshift/twinshift/internal/migration"
)

// ConfirmModel asks whether an incompatible rewrite may be applied.
type ConfirmModel struct {
	req       migration.ConfirmRequest
	accepted  bool
	done      bool
	cancelled bool
}

// NewConfirmModel creates a confirmation prompt for req.
func NewConfirmModel(req migration.ConfirmRequest) ConfirmModel {
	return ConfirmModel{req: req}
}

func (m ConfirmModel) Init() tea.Cmd {
	return nil
}

func (m ConfirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "y", "Y", "enter":
			m.accepted, m.done = true, true
			return m, tea.Quit
		case "n", "N":
			m.done = true
			return m, tea.Quit
		case "q", "esc", "ctrl+c":
			m.done, m.cancelled = true, true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m ConfirmModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Incompatible rewrite"))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("  %s:%d  rule %s\n", m.req.File, m.req.Line, highlightStyle.Render(m.req.Rule)))
	if m.req.Reason != "" {
		b.WriteString(fmt.Sprintf("  %s\n", errStyle.Render(m.req.Reason)))
	}
	b.WriteString("\n")
	b.WriteString(codeStyle.Render("- " + m.req.Original))
	b.WriteString("\n")
	b.WriteString(codeStyle.Render("+ " + m.req.Replacement))
	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("  The result will not run under the old runtime."))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  y/enter: apply  n: keep original  q: keep original"))
	b.WriteString("\n")
	return b.String()
}

// Done returns true when the model is finished.
func (m ConfirmModel) Done() bool {
	return m.done
}

// Cancelled returns true if the user quit without answering.
func (m ConfirmModel) Cancelled() bool {
	return m.cancelled
}

// Accepted returns true if the rewrite may be applied.
func (m ConfirmModel) Accepted() bool {
	return m.accepted && !m.cancelled
}
