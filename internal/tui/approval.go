package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/twinshift/twinshift/internal/guard"
)

// ApprovalModel asks whether one mutating operation may run. y approves;
// n asks for an optional reason and then denies.
type ApprovalModel struct {
	req       guard.ApprovalRequest
	reason    textinput.Model
	asking    bool
	approved  bool
	done      bool
	cancelled bool
	width     int
}

// NewApprovalModel creates an approval prompt for req.
func NewApprovalModel(req guard.ApprovalRequest) ApprovalModel {
	ti := textinput.New()
	ti.Placeholder = "reason (optional)"
	ti.CharLimit = 200
	ti.Width = 60
	return ApprovalModel{req: req, reason: ti, width: 100}
}

func (m ApprovalModel) Init() tea.Cmd {
	return nil
}

func (m ApprovalModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.done, m.cancelled = true, true
			return m, tea.Quit
		}
		if m.asking {
			switch msg.Type {
			case tea.KeyEnter:
				m.done = true
				return m, tea.Quit
			case tea.KeyEsc:
				m.asking = false
				m.reason.Blur()
				m.reason.SetValue("")
				return m, nil
			}
			var cmd tea.Cmd
			m.reason, cmd = m.reason.Update(msg)
			return m, cmd
		}
		switch msg.String() {
		case "y", "Y":
			m.approved, m.done = true, true
			return m, tea.Quit
		case "n", "N":
			m.asking = true
			cmd := m.reason.Focus()
			return m, cmd
		case "q", "esc":
			m.done, m.cancelled = true, true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m ApprovalModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Approval required"))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("  Operation: %s\n", highlightStyle.Render(string(m.req.Op))))
	targets := strings.Join(m.req.Targets, ", ")
	if targets == "" {
		targets = "unknown target"
	}
	b.WriteString(fmt.Sprintf("  Targets:   %s\n", targets))
	b.WriteString(fmt.Sprintf("  Event:     %s\n\n", dimStyle.Render(m.req.EventID)))
	b.WriteString(codeStyle.Render(m.req.Excerpt))
	b.WriteString("\n\n")

	switch {
	case m.done && m.approved:
		b.WriteString(successStyle.Render("  Approved"))
	case m.done:
		b.WriteString(errStyle.Render("  Denied"))
	case m.asking:
		b.WriteString("  " + m.reason.View() + "\n\n")
		b.WriteString(dimStyle.Render("  enter: deny  esc: back"))
	default:
		b.WriteString(errStyle.Render("  This operation changes data."))
		b.WriteString("\n\n")
		b.WriteString(dimStyle.Render("  y: approve  n: deny  q: cancel (deny)"))
	}
	b.WriteString("\n")
	return b.String()
}

// Done returns true when the model is finished.
func (m ApprovalModel) Done() bool {
	return m.done
}

// Cancelled returns true if the user quit without answering.
func (m ApprovalModel) Cancelled() bool {
	return m.cancelled
}

// Decision returns the answer. Anything but an explicit y is a denial.
func (m ApprovalModel) Decision() guard.Decision {
	d := guard.Decision{Approved: m.approved && !m.cancelled, Approver: "tui"}
	if !d.Approved {
		d.Comment = strings.TrimSpace(m.reason.Value())
		if m.cancelled && d.Comment == "" {
			d.Comment = "cancelled"
		}
	}
	return d
}
