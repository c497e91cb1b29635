package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/twinshift/twinshift/internal/guard"
	"github.com/twinshift/twinshift/internal/migration"
)

// Prompter runs one prompt at a time on a terminal. It implements both
// guard.Approver and migration.Confirmer.
type Prompter struct {
	mu   sync.Mutex
	opts []tea.ProgramOption
}

// NewPrompter prompts on in and out. Nil values use the process terminal.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	var opts []tea.ProgramOption
	if in != nil {
		opts = append(opts, tea.WithInput(in))
	}
	if out != nil {
		opts = append(opts, tea.WithOutput(out))
	}
	return &Prompter{opts: opts}
}

func (p *Prompter) run(ctx context.Context, m tea.Model) (tea.Model, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := append([]tea.ProgramOption{tea.WithContext(ctx)}, p.opts...)
	final, err := tea.NewProgram(m, opts...).Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil, fmt.Errorf("%w: prompt interrupted", guard.ErrMalformed)
		}
		return nil, fmt.Errorf("running prompt: %w", err)
	}
	return final, nil
}

// Approve shows an approval prompt and blocks until it is answered or ctx
// ends.
func (p *Prompter) Approve(ctx context.Context, req guard.ApprovalRequest) (guard.Decision, error) {
	final, err := p.run(ctx, NewApprovalModel(req))
	if err != nil {
		return guard.Decision{}, err
	}
	return final.(ApprovalModel).Decision(), nil
}

// Confirm asks whether an incompatible rewrite may be applied.
func (p *Prompter) Confirm(ctx context.Context, req migration.ConfirmRequest) (bool, error) {
	final, err := p.run(ctx, NewConfirmModel(req))
	if err != nil {
		return false, err
	}
	return final.(ConfirmModel).Accepted(), nil
}
