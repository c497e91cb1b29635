package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/twinshift/twinshift/internal/audit"
	"github.com/twinshift/twinshift/internal/config"
	"github.com/twinshift/twinshift/internal/issue"
)

// ApprovalState of a mutating event. It is the only field of an Event
// that changes after creation.
type ApprovalState string

const (
	StatePending  ApprovalState = "pending"
	StateApproved ApprovalState = "approved"
	StateDenied   ApprovalState = "denied"
)

// Deny reasons recorded in the audit trail.
const (
	ReasonDenied    = "denied"
	ReasonTimeout   = "timeout"
	ReasonMalformed = "malformed"
	ReasonError     = "error"
)

// Event is a detected mutating operation.
type Event struct {
	ID      string    `json:"id"`
	Op      OpType    `json:"op"`
	Text    string    `json:"text"`
	Targets []string  `json:"targets"`
	Created time.Time `json:"created"`

	mu    sync.Mutex
	state ApprovalState
}

// State returns the current approval state.
func (e *Event) State() ApprovalState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Event) resolve(s ApprovalState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StatePending {
		e.state = s
	}
}

// ApprovalRequest is what an approver is shown.
type ApprovalRequest struct {
	EventID string    `json:"event_id"`
	Op      OpType    `json:"op"`
	Excerpt string    `json:"excerpt"`
	Targets []string  `json:"targets"`
	Asked   time.Time `json:"asked"`
}

// Decision is an approver's answer. Only Approved set to true lets the
// operation run.
type Decision struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// ErrMalformed is returned by approvers when the response is neither an
// approval nor a denial.
var ErrMalformed = errors.New("malformed approval response")

// Approver blocks until a decision is made or ctx ends.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (Decision, error)
}

// DeniedError is returned when a mutating operation was not approved. The
// action did not run.
type DeniedError struct {
	EventID string
	Op      OpType
	Targets []string
	Reason  string
}

func (e *DeniedError) Error() string {
	t := strings.Join(e.Targets, ", ")
	if t == "" {
		t = "unknown target"
	}
	return fmt.Sprintf("%s operation on %s not approved (%s)", e.Op, t, e.Reason)
}

// Issue converts the error for reporting.
func (e *DeniedError) Issue() issue.Issue {
	return issue.Issue{
		Severity:    issue.SeverityError,
		Code:        issue.CodeApprovalDenied,
		Construct:   strings.Join(e.Targets, ","),
		Message:     e.Error(),
		Remediation: issue.RemediationReapprove,
	}
}

// Options configures a Guard.
type Options struct {
	Timeout      time.Duration
	ExcerptLimit int
}

// OptionsFrom reads guard options from config.
func OptionsFrom(cfg config.GuardConfig) Options {
	return Options{Timeout: cfg.ApprovalTimeout, ExcerptLimit: cfg.ExcerptLimit}
}

// Guard gates actions behind approval.
type Guard struct {
	approver Approver
	name     string
	store    audit.Store
	opts     Options
	logger   *slog.Logger
}

// New creates a guard. name identifies the approver in audit entries.
func New(approver Approver, name string, store audit.Store, opts Options, logger *slog.Logger) *Guard {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.ExcerptLimit <= 0 {
		opts.ExcerptLimit = 200
	}
	return &Guard{approver: approver, name: name, store: store, opts: opts, logger: logger}
}

// Execute classifies text and runs action only if the text is not
// mutating or an approval was recorded. The returned event is nil when no
// approval was needed.
func (g *Guard) Execute(ctx context.Context, text string, action func(ctx context.Context) error) (*Event, error) {
	return g.execute(ctx, text, Classify(text), action)
}

// ExecuteSQL is Execute for text that is sent to a database as is. A
// statement the classifier does not recognise needs approval like any
// other mutation.
func (g *Guard) ExecuteSQL(ctx context.Context, sql string, action func(ctx context.Context) error) (*Event, error) {
	return g.execute(ctx, sql, ClassifySQL(sql), action)
}

func (g *Guard) execute(ctx context.Context, text string, c Classification, action func(ctx context.Context) error) (*Event, error) {
	if !c.Mutating() {
		if action == nil {
			return nil, nil
		}
		return nil, action(ctx)
	}

	ev := &Event{
		ID:      uuid.NewString(),
		Op:      c.Op,
		Text:    text,
		Targets: c.Targets,
		Created: time.Now().UTC(),
		state:   StatePending,
	}
	excerpt := Excerpt(text, g.opts.ExcerptLimit)

	if err := g.record(ctx, ev, StatePending, "", Decision{}, excerpt); err != nil {
		return ev, fmt.Errorf("recording pending operation: %w", err)
	}
	g.logger.Info("mutating operation awaiting approval", "event", ev.ID, "op", ev.Op, "targets", ev.Targets)

	decision, reason := g.ask(ctx, ApprovalRequest{
		EventID: ev.ID,
		Op:      ev.Op,
		Excerpt: excerpt,
		Targets: ev.Targets,
		Asked:   time.Now().UTC(),
	})

	if reason != "" {
		ev.resolve(StateDenied)
		if err := g.record(context.WithoutCancel(ctx), ev, StateDenied, reason, decision, excerpt); err != nil {
			g.logger.Error("recording denial failed", "event", ev.ID, "error", err)
		}
		g.logger.Warn("mutating operation blocked", "event", ev.ID, "op", ev.Op, "reason", reason)
		return ev, &DeniedError{EventID: ev.ID, Op: ev.Op, Targets: ev.Targets, Reason: reason}
	}

	if err := g.record(ctx, ev, StateApproved, "", decision, excerpt); err != nil {
		ev.resolve(StateDenied)
		return ev, fmt.Errorf("recording approval: %w", err)
	}
	ev.resolve(StateApproved)
	g.logger.Info("mutating operation approved", "event", ev.ID, "approver", decision.Approver)

	if action == nil {
		return ev, nil
	}
	return ev, action(ctx)
}

// ask waits for a decision and returns a deny reason, empty on approval.
func (g *Guard) ask(ctx context.Context, req ApprovalRequest) (Decision, string) {
	if g.approver == nil {
		return Decision{}, ReasonDenied
	}
	actx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	d, err := g.approver.Approve(actx, req)
	switch {
	case errors.Is(err, ErrMalformed):
		return d, ReasonMalformed
	case err != nil && errors.Is(actx.Err(), context.DeadlineExceeded):
		return d, ReasonTimeout
	case err != nil:
		g.logger.Warn("approver failed", "event", req.EventID, "error", err)
		return d, ReasonError
	case !d.Approved:
		return d, ReasonDenied
	}
	return d, ""
}

func (g *Guard) record(ctx context.Context, ev *Event, state ApprovalState, reason string, d Decision, excerpt string) error {
	approver := d.Approver
	if approver == "" && state != StatePending {
		approver = g.name
	}
	return g.store.Append(ctx, audit.Entry{
		EventID:  ev.ID,
		Op:       string(ev.Op),
		State:    string(state),
		Reason:   reason,
		Targets:  ev.Targets,
		Excerpt:  excerpt,
		Approver: approver,
		Comment:  d.Comment,
	})
}

// Excerpt collapses whitespace and bounds text to limit runes.
func Excerpt(text string, limit int) string {
	s := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}
