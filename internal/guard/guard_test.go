package guard

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/twinshift/twinshift/internal/audit"
	"github.com/twinshift/twinshift/internal/issue"
	"github.com/twinshift/twinshift/internal/logging"
)

type fixedApprover struct {
	decision Decision
	err      error
	wait     bool
	got      []ApprovalRequest
}

func (f *fixedApprover) Approve(ctx context.Context, req ApprovalRequest) (Decision, error) {
	f.got = append(f.got, req)
	if f.wait {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	}
	return f.decision, f.err
}

func newGuard(a Approver, store audit.Store) *Guard {
	return New(a, "test", store, Options{Timeout: 50 * time.Millisecond, ExcerptLimit: 40}, logging.Discard())
}

func states(t *testing.T, store audit.Store) []string {
	t.Helper()
	entries, err := store.List(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		s := e.State
		if e.Reason != "" {
			s += ":" + e.Reason
		}
		out = append(out, s)
	}
	return out
}

func TestExecuteApproved(t *testing.T) {
	store := &audit.MemoryStore{}
	a := &fixedApprover{decision: Decision{Approved: true, Approver: "alice"}}
	g := newGuard(a, store)

	ran := false
	ev, err := g.Execute(context.Background(), "DELETE FROM orders WHERE id=1", func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("approved action did not run")
	}
	if ev.State() != StateApproved {
		t.Errorf("expected approved, got %s", ev.State())
	}
	if got := strings.Join(states(t, store), ","); got != "pending,approved" {
		t.Errorf("expected pending,approved, got %s", got)
	}
	if len(a.got) != 1 || a.got[0].Op != OpDelete || a.got[0].Targets[0] != "orders" {
		t.Errorf("unexpected approval request %+v", a.got)
	}
}

func TestExecuteBlocksWithoutApproval(t *testing.T) {
	tests := []struct {
		name     string
		approver *fixedApprover
		reason   string
	}{
		{"denied", &fixedApprover{decision: Decision{Approved: false}}, ReasonDenied},
		{"timeout", &fixedApprover{wait: true}, ReasonTimeout},
		{"malformed", &fixedApprover{err: ErrMalformed}, ReasonMalformed},
		{"error", &fixedApprover{err: errors.New("socket closed")}, ReasonError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &audit.MemoryStore{}
			g := newGuard(tt.approver, store)
			ran := false
			ev, err := g.Execute(context.Background(), "DELETE FROM orders WHERE id=1", func(context.Context) error {
				ran = true
				return nil
			})
			if ran {
				t.Fatal("action ran without approval")
			}
			var de *DeniedError
			if !errors.As(err, &de) {
				t.Fatalf("expected DeniedError, got %v", err)
			}
			if de.Reason != tt.reason {
				t.Errorf("expected reason %s, got %s", tt.reason, de.Reason)
			}
			if de.Issue().Remediation != issue.RemediationReapprove {
				t.Errorf("expected re-approve remediation")
			}
			if ev.State() != StateDenied {
				t.Errorf("expected denied, got %s", ev.State())
			}
			if got := strings.Join(states(t, store), ","); got != "pending,denied:"+tt.reason {
				t.Errorf("unexpected audit trail %s", got)
			}
		})
	}
}

func TestExecuteReadRunsDirectly(t *testing.T) {
	store := &audit.MemoryStore{}
	a := &fixedApprover{}
	g := newGuard(a, store)
	ran := false
	ev, err := g.Execute(context.Background(), "SELECT * FROM orders", func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || ev != nil || !ran {
		t.Fatalf("expected direct execution, got ev=%v err=%v ran=%v", ev, err, ran)
	}
	if len(a.got) != 0 || len(states(t, store)) != 0 {
		t.Error("read must not ask for approval or write audit entries")
	}
}

func TestExecuteAuditFailureBlocks(t *testing.T) {
	store := &audit.MemoryStore{AppendErr: errors.New("disk full")}
	a := &fixedApprover{decision: Decision{Approved: true}}
	g := newGuard(a, store)
	ran := false
	_, err := g.Execute(context.Background(), "TRUNCATE t", func(context.Context) error {
		ran = true
		return nil
	})
	if err == nil || ran {
		t.Fatalf("expected failure without running, got err=%v ran=%v", err, ran)
	}
	if len(a.got) != 0 {
		t.Error("approval must not be requested when the pending entry cannot be recorded")
	}
}

func TestExecuteNilApproverDenies(t *testing.T) {
	g := newGuard(nil, &audit.MemoryStore{})
	_, err := g.Execute(context.Background(), "DROP TABLE x", nil)
	var de *DeniedError
	if !errors.As(err, &de) || de.Reason != ReasonDenied {
		t.Fatalf("expected denied error, got %v", err)
	}
}

func TestExcerptBoundInRequest(t *testing.T) {
	a := &fixedApprover{decision: Decision{Approved: true}}
	g := newGuard(a, &audit.MemoryStore{})
	long := "DELETE FROM orders WHERE id IN (" + strings.Repeat("1, ", 100) + "1)"
	if _, err := g.Execute(context.Background(), long, nil); err != nil {
		t.Fatal(err)
	}
	if n := len([]rune(a.got[0].Excerpt)); n != 40 {
		t.Errorf("expected 40 rune excerpt, got %d", n)
	}
}

func TestPromptApprover(t *testing.T) {
	in := strings.NewReader("y\nno\nmaybe\n")
	p := NewPromptApprover(in, io.Discard)
	ctx := context.Background()
	req := ApprovalRequest{Op: OpDelete, Targets: []string{"t"}, Excerpt: "DELETE FROM t"}

	if d, err := p.Approve(ctx, req); err != nil || !d.Approved {
		t.Errorf("expected approval, got %+v %v", d, err)
	}
	if d, err := p.Approve(ctx, req); err != nil || d.Approved {
		t.Errorf("expected denial, got %+v %v", d, err)
	}
	if _, err := p.Approve(ctx, req); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected malformed, got %v", err)
	}
	if _, err := p.Approve(ctx, req); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected malformed on closed input, got %v", err)
	}
}

func TestPromptLateAnswerDoesNotApproveNextRequest(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := NewPromptApprover(pr, io.Discard)
	g := New(p, "prompt", &audit.MemoryStore{}, Options{Timeout: 200 * time.Millisecond}, logging.Discard())
	ctx := context.Background()

	_, err := g.Execute(ctx, "DELETE FROM orders WHERE id = 1", nil)
	var de *DeniedError
	if !errors.As(err, &de) || de.Reason != ReasonTimeout {
		t.Fatalf("expected timeout denial, got %v", err)
	}

	type outcome struct {
		ran bool
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ran := false
		_, err := g.Execute(ctx, "DROP TABLE customers", func(context.Context) error {
			ran = true
			return nil
		})
		done <- outcome{ran, err}
	}()

	// The first line was typed for the expired request.
	if _, err := io.WriteString(pw, "y\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(pw, "n\n"); err != nil {
		t.Fatal(err)
	}

	got := <-done
	if got.ran {
		t.Fatal("DROP ran on an answer given to another request")
	}
	if !errors.As(got.err, &de) || de.Reason != ReasonDenied {
		t.Errorf("expected explicit denial, got %v", got.err)
	}
}

func TestPromptIgnoresInputWithoutRequest(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := NewPromptApprover(pr, io.Discard)
	req := ApprovalRequest{Op: OpDelete, Targets: []string{"t"}, Excerpt: "DELETE FROM t"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := p.Approve(ctx, req)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if _, err := io.WriteString(pw, "yes\n"); err != nil {
		t.Fatal(err)
	}

	result := make(chan Decision, 1)
	go func() {
		d, _ := p.Approve(context.Background(), req)
		result <- d
	}()
	if _, err := io.WriteString(pw, "no\n"); err != nil {
		t.Fatal(err)
	}
	if d := <-result; d.Approved {
		t.Error("a line read before the request was shown approved it")
	}
}

func TestExecuteSQLUnrecognizedNeedsApproval(t *testing.T) {
	store := &audit.MemoryStore{}
	g := newGuard(&fixedApprover{decision: Decision{Approved: false}}, store)

	ran := false
	_, err := g.ExecuteSQL(context.Background(), "CALL purge_orders()", func(context.Context) error {
		ran = true
		return nil
	})
	var de *DeniedError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if ran {
		t.Error("unrecognised statement ran without approval")
	}
	if got := states(t, store); len(got) != 2 || got[1] != "denied:denied" {
		t.Errorf("unexpected audit trail %v", got)
	}
}

func TestQueueResolve(t *testing.T) {
	q := NewQueue()
	requested := make(chan ApprovalRequest, 1)
	q.OnRequest = func(r ApprovalRequest) { requested <- r }

	done := make(chan Decision, 1)
	go func() {
		d, _ := q.Approve(context.Background(), ApprovalRequest{EventID: "ev-1"})
		done <- d
	}()

	req := <-requested
	if len(q.Pending()) != 1 {
		t.Fatalf("expected one pending request, got %d", len(q.Pending()))
	}
	if err := q.Resolve(req.EventID, Decision{Approved: true, Approver: "http"}); err != nil {
		t.Fatal(err)
	}
	if d := <-done; !d.Approved {
		t.Error("expected approval to be delivered")
	}
	if err := q.Resolve("ev-1", Decision{}); !errors.Is(err, ErrUnknownApproval) {
		t.Errorf("expected ErrUnknownApproval, got %v", err)
	}
}
