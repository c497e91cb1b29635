package guard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// DenyApprover refuses everything. It is the default when nobody can be
// asked.
type DenyApprover struct{}

func (DenyApprover) Approve(context.Context, ApprovalRequest) (Decision, error) {
	return Decision{Approved: false, Approver: "deny", Comment: "non-interactive"}, nil
}

// PromptApprover asks on a line-based terminal. Only y or yes approves;
// n or no denies; anything else is malformed. A line is only ever an
// answer to the request that was waiting when it started being read.
type PromptApprover struct {
	in  io.Reader
	out io.Writer

	once   sync.Once
	serial sync.Mutex
	want   chan struct{}

	mu      sync.Mutex
	seq     uint64
	current chan promptLine
	prompt  string
	closed  bool
}

type promptLine struct {
	text string
	ok   bool
}

// NewPromptApprover reads answers from in and writes prompts to out.
func NewPromptApprover(in io.Reader, out io.Writer) *PromptApprover {
	return &PromptApprover{in: in, out: out}
}

// start launches the reader. It reads one line per wanted answer and
// drops lines whose request is gone.
func (p *PromptApprover) start() {
	p.want = make(chan struct{}, 1)
	go func() {
		sc := bufio.NewScanner(p.in)
		for range p.want {
			p.mu.Lock()
			seq := p.seq
			p.mu.Unlock()

			ok := sc.Scan()
			line := sc.Text()

			p.mu.Lock()
			if !ok {
				p.closed = true
				if p.current != nil {
					p.current <- promptLine{}
					p.current = nil
				}
				p.mu.Unlock()
				return
			}
			if p.current != nil && p.seq == seq {
				p.current <- promptLine{text: line, ok: true}
				p.current = nil
				p.mu.Unlock()
				continue
			}
			waiting, prompt := p.current != nil, p.prompt
			if waiting {
				fmt.Fprintf(p.out, "\nIgnoring input typed for an expired request.%s", prompt)
			}
			p.mu.Unlock()
			if waiting {
				p.signal()
			}
		}
	}()
}

func (p *PromptApprover) signal() {
	select {
	case p.want <- struct{}{}:
	default:
	}
}

func (p *PromptApprover) Approve(ctx context.Context, req ApprovalRequest) (Decision, error) {
	p.once.Do(p.start)
	p.serial.Lock()
	defer p.serial.Unlock()

	ch := make(chan promptLine, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: input closed", ErrMalformed)
	}
	p.seq++
	seq := p.seq
	p.current = ch
	p.prompt = fmt.Sprintf("\nMutating operation (%s) on %s:\n  %s\nApprove? [y/n]: ",
		req.Op, strings.Join(req.Targets, ", "), req.Excerpt)
	fmt.Fprint(p.out, p.prompt)
	p.mu.Unlock()
	p.signal()

	var line promptLine
	select {
	case <-ctx.Done():
		p.mu.Lock()
		if p.seq == seq {
			p.current = nil
		}
		fmt.Fprintln(p.out)
		p.mu.Unlock()
		return Decision{}, ctx.Err()
	case line = <-ch:
	}
	if !line.ok {
		return Decision{}, fmt.Errorf("%w: input closed", ErrMalformed)
	}
	switch strings.ToLower(strings.TrimSpace(line.text)) {
	case "y", "yes":
		return Decision{Approved: true, Approver: "prompt"}, nil
	case "n", "no":
		return Decision{Approved: false, Approver: "prompt"}, nil
	default:
		return Decision{Approver: "prompt"}, fmt.Errorf("%w: %q", ErrMalformed, line.text)
	}
}

// ErrUnknownApproval is returned when resolving an id nobody waits on.
var ErrUnknownApproval = errors.New("no pending approval with that id")

// Queue is an approver resolved from outside, for example over HTTP.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*queued

	// OnRequest, if set, is called for every new request.
	OnRequest func(ApprovalRequest)
}

type queued struct {
	req ApprovalRequest
	ch  chan Decision
}

// NewQueue creates an empty approval queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[string]*queued)}
}

func (q *Queue) Approve(ctx context.Context, req ApprovalRequest) (Decision, error) {
	item := &queued{req: req, ch: make(chan Decision, 1)}
	q.mu.Lock()
	q.pending[req.EventID] = item
	notify := q.OnRequest
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.pending, req.EventID)
		q.mu.Unlock()
	}()

	if notify != nil {
		notify(req)
	}

	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case d := <-item.ch:
		return d, nil
	}
}

// Pending lists waiting requests, oldest first.
func (q *Queue) Pending() []ApprovalRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(q.pending))
	for _, item := range q.pending {
		out = append(out, item.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asked.Before(out[j].Asked) })
	return out
}

// Resolve delivers a decision to a waiting request.
func (q *Queue) Resolve(id string, d Decision) error {
	q.mu.Lock()
	item, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return ErrUnknownApproval
	}
	item.ch <- d
	return nil
}
