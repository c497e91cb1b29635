package audit

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry

	// AppendErr, when set, is returned by Append.
	AppendErr error
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.entries = append(s.entries, Stamp(e))
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	return limit(out, f.Limit), nil
}

func (s *MemoryStore) Close() error { return nil }
