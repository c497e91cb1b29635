// Package audit stores the approval trail of guarded operations. Entries
// are only ever appended.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/twinshift/twinshift/internal/config"
)

// Entry is one recorded transition of a guarded operation.
type Entry struct {
	ID       string    `json:"id" bson:"_id"`
	EventID  string    `json:"event_id" bson:"event_id"`
	Time     time.Time `json:"time" bson:"time"`
	Op       string    `json:"op" bson:"op"`
	State    string    `json:"state" bson:"state"`
	Reason   string    `json:"reason,omitempty" bson:"reason,omitempty"`
	Targets  []string  `json:"targets,omitempty" bson:"targets,omitempty"`
	Excerpt  string    `json:"excerpt" bson:"excerpt"`
	Approver string    `json:"approver,omitempty" bson:"approver,omitempty"`
	Comment  string    `json:"comment,omitempty" bson:"comment,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	EventID string
	State   string
	Limit   int
}

func (f Filter) match(e Entry) bool {
	if f.EventID != "" && e.EventID != f.EventID {
		return false
	}
	if f.State != "" && e.State != f.State {
		return false
	}
	return true
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// List returns matching entries oldest first.
	List(ctx context.Context, f Filter) ([]Entry, error)
	Close() error
}

// Stamp fills in the id and time of an entry if missing.
func Stamp(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}

// Open creates the store selected by cfg.Audit.Backend.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	a := cfg.Audit
	switch a.Backend {
	case "file":
		return NewFileStore(afero.NewOsFs(), cfg.Path(a.Path))
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path(a.Path))
	case "postgres":
		url := a.URL
		if url == "" {
			url = cfg.Database.URL
		}
		return OpenPostgres(ctx, url)
	case "mongo":
		return OpenMongo(ctx, a.URL, a.Database, a.Collection)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", a.Backend)
	}
}

func limit(entries []Entry, n int) []Entry {
	if n > 0 && len(entries) > n {
		return entries[len(entries)-n:]
	}
	return entries
}
