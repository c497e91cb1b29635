package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS audit (
	id       TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	time     TEXT NOT NULL,
	op       TEXT NOT NULL,
	state    TEXT NOT NULL,
	reason   TEXT NOT NULL DEFAULT '',
	targets  TEXT NOT NULL DEFAULT '[]',
	excerpt  TEXT NOT NULL DEFAULT '',
	approver TEXT NOT NULL DEFAULT '',
	comment  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_event ON audit(event_id);`

// SQLiteStore keeps entries in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// sqlite allows one writer
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	e = Stamp(e)
	targets, err := json.Marshal(e.Targets)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit (id, event_id, time, op, state, reason, targets, excerpt, approver, comment)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventID, e.Time.UTC().Format(time.RFC3339Nano), e.Op, e.State, e.Reason,
		string(targets), e.Excerpt, e.Approver, e.Comment)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	if f.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, f.EventID)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	q := "SELECT id, event_id, time, op, state, reason, targets, excerpt, approver, comment FROM audit"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY time, rowid"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, targets string
		if err := rows.Scan(&e.ID, &e.EventID, &ts, &e.Op, &e.State, &e.Reason, &targets, &e.Excerpt, &e.Approver, &e.Comment); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if e.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing audit time %q: %w", ts, err)
		}
		if err := json.Unmarshal([]byte(targets), &e.Targets); err != nil {
			return nil, fmt.Errorf("parsing audit targets: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return limit(out, f.Limit), nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
