package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS twinshift_audit (
	id       TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	time     TIMESTAMPTZ NOT NULL,
	op       TEXT NOT NULL,
	state    TEXT NOT NULL,
	reason   TEXT NOT NULL DEFAULT '',
	targets  TEXT[] NOT NULL DEFAULT '{}',
	excerpt  TEXT NOT NULL DEFAULT '',
	approver TEXT NOT NULL DEFAULT '',
	comment  TEXT NOT NULL DEFAULT ''
)`

// PostgresStore keeps entries in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and creates the audit table if needed.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres audit store needs audit.url or database.url")
	}
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	poolCfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging PostgreSQL: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating audit table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	e = Stamp(e)
	targets := e.Targets
	if targets == nil {
		targets = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO twinshift_audit (id, event_id, time, op, state, reason, targets, excerpt, approver, comment)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.EventID, e.Time, e.Op, e.State, e.Reason, targets, e.Excerpt, e.Approver, e.Comment)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	args := pgx.NamedArgs{}
	if f.EventID != "" {
		where = append(where, "event_id = @event_id")
		args["event_id"] = f.EventID
	}
	if f.State != "" {
		where = append(where, "state = @state")
		args["state"] = f.State
	}
	q := "SELECT id, event_id, time, op, state, reason, targets, excerpt, approver, comment FROM twinshift_audit"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY time, id"

	rows, err := s.pool.Query(ctx, q, args)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.ID, &e.EventID, &e.Time, &e.Op, &e.State, &e.Reason, &e.Targets, &e.Excerpt, &e.Approver, &e.Comment)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning audit entries: %w", err)
	}
	return limit(out, f.Limit), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
