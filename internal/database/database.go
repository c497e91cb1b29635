// Package database runs fixture and ad-hoc SQL against PostgreSQL. Every
// statement goes through the safety guard first.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/twinshift/twinshift/internal/config"
	"github.com/twinshift/twinshift/internal/guard"
)

// Conn is the subset of a pgx pool the executor needs.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Close()
}

// Result of one guarded statement.
type Result struct {
	SQL          string               `json:"sql"`
	Class        guard.Classification `json:"classification"`
	EventID      string               `json:"event_id,omitempty"`
	RowsAffected int64                `json:"rows_affected"`
	Denied       bool                 `json:"denied,omitempty"`
	Err          string               `json:"error,omitempty"`
}

// Executor executes SQL only after the guard allows it.
type Executor struct {
	conn   Conn
	guard  *guard.Guard
	logger *slog.Logger
}

// New creates an executor over an open connection.
func New(conn Conn, g *guard.Guard, logger *slog.Logger) *Executor {
	return &Executor{conn: conn, guard: g, logger: logger}
}

// Connect opens a pgx pool for cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database.url is not set")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging PostgreSQL: %w", err)
	}
	return &pgxConn{pool: pool}, nil
}

type pgxConn struct {
	pool *pgxpool.Pool
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) Close() { c.pool.Close() }

// Exec runs one statement through the guard. A denied statement returns
// a *guard.DeniedError and is never sent to the server.
func (e *Executor) Exec(ctx context.Context, sql string) (*Result, error) {
	res := &Result{SQL: sql, Class: guard.ClassifySQL(sql)}
	ev, err := e.guard.ExecuteSQL(ctx, sql, func(ctx context.Context) error {
		n, err := e.conn.Exec(ctx, sql)
		res.RowsAffected = n
		return err
	})
	if ev != nil {
		res.EventID = ev.ID
	}
	if err != nil {
		var denied *guard.DeniedError
		res.Denied = errors.As(err, &denied)
		res.Err = err.Error()
		return res, err
	}
	e.logger.Debug("executed statement", "class", res.Class.Class, "rows", res.RowsAffected)
	return res, nil
}

// ExecAll runs statements in order. A denied or failing statement is
// recorded and the rest still run; the first error is returned.
func (e *Executor) ExecAll(ctx context.Context, statements []string) ([]*Result, error) {
	var results []*Result
	var first error
	for _, sql := range statements {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res, err := e.Exec(ctx, sql)
		results = append(results, res)
		if err != nil {
			e.logger.Warn("statement not executed", "sql", guard.Excerpt(sql, 80), "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return results, first
}

// Close releases the connection.
func (e *Executor) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}
