// Package store implements the relational persistence layer: every
// execution, tick, message, and content block is recorded incrementally
// as events arrive, and whole sessions can be replayed through snapshot
// load. Writes serialize through a single SQLite connection in WAL mode.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/db"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// Store provides durable storage for sessions, executions, timelines,
// and media.
type Store struct {
	pool *db.Pool
	log  *logger.Logger
}

// New creates a Store over the given pool and ensures its schema.
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	if err := db.EnsureSchema(pool.Writer(), "store", migrations); err != nil {
		return nil, fmt.Errorf("failed to ensure store schema: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Open is a convenience constructor that opens the SQLite pool at path.
func Open(path string, log *logger.Logger) (*Store, *db.Pool, error) {
	pool, err := db.Open(path)
	if err != nil {
		return nil, nil, err
	}
	s, err := New(pool, log)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// RecoverCrashed marks executions left running by a previous process as
// failed. It returns the number of executions recovered. Crashed
// executions are never reopened.
func (s *Store) RecoverCrashed(ctx context.Context) (int, error) {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE executions
		SET status = 'failed',
		    error_message = 'crashed: process exited mid-execution',
		    completed_at = ?
		WHERE status = 'running' AND completed_at IS NULL`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to recover crashed executions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn("recovered crashed executions", zap.Int64("count", n))
	}
	return int(n), nil
}

// GetSession loads a single session row, or nil if absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*v1.Session, error) {
	var row sessionRow
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT * FROM sessions WHERE id = ?`, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return row.toSession(), nil
}

// ListSessions returns session rows ordered by most recent update.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*v1.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []sessionRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := make([]*v1.Session, len(rows))
	for i := range rows {
		sessions[i] = rows[i].toSession()
	}
	return sessions, nil
}

// GetExecution loads a single execution row, or nil if absent.
func (s *Store) GetExecution(ctx context.Context, execID string) (*v1.Execution, error) {
	var row executionRow
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT * FROM executions WHERE id = ?`, execID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", execID, err)
	}
	return row.toExecution(), nil
}

// ListExecutions returns a session's executions in start order.
func (s *Store) ListExecutions(ctx context.Context, sessionID string) ([]*v1.Execution, error) {
	var rows []executionRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM executions WHERE session_id = ? ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	execs := make([]*v1.Execution, len(rows))
	for i := range rows {
		execs[i] = rows[i].toExecution()
	}
	return execs, nil
}

// ListTicks returns an execution's ticks in order.
func (s *Store) ListTicks(ctx context.Context, execID string) ([]*v1.Tick, error) {
	var rows []tickRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM ticks WHERE execution_id = ? ORDER BY tick_number`, execID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ticks: %w", err)
	}
	ticks := make([]*v1.Tick, len(rows))
	for i := range rows {
		t, err := rows[i].toTick()
		if err != nil {
			return nil, err
		}
		ticks[i] = t
	}
	return ticks, nil
}

// MessageCount returns the number of messages stored for a session.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.pool.Reader().GetContext(ctx, &n,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func marshalJSON(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}
