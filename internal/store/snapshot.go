package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// comStateKey is the session snapshot key holding component state (the
// reactive knob map).
const comStateKey = "com_state"

// Snapshot is the full replayable state of a session: the row, the
// ordered timeline, the component state blob, and a derived usage
// aggregate summed across all ticks of the session's executions.
type Snapshot struct {
	Session  *v1.Session
	Timeline []*v1.TimelineEntry
	ComState map[string]json.RawMessage
	Usage    v1.Usage
}

// Save upserts the session row, inserts any timeline entries not already
// present, and replaces the component state blob. It is the fallback
// recovery path; during normal operation the incremental writers keep the
// timeline current and Save only refreshes the row and com_state.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	if snap.Session == nil {
		return fmt.Errorf("snapshot has no session")
	}
	session := snap.Session
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.SchemaVersion == 0 {
		session.SchemaVersion = v1.SessionSchemaVersion
	}

	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO sessions (
			id, parent_id, fork_after_message_id, type, workspace, status,
			owner_entity_id, tick, schema_version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			workspace = excluded.workspace,
			status = excluded.status,
			owner_entity_id = excluded.owner_entity_id,
			tick = MAX(sessions.tick, excluded.tick),
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at`,
		session.ID, nullable(session.ParentID), session.ForkAfterMessageID,
		string(session.Type), session.Workspace, string(session.Status),
		nullable(session.OwnerEntityID), session.Tick, session.SchemaVersion,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", session.ID, err)
	}

	for _, entry := range snap.Timeline {
		if err := s.CommitEntry(ctx, entry); err != nil {
			return err
		}
	}

	if snap.ComState != nil {
		if err := s.SetSnapshotValue(ctx, session.ID, comStateKey, snap.ComState); err != nil {
			return err
		}
	}
	return nil
}

// Load reconstructs a session snapshot, or returns nil if no session row
// exists. Messages are ordered by (tick, sequence_in_tick); all content
// blocks are fetched in a single query and grouped in memory, so loading
// stays two round-trips regardless of timeline length.
func (s *Store) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	var msgRows []messageRow
	err = s.pool.Reader().SelectContext(ctx, &msgRows, `
		SELECT * FROM messages
		WHERE session_id = ?
		ORDER BY tick, sequence_in_tick`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load timeline for %s: %w", sessionID, err)
	}

	var blockRows []contentBlockRow
	err = s.pool.Reader().SelectContext(ctx, &blockRows, `
		SELECT * FROM content_blocks
		WHERE message_id IN (SELECT id FROM messages WHERE session_id = ?)
		ORDER BY message_id, position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load content blocks for %s: %w", sessionID, err)
	}

	blocksByMessage := make(map[string][]v1.ContentBlock, len(msgRows))
	for i := range blockRows {
		block, err := blockRows[i].toBlock()
		if err != nil {
			return nil, err
		}
		blocksByMessage[blockRows[i].MessageID] = append(blocksByMessage[blockRows[i].MessageID], block)
	}

	timeline := make([]*v1.TimelineEntry, len(msgRows))
	for i := range msgRows {
		entry, err := msgRows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entry.Content = blocksByMessage[entry.ID]
		timeline[i] = entry
	}

	comState, err := s.GetSnapshotValue(ctx, sessionID, comStateKey)
	if err != nil {
		return nil, err
	}

	usage, err := s.sessionUsage(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Session:  session,
		Timeline: timeline,
		ComState: comState,
		Usage:    usage,
	}, nil
}

// sessionUsage derives the session's token usage by summing tick usage
// across all of its executions. Tick usage is authoritative.
func (s *Store) sessionUsage(ctx context.Context, sessionID string) (v1.Usage, error) {
	var row struct {
		Input  int `db:"input_tokens"`
		Output int `db:"output_tokens"`
	}
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT
			COALESCE(SUM(json_extract(t.usage, '$.inputTokens')), 0) AS input_tokens,
			COALESCE(SUM(json_extract(t.usage, '$.outputTokens')), 0) AS output_tokens
		FROM ticks t
		JOIN executions e ON e.id = t.execution_id
		WHERE e.session_id = ?`, sessionID)
	if err != nil {
		return v1.Usage{}, fmt.Errorf("failed to aggregate usage for %s: %w", sessionID, err)
	}
	return v1.Usage{InputTokens: row.Input, OutputTokens: row.Output}, nil
}

// SetSnapshotValue upserts one keyed JSON blob for a session.
func (s *Store) SetSnapshotValue(ctx context.Context, sessionID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s/%s: %w", sessionID, key, err)
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO session_snapshots (session_id, key, json_value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, key) DO UPDATE SET
			json_value = excluded.json_value,
			updated_at = excluded.updated_at`,
		sessionID, key, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store snapshot %s/%s: %w", sessionID, key, err)
	}
	return nil
}

// GetSnapshotValue loads one keyed JSON blob, decoded as a string-keyed
// map. Returns nil when absent.
func (s *Store) GetSnapshotValue(ctx context.Context, sessionID, key string) (map[string]json.RawMessage, error) {
	var raw string
	err := s.pool.Reader().GetContext(ctx, &raw, `
		SELECT json_value FROM session_snapshots
		WHERE session_id = ? AND key = ?`, sessionID, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s/%s: %w", sessionID, key, err)
	}
	var value map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s/%s: %w", sessionID, key, err)
	}
	return value, nil
}
