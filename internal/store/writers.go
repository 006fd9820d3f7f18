package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tentickle/tentickle/internal/common/sqlite"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// CreateSession inserts a session row. Fails if the id already exists.
func (s *Store) CreateSession(ctx context.Context, session *v1.Session) error {
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, nullable(session.ParentID), session.ForkAfterMessageID,
		string(session.Type), session.Workspace, string(session.Status),
		nullable(session.OwnerEntityID), session.Tick, session.SchemaVersion,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

// UpdateSessionStatus transitions a session's lifecycle status.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status v1.SessionStatus) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session %s status: %w", sessionID, err)
	}
	return nil
}

// DeleteSession removes a session and, via cascade, all its messages,
// blocks, executions, ticks, and snapshots.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// CreateExecution records the start of an execution. Fails fast on a
// foreign key violation when the session row does not exist.
func (s *Store) CreateExecution(ctx context.Context, execID, sessionID string, trigger v1.TriggerType) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO executions (id, session_id, trigger_type, status, started_at)
		VALUES (?, ?, ?, 'running', ?)`,
		execID, sessionID, string(trigger), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create execution %s: %w", execID, err)
	}
	return nil
}

// RecordTickStart records the start of a tick. Idempotent on
// (execution_id, tick_number).
func (s *Store) RecordTickStart(ctx context.Context, execID string, tick int) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT OR IGNORE INTO ticks (execution_id, tick_number, started_at)
		VALUES (?, ?, ?)`,
		execID, tick, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record tick start %s/%d: %w", execID, tick, err)
	}
	return nil
}

// CommitEntry writes a timeline entry and its content blocks in one
// transaction. Idempotent on message id: a repeated commit leaves exactly
// one row and one set of blocks. Transient block fields are stripped
// before serialization.
func (s *Store) CommitEntry(ctx context.Context, entry *v1.TimelineEntry) error {
	stripped := entry.StripTransient()

	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit for message %s: %w", entry.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (
			id, session_id, execution_id, entity_id, role, tick,
			sequence_in_tick, preview, visibility, tags, token_count,
			metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stripped.ID, stripped.SessionID, nullable(stripped.ExecutionID),
		nullable(stripped.EntityID), string(stripped.Role), stripped.Tick,
		stripped.SequenceInTick, stripped.Preview(), string(stripped.Visibility),
		marshalJSON(stripped.Tags, "[]"), stripped.TokenCount,
		marshalJSON(stripped.Metadata, "{}"), stripped.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to commit message %s: %w", stripped.ID, err)
	}

	inserted, _ := res.RowsAffected()
	if inserted == 0 {
		// Message already present; blocks were written with it.
		return tx.Commit()
	}

	for pos, block := range stripped.Content {
		var textContent any
		if t := block.ExtractText(); t != "" {
			textContent = t
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO content_blocks (
				id, message_id, position, block_type, text_content,
				content_json, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			fmt.Sprintf("%s:%d", stripped.ID, pos), stripped.ID, pos,
			string(block.Type), textContent,
			marshalJSON(block, "{}"), marshalJSON(block.Metadata, "{}")); err != nil {
			return fmt.Errorf("failed to commit block %d of message %s: %w", pos, stripped.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET tick = MAX(tick, ?), updated_at = ? WHERE id = ?`,
		stripped.Tick, time.Now().UTC(), stripped.SessionID); err != nil {
		return fmt.Errorf("failed to advance session tick for %s: %w", stripped.SessionID, err)
	}

	return tx.Commit()
}

// RecordTickEnd finalizes a tick row with its model, usage, and stop
// reason. Upserts in case the tick_start write was lost.
func (s *Store) RecordTickEnd(ctx context.Context, execID string, tick int, model string, usage v1.Usage, stopReason string) error {
	now := time.Now().UTC()
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO ticks (execution_id, tick_number, model, usage, stop_reason, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, tick_number) DO UPDATE SET
			model = excluded.model,
			usage = excluded.usage,
			stop_reason = excluded.stop_reason,
			completed_at = excluded.completed_at`,
		execID, tick, model, marshalJSON(usage, "{}"), stopReason, now, now)
	if err != nil {
		return fmt.Errorf("failed to record tick end %s/%d: %w", execID, tick, err)
	}
	return nil
}

// CompleteExecution finalizes an execution row.
func (s *Store) CompleteExecution(ctx context.Context, execID string, status v1.ExecutionStatus, tickCount int, errMsg string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE executions
		SET status = ?, tick_count = ?, error_message = ?, completed_at = ?
		WHERE id = ?`,
		string(status), tickCount, errMsg, time.Now().UTC(), execID)
	if err != nil {
		return fmt.Errorf("failed to complete execution %s: %w", execID, err)
	}
	return nil
}

// UpsertEntity inserts or updates an entity row.
func (s *Store) UpsertEntity(ctx context.Context, entity *v1.Entity) error {
	now := time.Now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO entities (id, type, name, summary, is_owner, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			summary = excluded.summary,
			is_owner = excluded.is_owner,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		entity.ID, string(entity.Type), entity.Name, entity.Summary,
		sqlite.BoolToInt(entity.IsOwner), marshalJSON(entity.Metadata, "{}"),
		entity.CreatedAt, entity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", entity.ID, err)
	}
	return nil
}

// GetEntity loads an entity row, or nil if absent.
func (s *Store) GetEntity(ctx context.Context, entityID string) (*v1.Entity, error) {
	var row entityRow
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT * FROM entities WHERE id = ?`, entityID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s: %w", entityID, err)
	}
	return row.toEntity()
}

// AddParticipant links an entity to a session.
func (s *Store) AddParticipant(ctx context.Context, sessionID, entityID, role string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT OR IGNORE INTO session_participants (session_id, entity_id, role, added_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, entityID, role, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add participant %s to session %s: %w", entityID, sessionID, err)
	}
	return nil
}

// PutMedia stores a binary blob content-addressed by its SHA-256 hash.
// Blobs are deduplicated and never deleted automatically.
func (s *Store) PutMedia(ctx context.Context, mimeType string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT OR IGNORE INTO media (hash, mime_type, size, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		hash, mimeType, len(data), data, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to store media blob: %w", err)
	}
	return hash, nil
}

// GetMedia loads a media blob by hash, or nil if absent.
func (s *Store) GetMedia(ctx context.Context, hash string) ([]byte, string, error) {
	var row struct {
		MimeType string `db:"mime_type"`
		Data     []byte `db:"data"`
	}
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT mime_type, data FROM media WHERE hash = ?`, hash)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load media %s: %w", hash, err)
	}
	return row.Data, row.MimeType, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
