package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

type sessionRow struct {
	ID                 string         `db:"id"`
	ParentID           sql.NullString `db:"parent_id"`
	ForkAfterMessageID string         `db:"fork_after_message_id"`
	Type               string         `db:"type"`
	Workspace          string         `db:"workspace"`
	Status             string         `db:"status"`
	OwnerEntityID      sql.NullString `db:"owner_entity_id"`
	Tick               int            `db:"tick"`
	SchemaVersion      int            `db:"schema_version"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r *sessionRow) toSession() *v1.Session {
	return &v1.Session{
		ID:                 r.ID,
		ParentID:           r.ParentID.String,
		ForkAfterMessageID: r.ForkAfterMessageID,
		Type:               v1.SessionType(r.Type),
		Workspace:          r.Workspace,
		Status:             v1.SessionStatus(r.Status),
		OwnerEntityID:      r.OwnerEntityID.String,
		Tick:               r.Tick,
		SchemaVersion:      r.SchemaVersion,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

type executionRow struct {
	ID           string       `db:"id"`
	SessionID    string       `db:"session_id"`
	TriggerType  string       `db:"trigger_type"`
	Status       string       `db:"status"`
	TickCount    int          `db:"tick_count"`
	ErrorMessage string       `db:"error_message"`
	StartedAt    time.Time    `db:"started_at"`
	CompletedAt  sql.NullTime `db:"completed_at"`
}

func (r *executionRow) toExecution() *v1.Execution {
	exec := &v1.Execution{
		ID:        r.ID,
		SessionID: r.SessionID,
		Trigger:   v1.TriggerType(r.TriggerType),
		Status:    v1.ExecutionStatus(r.Status),
		TickCount: r.TickCount,
		Error:     r.ErrorMessage,
		StartedAt: r.StartedAt,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		exec.CompletedAt = &t
	}
	return exec
}

type tickRow struct {
	ExecutionID string       `db:"execution_id"`
	TickNumber  int          `db:"tick_number"`
	Model       string       `db:"model"`
	Usage       string       `db:"usage"`
	StopReason  string       `db:"stop_reason"`
	StartedAt   time.Time    `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

func (r *tickRow) toTick() (*v1.Tick, error) {
	tick := &v1.Tick{
		ExecutionID: r.ExecutionID,
		TickNumber:  r.TickNumber,
		Model:       r.Model,
		StopReason:  r.StopReason,
		StartedAt:   r.StartedAt,
	}
	if r.Usage != "" {
		if err := json.Unmarshal([]byte(r.Usage), &tick.Usage); err != nil {
			return nil, fmt.Errorf("failed to decode usage for tick %s/%d: %w",
				r.ExecutionID, r.TickNumber, err)
		}
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		tick.CompletedAt = &t
	}
	return tick, nil
}

type messageRow struct {
	ID             string         `db:"id"`
	SessionID      string         `db:"session_id"`
	ExecutionID    sql.NullString `db:"execution_id"`
	EntityID       sql.NullString `db:"entity_id"`
	Role           string         `db:"role"`
	Tick           int            `db:"tick"`
	SequenceInTick int            `db:"sequence_in_tick"`
	Preview        string         `db:"preview"`
	Visibility     string         `db:"visibility"`
	Tags           string         `db:"tags"`
	TokenCount     int            `db:"token_count"`
	Metadata       string         `db:"metadata"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r *messageRow) toEntry() (*v1.TimelineEntry, error) {
	entry := &v1.TimelineEntry{
		ID:             r.ID,
		SessionID:      r.SessionID,
		ExecutionID:    r.ExecutionID.String,
		EntityID:       r.EntityID.String,
		Role:           v1.Role(r.Role),
		Tick:           r.Tick,
		SequenceInTick: r.SequenceInTick,
		Visibility:     v1.Visibility(r.Visibility),
		TokenCount:     r.TokenCount,
		CreatedAt:      r.CreatedAt,
	}
	if r.Tags != "" && r.Tags != "[]" {
		if err := json.Unmarshal([]byte(r.Tags), &entry.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for message %s: %w", r.ID, err)
		}
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for message %s: %w", r.ID, err)
		}
	}
	return entry, nil
}

type contentBlockRow struct {
	ID          string         `db:"id"`
	MessageID   string         `db:"message_id"`
	Position    int            `db:"position"`
	BlockType   string         `db:"block_type"`
	TextContent sql.NullString `db:"text_content"`
	ContentJSON string         `db:"content_json"`
	Metadata    string         `db:"metadata"`
}

func (r *contentBlockRow) toBlock() (v1.ContentBlock, error) {
	var block v1.ContentBlock
	if err := json.Unmarshal([]byte(r.ContentJSON), &block); err != nil {
		return v1.ContentBlock{}, fmt.Errorf("failed to decode content block %s: %w", r.ID, err)
	}
	return block, nil
}

type entityRow struct {
	ID        string    `db:"id"`
	Type      string    `db:"type"`
	Name      string    `db:"name"`
	Summary   string    `db:"summary"`
	IsOwner   int       `db:"is_owner"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *entityRow) toEntity() (*v1.Entity, error) {
	entity := &v1.Entity{
		ID:        r.ID,
		Type:      v1.EntityType(r.Type),
		Name:      r.Name,
		Summary:   r.Summary,
		IsOwner:   r.IsOwner != 0,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &entity.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for entity %s: %w", r.ID, err)
		}
	}
	return entity, nil
}
