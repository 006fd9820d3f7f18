package v1

import "time"

// EntityType classifies an entity.
type EntityType string

const (
	EntityTypePerson  EntityType = "person"
	EntityTypeModel   EntityType = "model"
	EntityTypeOrg     EntityType = "org"
	EntityTypeAgent   EntityType = "agent"
	EntityTypeProject EntityType = "project"
)

// Entity is a person, model, org, agent, or project referenced from
// sessions and messages.
type Entity struct {
	ID        string         `json:"id"`
	Type      EntityType     `json:"type"`
	Name      string         `json:"name"`
	Summary   string         `json:"summary,omitempty"`
	IsOwner   bool           `json:"is_owner,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SessionType classifies how a session came to exist.
type SessionType string

const (
	SessionTypeChat   SessionType = "chat"
	SessionTypeFork   SessionType = "fork"
	SessionTypeSpawn  SessionType = "spawn"
	SessionTypeSystem SessionType = "system"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusArchived  SessionStatus = "archived"
)

// SessionSchemaVersion is the current session row schema version.
const SessionSchemaVersion = 1

// Session is a durable conversation context. Tick is strictly
// non-decreasing over the session's lifetime.
type Session struct {
	ID                 string        `json:"id"`
	ParentID           string        `json:"parent_id,omitempty"`
	ForkAfterMessageID string        `json:"fork_after_message_id,omitempty"`
	Type               SessionType   `json:"type"`
	Workspace          string        `json:"workspace,omitempty"`
	Status             SessionStatus `json:"status"`
	OwnerEntityID      string        `json:"owner_entity_id,omitempty"`
	Tick               int           `json:"tick"`
	SchemaVersion      int           `json:"schema_version"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// TriggerType identifies what started an execution.
type TriggerType string

const (
	TriggerSend    TriggerType = "send"
	TriggerCron    TriggerType = "cron"
	TriggerRestart TriggerType = "restart"
	TriggerSpawn   TriggerType = "spawn"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusAborted   ExecutionStatus = "aborted"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Execution is one engine invocation; it may span multiple ticks. A row
// left with status=running and a null completed_at after process restart
// is crashed: recovery marks it failed and never reopens it.
type Execution struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Trigger     TriggerType     `json:"trigger"`
	Status      ExecutionStatus `json:"status"`
	TickCount   int             `json:"tick_count"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Tick is one model round-trip within an execution, keyed by
// (execution_id, tick_number).
type Tick struct {
	ExecutionID string     `json:"execution_id"`
	TickNumber  int        `json:"tick_number"`
	Model       string     `json:"model,omitempty"`
	Usage       Usage      `json:"usage"`
	StopReason  string     `json:"stop_reason,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Job is a cron-style schedule persisted as one JSON file per job.
type Job struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Cron        string         `json:"cron"`
	Target      string         `json:"target,omitempty"`
	Prompt      string         `json:"prompt"`
	Oneshot     bool           `json:"oneshot,omitempty"`
	Enabled     bool           `json:"enabled"`
	LastFiredAt *time.Time     `json:"last_fired_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// HeartbeatFile returns the heartbeat gate path from job metadata, or "".
func (j *Job) HeartbeatFile() string {
	if j.Metadata == nil {
		return ""
	}
	if path, ok := j.Metadata["heartbeatFile"].(string); ok {
		return path
	}
	return ""
}

// Trigger is a fired schedule manifested as a JSON file that the watcher
// replays as a gateway send.
type Trigger struct {
	JobID   string    `json:"jobId"`
	JobName string    `json:"jobName"`
	Target  string    `json:"target"`
	Prompt  string    `json:"prompt"`
	FiredAt time.Time `json:"firedAt"`
	Oneshot bool      `json:"oneshot"`
}

// MemoryEntry is a recallable fact in the memory subsystem.
type MemoryEntry struct {
	ID              string         `json:"id"`
	Namespace       string         `json:"namespace"`
	Content         string         `json:"content"`
	Topic           string         `json:"topic,omitempty"`
	Importance      float64        `json:"importance"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	SourceSessionID string         `json:"source_session_id,omitempty"`
	AccessCount     int            `json:"access_count"`
	LastAccessedAt  *time.Time     `json:"last_accessed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`

	// Score is populated on recall results only.
	Score float64 `json:"score,omitempty"`
}
