package v1

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a timeline entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleEvent     Role = "event"
)

// Visibility controls who sees a timeline entry.
type Visibility string

const (
	// VisibilityModel entries are part of the model prompt.
	VisibilityModel Visibility = "model"
	// VisibilityObserver entries are shown to subscribers but not the model.
	VisibilityObserver Visibility = "observer"
	// VisibilityLog entries are persisted for debugging only.
	VisibilityLog Visibility = "log"
)

// PreviewMaxLen bounds the stored text preview of a message.
const PreviewMaxLen = 500

// TimelineEntry is one message in a session's conversation timeline.
// (session_id, tick, sequence_in_tick) is a total order within a session.
type TimelineEntry struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	ExecutionID    string         `json:"execution_id,omitempty"`
	EntityID       string         `json:"entity_id,omitempty"`
	Role           Role           `json:"role"`
	Tick           int            `json:"tick"`
	SequenceInTick int            `json:"sequence_in_tick"`
	Content        []ContentBlock `json:"content"`
	Visibility     Visibility     `json:"visibility,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	TokenCount     int            `json:"token_count,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewTimelineEntry mints an entry with a fresh id and timestamp.
func NewTimelineEntry(sessionID string, role Role, content []ContentBlock) *TimelineEntry {
	return &TimelineEntry{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		Visibility: VisibilityModel,
		CreatedAt:  time.Now().UTC(),
	}
}

// Preview returns the entry's text content truncated to PreviewMaxLen runes.
func (e *TimelineEntry) Preview() string {
	var sb strings.Builder
	for _, b := range e.Content {
		if t := b.ExtractText(); t != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(t)
		}
		if sb.Len() > PreviewMaxLen {
			break
		}
	}
	preview := sb.String()
	runes := []rune(preview)
	if len(runes) > PreviewMaxLen {
		return string(runes[:PreviewMaxLen])
	}
	return preview
}

// Text concatenates the entry's plain text blocks.
func (e *TimelineEntry) Text() string {
	var parts []string
	for _, b := range e.Content {
		if b.Type == BlockTypeText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool_use blocks of the entry in order.
func (e *TimelineEntry) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range e.Content {
		if b.Type == BlockTypeToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// StripTransient returns a copy of the entry with all transient block
// fields removed, ready for persistence.
func (e *TimelineEntry) StripTransient() *TimelineEntry {
	out := *e
	out.Content = make([]ContentBlock, len(e.Content))
	for i, b := range e.Content {
		out.Content[i] = b.StripTransient()
	}
	return &out
}
