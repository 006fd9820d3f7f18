package v1

import (
	"encoding/json"
	"time"
)

// EventType discriminates the execution event union.
type EventType string

const (
	EventExecutionStart          EventType = "execution_start"
	EventTickStart               EventType = "tick_start"
	EventEntryCommitted          EventType = "entry_committed"
	EventToolCallStart           EventType = "tool_call_start"
	EventToolResult              EventType = "tool_result"
	EventToolConfirmationRequest EventType = "tool_confirmation_request"
	EventTickEnd                 EventType = "tick_end"
	EventTickPartial             EventType = "tick_partial"
	EventExecutionEnd            EventType = "execution_end"
)

// IsCritical reports whether subscribers must receive the event. Slow
// consumers may drop non-critical events; dropping a critical event evicts
// the subscriber instead.
func (t EventType) IsCritical() bool {
	switch t {
	case EventEntryCommitted, EventTickEnd, EventExecutionEnd:
		return true
	default:
		return false
	}
}

// Usage counts tokens consumed by a model round-trip. Tick-level usage is
// authoritative; session aggregates are derived by summation.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Event is one entry in a session's totally ordered event stream. Type
// discriminates which of the optional payload fields are meaningful;
// dispatch sites must switch exhaustively over Type.
type Event struct {
	Type        EventType `json:"type"`
	SessionID   string    `json:"sessionId"`
	ExecutionID string    `json:"executionId,omitempty"`
	Tick        int       `json:"tick"`
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`

	// entry_committed
	Entry         *TimelineEntry `json:"entry,omitempty"`
	TimelineIndex int            `json:"timelineIndex,omitempty"`

	// tool_call_start / tool_result
	CallID       string          `json:"callId,omitempty"`
	ToolName     string          `json:"name,omitempty"`
	ToolInput    json.RawMessage `json:"input,omitempty"`
	ResultBlocks []ContentBlock  `json:"resultBlocks,omitempty"`
	IsError      bool            `json:"isError,omitempty"`

	// tool_confirmation_request
	ToolUseID string          `json:"toolUseId,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Message   string          `json:"message,omitempty"`

	// tick_end
	Model      string `json:"model,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	StopReason string `json:"stopReason,omitempty"`

	// execution_end
	Aborted            bool             `json:"aborted,omitempty"`
	Error              string           `json:"error,omitempty"`
	NewTimelineEntries []*TimelineEntry `json:"newTimelineEntries,omitempty"`
	FullTimeline       []*TimelineEntry `json:"fullTimeline,omitempty"`
	Output             string           `json:"output,omitempty"`
}
