package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tentickle/tentickle/internal/memory"
)

// RememberTool writes a durable fact into the memory store.
type RememberTool struct {
	Memory *memory.Memory
}

func (t *RememberTool) Name() string { return "remember" }

func (t *RememberTool) Description() string {
	return "Store a fact for later recall. Use for durable knowledge about people, preferences, decisions, and the environment, not for transient task state."
}

func (t *RememberTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "The fact to store, phrased so it is useful without surrounding context."},
			"topic": {"type": "string", "description": "Optional topic label for grouping, e.g. \"infra\" or \"people\"."},
			"importance": {"type": "number", "description": "Optional importance in (0,1]; defaults to 0.5."}
		},
		"required": ["content"]
	}`)
}

type rememberInput struct {
	Content    string  `json:"content"`
	Topic      string  `json:"topic"`
	Importance float64 `json:"importance"`
}

func (t *RememberTool) Execute(ctx context.Context, rc RunContext, input json.RawMessage) (*Result, error) {
	var in rememberInput
	if err := json.Unmarshal(input, &in); err != nil {
		return ErrorResult(fmt.Sprintf("invalid input: %v", err)), nil
	}
	entry, err := t.Memory.Remember(ctx, memory.RememberInput{
		Content:         in.Content,
		Topic:           in.Topic,
		Importance:      in.Importance,
		SourceSessionID: rc.SessionID,
	})
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return TextResult(fmt.Sprintf("Remembered (id %s).", entry.ID)), nil
}

// RecallTool searches the memory store.
type RecallTool struct {
	Memory *memory.Memory
}

func (t *RecallTool) Name() string { return "recall" }

func (t *RecallTool) Description() string {
	return "Search stored memories. An empty query returns a map of known topics."
}

func (t *RecallTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search text. Empty lists the topic map instead."},
			"topic": {"type": "string", "description": "Optional topic filter."},
			"limit": {"type": "integer", "description": "Maximum results, default 5."}
		}
	}`)
}

type recallInput struct {
	Query string `json:"query"`
	Topic string `json:"topic"`
	Limit int    `json:"limit"`
}

func (t *RecallTool) Execute(ctx context.Context, rc RunContext, input json.RawMessage) (*Result, error) {
	var in recallInput
	if err := json.Unmarshal(input, &in); err != nil {
		return ErrorResult(fmt.Sprintf("invalid input: %v", err)), nil
	}
	result, err := t.Memory.Recall(ctx, in.Query, memory.RecallOptions{
		Topic: in.Topic,
		Limit: in.Limit,
	})
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return TextResult(formatRecall(result)), nil
}

func formatRecall(result *memory.RecallResult) string {
	var sb strings.Builder
	if len(result.Entries) == 0 {
		sb.WriteString("No matching memories.")
	} else {
		for i, e := range result.Entries {
			fmt.Fprintf(&sb, "%d. [%.2f] %s", i+1, e.Score, e.Content)
			if e.Topic != "" {
				fmt.Fprintf(&sb, " (topic: %s)", e.Topic)
			}
			sb.WriteByte('\n')
		}
	}
	if len(result.Hints.RelatedTopics) > 0 {
		fmt.Fprintf(&sb, "\nRelated topics: %s", strings.Join(result.Hints.RelatedTopics, ", "))
	}
	if len(result.Hints.TopicMap) > 0 && len(result.Entries) == 0 {
		sb.WriteString("\nKnown topics:")
		for topic, count := range result.Hints.TopicMap {
			fmt.Fprintf(&sb, "\n  %s (%d)", topic, count)
		}
	}
	return sb.String()
}
