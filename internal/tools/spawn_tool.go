package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// SpawnTool starts a child session and waits for its result. The child
// shares the parent's workspace but runs its own bounded execution; the
// calling tool suspends without blocking other tools on the same tick.
type SpawnTool struct {
	// DefaultApp runs when the model omits an agent name.
	DefaultApp string
	// MaxTicks caps the child execution when the model does not set one.
	MaxTicks int
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Run a sub-agent on a focused task and return its final answer. The sub-agent has its own conversation and tick budget."
}

func (t *SpawnTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"agent": {"type": "string", "description": "Registered agent name; omit for the default."},
			"input": {"type": "string", "description": "The task for the sub-agent."},
			"label": {"type": "string", "description": "Optional short label shown in the event stream."},
			"max_ticks": {"type": "integer", "description": "Optional tick budget override."}
		},
		"required": ["input"]
	}`)
}

type spawnInput struct {
	Agent    string `json:"agent"`
	Input    string `json:"input"`
	Label    string `json:"label"`
	MaxTicks int    `json:"max_ticks"`
}

func (t *SpawnTool) Execute(ctx context.Context, rc RunContext, input json.RawMessage) (*Result, error) {
	if rc.Spawn == nil {
		return ErrorResult("spawning is not available in this session"), nil
	}
	var in spawnInput
	if err := json.Unmarshal(input, &in); err != nil {
		return ErrorResult(fmt.Sprintf("invalid input: %v", err)), nil
	}
	if in.Input == "" {
		return ErrorResult("input is required"), nil
	}
	app := in.Agent
	if app == "" {
		app = t.DefaultApp
	}
	maxTicks := in.MaxTicks
	if maxTicks <= 0 {
		maxTicks = t.MaxTicks
	}

	result, err := rc.Spawn(ctx, app, in.Input, SpawnOptions{Label: in.Label, MaxTicks: maxTicks})
	if err != nil {
		return ErrorResult(fmt.Sprintf("sub-agent failed: %v", err)), nil
	}
	if result == "" {
		result = "(sub-agent finished with no output)"
	}
	return TextResult(result), nil
}
