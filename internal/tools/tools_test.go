package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct{ name string }

func (t *echoTool) Name() string            { return t.name }
func (t *echoTool) Description() string     { return "echo" }
func (t *echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *echoTool) Execute(ctx context.Context, rc RunContext, input json.RawMessage) (*Result, error) {
	return TextResult(string(input)), nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(&echoTool{name: "echo"})

	tool, err := r.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", tool.Name())

	_, err = r.Get("missing")
	assert.Error(t, err)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry(&echoTool{name: "zeta"}, &echoTool{name: "alpha"}, &echoTool{name: "mid"})

	names := make([]string, 0, r.Len())
	for _, tool := range r.List() {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	first := &echoTool{name: "echo"}
	second := &echoTool{name: "echo"}
	r := NewRegistry(first)
	r.Register(second)

	tool, err := r.Get("echo")
	require.NoError(t, err)
	assert.Same(t, second, tool)
	assert.Equal(t, 1, r.Len())
}

func TestSpawnTool_DelegatesToRunContext(t *testing.T) {
	var gotApp, gotInput string
	var gotOpts SpawnOptions
	rc := RunContext{
		SessionID: "s1",
		Spawn: func(ctx context.Context, app, input string, opts SpawnOptions) (string, error) {
			gotApp, gotInput, gotOpts = app, input, opts
			return "child answer", nil
		},
	}
	tool := &SpawnTool{DefaultApp: "assistant", MaxTicks: 10}

	res, err := tool.Execute(context.Background(), rc,
		json.RawMessage(`{"input":"summarize the logs","label":"logs"}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "child answer", res.Blocks[0].Text)
	assert.Equal(t, "assistant", gotApp)
	assert.Equal(t, "summarize the logs", gotInput)
	assert.Equal(t, SpawnOptions{Label: "logs", MaxTicks: 10}, gotOpts)
}

func TestSpawnTool_ExplicitAgentAndBudget(t *testing.T) {
	rc := RunContext{
		Spawn: func(ctx context.Context, app, input string, opts SpawnOptions) (string, error) {
			assert.Equal(t, "researcher", app)
			assert.Equal(t, 3, opts.MaxTicks)
			return "done", nil
		},
	}
	tool := &SpawnTool{DefaultApp: "assistant", MaxTicks: 10}

	res, err := tool.Execute(context.Background(), rc,
		json.RawMessage(`{"agent":"researcher","input":"dig in","max_ticks":3}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
}

func TestSpawnTool_FailureIsToolResultNotError(t *testing.T) {
	rc := RunContext{
		Spawn: func(ctx context.Context, app, input string, opts SpawnOptions) (string, error) {
			return "", errors.New("child aborted")
		},
	}
	tool := &SpawnTool{DefaultApp: "assistant"}

	res, err := tool.Execute(context.Background(), rc, json.RawMessage(`{"input":"x"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Blocks[0].Text, "child aborted")
}

func TestSpawnTool_NoSpawnSupport(t *testing.T) {
	tool := &SpawnTool{}
	res, err := tool.Execute(context.Background(), RunContext{}, json.RawMessage(`{"input":"x"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestSpawnTool_RequiresInput(t *testing.T) {
	rc := RunContext{Spawn: func(ctx context.Context, app, input string, opts SpawnOptions) (string, error) {
		t.Fatal("spawn should not run")
		return "", nil
	}}
	res, err := (&SpawnTool{}).Execute(context.Background(), rc, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
