package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/db"
	"github.com/tentickle/tentickle/internal/model"
	"github.com/tentickle/tentickle/internal/store"
	"github.com/tentickle/tentickle/internal/tools"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// scriptedModel replays canned responses; the last one repeats.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*model.Response
	calls     int
	// block makes Generate wait on the context, for abort tests.
	block bool
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.calls++
	return m.responses[i], nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func textResponse(text string) *model.Response {
	return &model.Response{
		Model:      "scripted",
		Content:    []v1.ContentBlock{v1.TextBlock(text)},
		StopReason: model.StopEndTurn,
		Usage:      v1.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolResponse(text, callID, toolName string, input string) *model.Response {
	return &model.Response{
		Model: "scripted",
		Content: []v1.ContentBlock{
			v1.TextBlock(text),
			v1.ToolUseBlock(callID, toolName, json.RawMessage(input)),
		},
		StopReason: model.StopToolUse,
		Usage:      v1.Usage{InputTokens: 20, OutputTokens: 8},
	}
}

type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "echo input back" }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(ctx context.Context, rc tools.RunContext, input json.RawMessage) (*tools.Result, error) {
	return tools.TextResult("echo: " + string(input)), nil
}

type testEnv struct {
	registry *Registry
	store    *store.Store
	pool     *db.Pool
	path     string
	log      *logger.Logger
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", OutputPath: "stderr"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "session.db")
	st, pool, err := store.Open(path, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return &testEnv{registry: NewRegistry(st, log), store: st, pool: pool, path: path, log: log}
}

func (e *testEnv) registerApp(t *testing.T, name string, client model.Client, reg *tools.Registry) {
	t.Helper()
	e.registry.RegisterApp(AppFunc{
		AppName: name,
		Build: func(key string) (*ExecutionConfig, error) {
			return &ExecutionConfig{
				SystemPrompt: "You are a test agent.",
				Tools:        reg,
				Model:        client,
				ModelName:    "scripted",
				MaxTicks:     10,
			}, nil
		},
	})
}

func collectUntilEnd(t *testing.T, sub *Subscriber, timeout time.Duration) []*v1.Event {
	t.Helper()
	var events []*v1.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
			if ev.Type == v1.EventExecutionEnd {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out after %d events", len(events))
		}
	}
}

func eventTypes(events []*v1.Event) []v1.EventType {
	out := make([]v1.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestSession_TwoTickToolLoop(t *testing.T) {
	env := setupEnv(t)
	client := &scriptedModel{responses: []*model.Response{
		toolResponse("checking", "call-1", "echo", `{"q":"hi"}`),
		textResponse("all done"),
	}}
	env.registerApp(t, "assistant", client, tools.NewRegistry(echoTool{}))

	s, err := env.registry.Session(context.Background(), "assistant", "assistant:main")
	require.NoError(t, err)
	sub := s.Subscribe()
	defer sub.Close()

	_, err = s.Send(context.Background(), v1.UserInput("hello"))
	require.NoError(t, err)

	events := collectUntilEnd(t, sub, 5*time.Second)
	assert.Equal(t, []v1.EventType{
		v1.EventExecutionStart,
		v1.EventEntryCommitted, // user
		v1.EventTickStart,
		v1.EventEntryCommitted, // assistant with tool_use
		v1.EventToolCallStart,
		v1.EventToolResult,
		v1.EventEntryCommitted, // tool result
		v1.EventTickEnd,
		v1.EventTickStart,
		v1.EventEntryCommitted, // final assistant
		v1.EventTickEnd,
		v1.EventExecutionEnd,
	}, eventTypes(events))

	// Sequence is strictly increasing within the session.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}

	end := events[len(events)-1]
	assert.False(t, end.Aborted)
	assert.Empty(t, end.Error)
	assert.Equal(t, "all done", end.Output)
	assert.Len(t, end.NewTimelineEntries, 4)
	assert.Equal(t, 2, client.callCount())

	// The tool result is in the timeline between the two assistant turns.
	timeline := s.Timeline()
	require.Len(t, timeline, 4)
	assert.Equal(t, v1.RoleUser, timeline[0].Role)
	assert.Equal(t, v1.RoleAssistant, timeline[1].Role)
	assert.Equal(t, v1.RoleTool, timeline[2].Role)
	assert.Contains(t, timeline[2].Content[0].Content[0].Text, `echo: {"q":"hi"}`)
	assert.Equal(t, v1.RoleAssistant, timeline[3].Role)
}

func TestSession_EntryCommittedPrecedesToolCallStart(t *testing.T) {
	env := setupEnv(t)
	client := &scriptedModel{responses: []*model.Response{
		toolResponse("", "call-1", "echo", `{}`),
		textResponse("done"),
	}}
	env.registerApp(t, "assistant", client, tools.NewRegistry(echoTool{}))

	s, err := env.registry.Session(context.Background(), "assistant", "assistant:order")
	require.NoError(t, err)
	sub := s.Subscribe()
	defer sub.Close()
	_, err = s.Send(context.Background(), v1.UserInput("go"))
	require.NoError(t, err)

	events := collectUntilEnd(t, sub, 5*time.Second)
	var commitSeq, toolStartSeq uint64
	for _, ev := range events {
		if ev.Type == v1.EventEntryCommitted && ev.Entry.Role == v1.RoleAssistant && commitSeq == 0 {
			commitSeq = ev.Sequence
		}
		if ev.Type == v1.EventToolCallStart && toolStartSeq == 0 {
			toolStartSeq = ev.Sequence
		}
	}
	require.NotZero(t, commitSeq)
	require.NotZero(t, toolStartSeq)
	assert.Less(t, commitSeq, toolStartSeq)
}

func TestSession_QueuedSendsRunOneAtATime(t *testing.T) {
	env := setupEnv(t)
	client := &scriptedModel{responses: []*model.Response{textResponse("ok")}}
	env.registerApp(t, "assistant", client, nil)

	s, err := env.registry.Session(context.Background(), "assistant", "assistant:queue")
	require.NoError(t, err)
	sub := s.Subscribe(v1.EventExecutionEnd)
	defer sub.Close()

	exec1, err := s.Send(context.Background(), v1.UserInput("first"))
	require.NoError(t, err)
	exec2, err := s.Send(context.Background(), v1.UserInput("second"))
	require.NoError(t, err)
	require.NotEqual(t, exec1, exec2)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			seen[ev.ExecutionID] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for execution_end")
		}
	}
	assert.True(t, seen[exec1])
	assert.True(t, seen[exec2])

	execs, err := env.store.ListExecutions(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
	for _, ex := range execs {
		assert.Equal(t, v1.ExecutionStatusCompleted, ex.Status)
	}
}

func TestSession_AbortCooperative(t *testing.T) {
	env := setupEnv(t)
	client := &scriptedModel{block: true}
	env.registerApp(t, "assistant", client, nil)

	s, err := env.registry.Session(context.Background(), "assistant", "assistant:abort")
	require.NoError(t, err)
	sub := s.Subscribe(v1.EventExecutionEnd)
	defer sub.Close()

	execID, err := s.Send(context.Background(), v1.UserInput("never finishes"))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	s.Abort()

	select {
	case ev := <-sub.Events():
		assert.True(t, ev.Aborted)
		assert.Equal(t, execID, ev.ExecutionID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for aborted execution_end")
	}
	s.Wait()

	ex, err := env.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusAborted, ex.Status)
	require.NotNil(t, ex.CompletedAt)
}

func TestSession_MaxTicksCeiling(t *testing.T) {
	env := setupEnv(t)
	// Always asks for a tool, so only the ceiling stops it.
	client := &scriptedModel{responses: []*model.Response{
		toolResponse("again", "call-1", "echo", `{}`),
	}}
	env.registry.RegisterApp(AppFunc{
		AppName: "looper",
		Build: func(key string) (*ExecutionConfig, error) {
			return &ExecutionConfig{
				Tools:    tools.NewRegistry(echoTool{}),
				Model:    client,
				MaxTicks: 3,
			}, nil
		},
	})

	s, err := env.registry.Session(context.Background(), "looper", "looper:x")
	require.NoError(t, err)
	sub := s.Subscribe()
	defer sub.Close()
	_, err = s.Send(context.Background(), v1.UserInput("go"))
	require.NoError(t, err)

	events := collectUntilEnd(t, sub, 5*time.Second)
	ticks := 0
	for _, ev := range events {
		if ev.Type == v1.EventTickStart {
			ticks++
		}
	}
	assert.Equal(t, 3, ticks)
	assert.Equal(t, 3, client.callCount())
}

func TestSession_DoneMarkerOverridesContinue(t *testing.T) {
	env := setupEnv(t)
	client := &scriptedModel{responses: []*model.Response{
		textResponse("finished early " + DoneMarker),
	}}
	env.registry.RegisterApp(AppFunc{
		AppName: "driven",
		Build: func(key string) (*ExecutionConfig, error) {
			return &ExecutionConfig{
				Model:    client,
				MaxTicks: 10,
				Continue: func(state TickState) bool { return true },
			}, nil
		},
	})

	s, err := env.registry.Session(context.Background(), "driven", "driven:x")
	require.NoError(t, err)
	sub := s.Subscribe(v1.EventExecutionEnd)
	defer sub.Close()
	_, err = s.Send(context.Background(), v1.UserInput("go"))
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, 1, client.callCount())
		assert.NotContains(t, ev.Output, DoneMarker)
		assert.Contains(t, ev.Output, "finished early")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestSession_ContinuePredicateDrivesExtraTicks(t *testing.T) {
	env := setupEnv(t)
	client := &scriptedModel{responses: []*model.Response{textResponse("thinking")}}
	ticksWanted := 2
	env.registry.RegisterApp(AppFunc{
		AppName: "multi",
		Build: func(key string) (*ExecutionConfig, error) {
			return &ExecutionConfig{
				Model:    client,
				MaxTicks: 10,
				Continue: func(state TickState) bool { return state.Tick < ticksWanted },
			}, nil
		},
	})

	s, err := env.registry.Session(context.Background(), "multi", "multi:x")
	require.NoError(t, err)
	sub := s.Subscribe(v1.EventExecutionEnd)
	defer sub.Close()
	_, err = s.Send(context.Background(), v1.UserInput("go"))
	require.NoError(t, err)

	select {
	case <-sub.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, ticksWanted, client.callCount())
}

func TestSession_RestoreAcrossRestart(t *testing.T) {
	env := setupEnv(t)
	client := &scriptedModel{responses: []*model.Response{textResponse("remembered")}}
	env.registerApp(t, "assistant", client, nil)

	ctx := context.Background()
	s, err := env.registry.Session(ctx, "assistant", "assistant:durable")
	require.NoError(t, err)
	_, err = s.Send(ctx, v1.UserInput("write this down"))
	require.NoError(t, err)
	s.Wait()
	require.NoError(t, s.Knobs.Set("mood", "curious"))
	s.saveKnobs(ctx)
	env.registry.CloseAll()

	// Same database, fresh process state.
	st2, err := store.New(env.pool, env.log)
	require.NoError(t, err)
	reg2 := NewRegistry(st2, env.log)
	reg2.RegisterApp(AppFunc{
		AppName: "assistant",
		Build: func(key string) (*ExecutionConfig, error) {
			return &ExecutionConfig{Model: client}, nil
		},
	})

	restored, err := reg2.Session(ctx, "assistant", "assistant:durable")
	require.NoError(t, err)
	timeline := restored.Timeline()
	require.Len(t, timeline, 2)
	assert.Equal(t, "write this down", timeline[0].Text())
	assert.Equal(t, "remembered", timeline[1].Text())
	assert.Equal(t, 1, restored.Record().Tick)

	var mood string
	raw, ok := restored.Knobs.Get("mood")
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &mood))
	assert.Equal(t, "curious", mood)
}

func TestSession_SpawnChildAndAwaitResult(t *testing.T) {
	env := setupEnv(t)
	childClient := &scriptedModel{responses: []*model.Response{textResponse("child says hi")}}
	env.registry.RegisterApp(AppFunc{
		AppName: "researcher",
		Build: func(key string) (*ExecutionConfig, error) {
			return &ExecutionConfig{Model: childClient, MaxTicks: 5}, nil
		},
	})

	parentClient := &scriptedModel{responses: []*model.Response{
		toolResponse("delegating", "call-1", "spawn", `{"agent":"researcher","input":"look it up"}`),
		textResponse("done"),
	}}
	env.registerApp(t, "assistant", parentClient,
		tools.NewRegistry(&tools.SpawnTool{DefaultApp: "researcher", MaxTicks: 5}))

	s, err := env.registry.Session(context.Background(), "assistant", "assistant:spawner")
	require.NoError(t, err)
	sub := s.Subscribe(v1.EventExecutionEnd)
	defer sub.Close()
	_, err = s.Send(context.Background(), v1.UserInput("delegate"))
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Empty(t, ev.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	timeline := s.Timeline()
	var toolEntry *v1.TimelineEntry
	for _, e := range timeline {
		if e.Role == v1.RoleTool {
			toolEntry = e
		}
	}
	require.NotNil(t, toolEntry)
	assert.Contains(t, toolEntry.Content[0].Content[0].Text, "child says hi")

	// The spawned session row is persisted with the parent link.
	sessions, err := env.store.ListSessions(context.Background(), 10)
	require.NoError(t, err)
	var spawned *v1.Session
	for _, row := range sessions {
		if row.Type == v1.SessionTypeSpawn {
			spawned = row
		}
	}
	require.NotNil(t, spawned)
	assert.Equal(t, s.ID, spawned.ParentID)
}

func TestSession_AbortCancelsSpawnSubtree(t *testing.T) {
	env := setupEnv(t)
	childClient := &scriptedModel{block: true}
	env.registry.RegisterApp(AppFunc{
		AppName: "stuck",
		Build: func(key string) (*ExecutionConfig, error) {
			return &ExecutionConfig{Model: childClient, MaxTicks: 5}, nil
		},
	})
	parentClient := &scriptedModel{responses: []*model.Response{
		toolResponse("delegating", "call-1", "spawn", `{"agent":"stuck","input":"wait forever"}`),
		textResponse("unreachable"),
	}}
	env.registerApp(t, "assistant", parentClient,
		tools.NewRegistry(&tools.SpawnTool{DefaultApp: "stuck", MaxTicks: 5}))

	s, err := env.registry.Session(context.Background(), "assistant", "assistant:cascade")
	require.NoError(t, err)
	sub := s.Subscribe(v1.EventExecutionEnd)
	defer sub.Close()
	_, err = s.Send(context.Background(), v1.UserInput("go"))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	s.Abort()

	select {
	case ev := <-sub.Events():
		assert.True(t, ev.Aborted)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for aborted parent")
	}
	s.Wait()
}

// failingModel errors on every call.
type failingModel struct{ err error }

func (m *failingModel) Name() string { return "failing" }

func (m *failingModel) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	return nil, m.err
}

func TestRegistry_ConcurrentFirstOpenSharesOneSession(t *testing.T) {
	env := setupEnv(t)
	client := &scriptedModel{responses: []*model.Response{textResponse("ok")}}

	const callers = 4
	// Hold every caller inside Configure so all of them pass the
	// live-session check before any row is inserted.
	var gate sync.WaitGroup
	gate.Add(callers)
	env.registry.RegisterApp(AppFunc{
		AppName: "assistant",
		Build: func(key string) (*ExecutionConfig, error) {
			gate.Done()
			gate.Wait()
			return &ExecutionConfig{Model: client, MaxTicks: 5}, nil
		},
	})

	results := make([]*Session, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.registry.Session(context.Background(), "assistant", "assistant:shared")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Same(t, results[0], results[i], "caller %d got a different instance", i)
	}
	assert.Equal(t, 1, env.registry.Count())

	sessions, err := env.store.ListSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "assistant:shared", sessions[0].ID)

	// The surviving instance works.
	_, err = results[0].Send(context.Background(), v1.UserInput("hello"))
	require.NoError(t, err)
	results[0].Wait()
}

func TestSession_ModelErrorFinalizesTickRow(t *testing.T) {
	env := setupEnv(t)
	env.registerApp(t, "assistant", &failingModel{err: errors.New("upstream unavailable")}, nil)

	ctx := context.Background()
	s, err := env.registry.Session(ctx, "assistant", "assistant:tickfail")
	require.NoError(t, err)
	sub := s.Subscribe(v1.EventExecutionEnd)
	defer sub.Close()

	execID, err := s.Send(ctx, v1.UserInput("boom"))
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Contains(t, ev.Error, "upstream unavailable")
		assert.False(t, ev.Aborted)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for execution_end")
	}
	s.Wait()

	ticks, err := env.store.ListTicks(ctx, execID)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, model.StopError, ticks[0].StopReason)
	require.NotNil(t, ticks[0].CompletedAt, "errored tick must not stay in-flight")

	ex, err := env.store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusFailed, ex.Status)
}

func TestStream_DropsNonCriticalAndEvictsOnCritical(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", OutputPath: "stderr"})
	require.NoError(t, err)
	st := newStream("s1", log, nil)
	sub := st.subscribe()

	// Fill the queue without draining it.
	for i := 0; i < subscriberHighWater; i++ {
		st.emit(&v1.Event{Type: v1.EventTickPartial})
	}
	// Non-critical overflow is dropped silently.
	st.emit(&v1.Event{Type: v1.EventTickPartial})
	assert.Len(t, sub.ch, subscriberHighWater)

	// Critical overflow evicts the subscriber.
	st.emit(&v1.Event{Type: v1.EventEntryCommitted})
	select {
	case <-sub.done:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not evicted")
	}

	st.mu.Lock()
	remaining := len(st.subs)
	st.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestStream_FilterByType(t *testing.T) {
	st := newStream("s1", nil, nil)
	sub := st.subscribe(v1.EventExecutionEnd)
	defer sub.Close()

	st.emit(&v1.Event{Type: v1.EventTickStart})
	st.emit(&v1.Event{Type: v1.EventExecutionEnd})

	ev := <-sub.Events()
	assert.Equal(t, v1.EventExecutionEnd, ev.Type)
	assert.Empty(t, sub.ch)
}

func TestKnobs_SetGetAndPrefixReset(t *testing.T) {
	k := NewKnobs()
	require.NoError(t, k.Set("ref:2", true))
	require.NoError(t, k.Set("ref:7", true))
	require.NoError(t, k.Set("verbose", true))

	assert.True(t, k.GetBool("ref:2"))
	k.DeletePrefix("ref:")
	assert.False(t, k.GetBool("ref:2"))
	assert.False(t, k.GetBool("ref:7"))
	assert.True(t, k.GetBool("verbose"))

	snap := k.Snapshot()
	k2 := NewKnobs()
	k2.Replace(snap)
	assert.True(t, k2.GetBool("verbose"))
}
