package gateway

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/events/bus"
	"github.com/tentickle/tentickle/internal/model"
	"github.com/tentickle/tentickle/internal/session"
	"github.com/tentickle/tentickle/internal/store"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

type staticModel struct {
	mu    sync.Mutex
	calls int
	text  string
}

func (m *staticModel) Name() string { return "static" }

func (m *staticModel) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return &model.Response{
		Model:      "static",
		Content:    []v1.ContentBlock{v1.TextBlock(m.text)},
		StopReason: model.StopEndTurn,
	}, nil
}

func newTestGateway(t *testing.T) (*Gateway, *staticModel) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", OutputPath: "stderr"})
	require.NoError(t, err)
	st, pool, err := store.Open(filepath.Join(t.TempDir(), "gw.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	client := &staticModel{text: "hello from agent"}
	registry := session.NewRegistry(st, log)
	registry.RegisterApp(session.AppFunc{
		AppName: "assistant",
		Build: func(key string) (*session.ExecutionConfig, error) {
			return &session.ExecutionConfig{Model: client, MaxTicks: 3}, nil
		},
	})

	gw := New(registry, st, log, Options{
		DefaultApp: "assistant",
		Bus:        bus.NewMemoryEventBus(log),
	})
	t.Cleanup(gw.Stop)
	return gw, client
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		raw       string
		wantApp   string
		wantLocal string
		wantErr   bool
	}{
		{raw: "assistant:main", wantApp: "assistant", wantLocal: "main"},
		{raw: "main", wantApp: "fallback", wantLocal: "main"},
		{raw: "tele.gram_user-42", wantApp: "fallback", wantLocal: "tele.gram_user-42"},
		{raw: "bad key", wantErr: true},
		{raw: "a:b:c", wantErr: true},
		{raw: "", wantErr: true},
		{raw: strings.Repeat("k", 257), wantErr: true},
	}
	for _, tt := range tests {
		key, err := ParseKey(tt.raw, "fallback")
		if tt.wantErr {
			assert.Error(t, err, "key %q", tt.raw)
			continue
		}
		require.NoError(t, err, "key %q", tt.raw)
		assert.Equal(t, tt.wantApp, key.App)
		assert.Equal(t, tt.wantLocal, key.LocalKey)
		assert.Equal(t, tt.wantApp+":"+tt.wantLocal, key.Canonical())
	}
}

func TestParseKey_NoDefaultApp(t *testing.T) {
	_, err := ParseKey("main", "")
	assert.Error(t, err)
	key, err := ParseKey("app:main", "")
	require.NoError(t, err)
	assert.Equal(t, "app", key.App)
}

func TestGateway_SendRoutesToDefaultApp(t *testing.T) {
	gw, client := newTestGateway(t)

	sub, sessionID, err := gw.Subscribe(context.Background(), "main", v1.EventExecutionEnd)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, "assistant:main", sessionID)

	sentID, execID, err := gw.Send(context.Background(), "main", v1.UserInput("hi"))
	require.NoError(t, err)
	assert.Equal(t, sessionID, sentID)
	require.NotEmpty(t, execID)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, execID, ev.ExecutionID)
		assert.Equal(t, "hello from agent", ev.Output)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, 1, client.calls)
}

func TestGateway_ConcurrentSendsDeduplicateSession(t *testing.T) {
	gw, _ := newTestGateway(t)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := gw.Send(context.Background(), "assistant:shared", v1.UserInput("ping"))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, "assistant:shared", id)
	}
	sessions, err := gw.Store().ListSessions(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestGateway_UnknownApp(t *testing.T) {
	gw, _ := newTestGateway(t)
	_, _, err := gw.Send(context.Background(), "nosuch:key", v1.UserInput("hi"))
	assert.Error(t, err)
}

func TestGateway_AbortUnknownSession(t *testing.T) {
	gw, _ := newTestGateway(t)
	err := gw.Abort("assistant:ghost")
	assert.Error(t, err)
}

func TestGateway_BusBridge(t *testing.T) {
	gw, _ := newTestGateway(t)

	received := make(chan *bus.Event, 64)
	_, err := gw.bus.Subscribe("session.*.events", func(ctx context.Context, ev *bus.Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	_, _, err = gw.Send(context.Background(), "bus-watch", v1.UserInput("hi"))
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, "assistant:bus-watch", ev.Data["sessionId"])
	case <-time.After(5 * time.Second):
		t.Fatal("no bus event observed")
	}
}

type countingPlugin struct {
	started bool
	stopped bool
}

func (p *countingPlugin) Name() string { return "counting" }
func (p *countingPlugin) Start(ctx context.Context, gw *Gateway) error {
	p.started = true
	return nil
}
func (p *countingPlugin) Stop() error {
	p.stopped = true
	return nil
}

func TestGateway_PluginLifecycle(t *testing.T) {
	gw, _ := newTestGateway(t)
	p := &countingPlugin{}
	require.NoError(t, gw.AddPlugin(context.Background(), p))
	assert.True(t, p.started)

	gw.Stop()
	assert.True(t, p.stopped)

	err := gw.AddPlugin(context.Background(), &countingPlugin{})
	assert.Error(t, err)
}
