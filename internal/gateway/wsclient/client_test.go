package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentickle/tentickle/internal/common/logger"
	ws "github.com/tentickle/tentickle/pkg/websocket"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// daemonStub serves the request/response protocol, counting connections
// and optionally dropping the first one after a single read.
type daemonStub struct {
	server      *httptest.Server
	connections int32
	dropFirst   bool
}

func newDaemonStub(t *testing.T, dropFirst bool) *daemonStub {
	t.Helper()
	s := &daemonStub{dropFirst: dropFirst}
	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := atomic.AddInt32(&s.connections, 1)
		if s.dropFirst && n == 1 {
			// Swallow one request and cut the link without replying.
			var msg ws.Message
			_ = conn.ReadJSON(&msg)
			return
		}
		for {
			var msg ws.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			resp, err := ws.NewResponse(msg.ID, msg.Action, map[string]any{"status": "running"})
			if err != nil {
				return
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *daemonStub) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func TestClient_StatusRoundTrip(t *testing.T) {
	stub := newDaemonStub(t, false)

	client := New(stub.url(), testLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", status["status"])
	assert.True(t, client.IsConnected())
}

func TestClient_RequestWithoutConnect(t *testing.T) {
	client := New("ws://127.0.0.1:0/ws", testLogger(t))
	_, err := client.Request(context.Background(), ws.ActionStatus, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestClient_ReplaysRequestAfterReconnect(t *testing.T) {
	stub := newDaemonStub(t, true)

	client := New(stub.url(), testLogger(t),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	// The first connection dies after reading this request. The answer
	// must still arrive, via replay on the second connection.
	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "running", status["status"])
	assert.GreaterOrEqual(t, atomic.LoadInt32(&stub.connections), int32(2))
}

func TestClient_FailsPendingWhenRetriesExhausted(t *testing.T) {
	stub := newDaemonStub(t, false)

	client := New(stub.url(), testLogger(t),
		WithBackoff(50*time.Millisecond, 100*time.Millisecond),
		WithMaxAttempts(3))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	// Kill the endpoint so every redial fails.
	stub.server.CloseClientConnections()
	stub.server.Close()

	err := client.RequestPayload(ctx, ws.ActionStatus, "", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
}
