package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/gateway"
	"github.com/tentickle/tentickle/internal/model"
	"github.com/tentickle/tentickle/internal/session"
	"github.com/tentickle/tentickle/internal/store"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
	ws "github.com/tentickle/tentickle/pkg/websocket"
)

type cannedModel struct{ text string }

func (m *cannedModel) Name() string { return "canned" }

func (m *cannedModel) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{
		Model:      "canned",
		Content:    []v1.ContentBlock{v1.TextBlock(m.text)},
		StopReason: model.StopEndTurn,
	}, nil
}

func dialTestServer(t *testing.T) *gorillaws.Conn {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", OutputPath: "stderr"})
	require.NoError(t, err)
	st, pool, err := store.Open(filepath.Join(t.TempDir(), "ws.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	registry := session.NewRegistry(st, log)
	registry.RegisterApp(session.AppFunc{
		AppName: "assistant",
		Build: func(key string) (*session.ExecutionConfig, error) {
			return &session.ExecutionConfig{Model: &cannedModel{text: "socketed"}, MaxTicks: 2}, nil
		},
	})
	gw := gateway.New(registry, st, log, gateway.Options{DefaultApp: "assistant"})
	t.Cleanup(gw.Stop)

	hub := NewHub(log)
	handler := NewHandler(hub, gw, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", handler.HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessages splits a websocket frame into batched protocol messages.
func readMessages(t *testing.T, conn *gorillaws.Conn) []*ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out []*ws.Message
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var msg ws.Message
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		out = append(out, &msg)
	}
	return out
}

func awaitMessage(t *testing.T, conn *gorillaws.Conn, match func(*ws.Message) bool) *ws.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range readMessages(t, conn) {
			if match(msg) {
				return msg
			}
		}
	}
	t.Fatal("expected message not received")
	return nil
}

func writeRequest(t *testing.T, conn *gorillaws.Conn, msg *ws.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, data))
}

func TestWebSocket_Ping(t *testing.T) {
	conn := dialTestServer(t)

	ping, err := ws.NewRequest("p1", ws.ActionPing, "", nil)
	require.NoError(t, err)
	writeRequest(t, conn, ping)

	resp := awaitMessage(t, conn, func(m *ws.Message) bool { return m.ID == "p1" })
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)
}

func TestWebSocket_SendAndReceiveEvents(t *testing.T) {
	conn := dialTestServer(t)

	sub, err := ws.NewRequest("sub1", ws.ActionSessionSubscribe, "remote",
		map[string][]string{"types": {string(v1.EventExecutionEnd)}})
	require.NoError(t, err)
	writeRequest(t, conn, sub)
	resp := awaitMessage(t, conn, func(m *ws.Message) bool { return m.ID == "sub1" })
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	send, err := ws.NewRequest("send1", ws.ActionSessionSend, "remote", v1.UserInput("hello"))
	require.NoError(t, err)
	writeRequest(t, conn, send)

	note := awaitMessage(t, conn, func(m *ws.Message) bool {
		return m.Type == ws.MessageTypeNotification && m.Action == ws.ActionSessionEvent
	})
	var ev v1.Event
	require.NoError(t, note.ParsePayload(&ev))
	assert.Equal(t, v1.EventExecutionEnd, ev.Type)
	assert.Equal(t, "socketed", ev.Output)
	assert.Equal(t, "assistant:remote", note.SessionID)
}

func TestWebSocket_UnknownActionReturnsError(t *testing.T) {
	conn := dialTestServer(t)

	req, err := ws.NewRequest("x1", "nonsense.action", "", nil)
	require.NoError(t, err)
	writeRequest(t, conn, req)

	resp := awaitMessage(t, conn, func(m *ws.Message) bool { return m.ID == "x1" })
	assert.Equal(t, ws.MessageTypeError, resp.Type)
	var payload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ws.ErrorCodeBadRequest, payload.Code)
}
