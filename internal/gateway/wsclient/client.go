// Package wsclient implements the daemon websocket protocol from the
// client side. A dropped link is redialed with exponential backoff and
// requests that were in flight when it dropped are replayed on the new
// connection.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	ws "github.com/tentickle/tentickle/pkg/websocket"
)

const (
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
	defaultMaxAttempts = 10

	eventBuffer = 64
)

type pendingRequest struct {
	msg *ws.Message
	ch  chan *ws.Message
}

// Client is a reconnecting websocket client for the daemon protocol.
type Client struct {
	url    string
	logger *logger.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int

	conn         *websocket.Conn
	connected    bool
	reconnecting bool
	connMu       sync.RWMutex
	writeMu      sync.Mutex

	pending   map[string]*pendingRequest
	pendingMu sync.Mutex

	events chan *ws.Message

	closed    chan struct{}
	closeOnce sync.Once
}

// Option configures the client.
type Option func(*Client)

// WithBackoff sets the reconnect backoff window.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.baseBackoff = base
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxAttempts caps the number of reconnect attempts per outage.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func New(url string, log *logger.Logger, opts ...Option) *Client {
	c := &Client{
		url:         url,
		logger:      log.WithFields(zap.String("component", "wsclient")),
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		maxAttempts: defaultMaxAttempts,
		pending:     make(map[string]*pendingRequest),
		events:      make(chan *ws.Message, eventBuffer),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the daemon once. Automatic reconnection only covers
// connections that drop after this succeeds.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.connected {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon at %s: %w", c.url, err)
	}
	c.conn = conn
	c.connected = true
	c.logger.Debug("connected", zap.String("url", c.url))
	go c.readLoop(conn)
	return nil
}

// Close tears the connection down and fails anything still pending.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.connMu.Lock()
		conn := c.conn
		c.conn = nil
		c.connected = false
		c.connMu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		c.failPending("client closed")
	})
	return err
}

func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Events returns server-push notifications (session events). Slow
// consumers lose notifications, never responses.
func (c *Client) Events() <-chan *ws.Message { return c.events }

// Request sends one request and waits for its correlated reply. If the
// connection drops while waiting, the request is replayed once the
// client reconnects; the context bounds the total wait.
func (c *Client) Request(ctx context.Context, action, sessionID string, payload any) (*ws.Message, error) {
	c.connMu.RLock()
	conn, usable := c.conn, c.connected || c.reconnecting
	c.connMu.RUnlock()
	if !usable {
		return nil, fmt.Errorf("not connected to daemon")
	}

	id := uuid.New().String()
	msg, err := ws.NewRequest(id, action, sessionID, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	pr := &pendingRequest{msg: msg, ch: make(chan *ws.Message, 1)}
	c.pendingMu.Lock()
	c.pending[id] = pr
	c.pendingMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		err = conn.WriteJSON(msg)
		c.writeMu.Unlock()
		if err != nil {
			// The read loop notices the same failure and reconnects;
			// the request stays pending for replay.
			c.logger.Debug("write failed, awaiting replay", zap.String("action", action), zap.Error(err))
		}
	}

	select {
	case resp := <-pr.ch:
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// RequestPayload performs a request and unmarshals the response payload,
// mapping protocol errors onto Go errors.
func (c *Client) RequestPayload(ctx context.Context, action, sessionID string, payload, result any) error {
	resp, err := c.Request(ctx, action, sessionID, payload)
	if err != nil {
		return err
	}
	if resp.Type == ws.MessageTypeError {
		var ep ws.ErrorPayload
		if json.Unmarshal(resp.Payload, &ep) == nil && ep.Message != "" {
			return fmt.Errorf("daemon error [%s]: %s", ep.Code, ep.Message)
		}
		return fmt.Errorf("daemon error: %s", string(resp.Payload))
	}
	if result != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// Status fetches the daemon status report.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	if err := c.RequestPayload(ctx, ws.ActionStatus, "", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg ws.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read error", zap.Error(err))
			}
			c.handleDisconnect(conn)
			return
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *ws.Message) {
	switch msg.Type {
	case ws.MessageTypeResponse, ws.MessageTypeError:
		c.pendingMu.Lock()
		pr, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
		if ok {
			pr.ch <- msg
		}
	case ws.MessageTypeNotification:
		select {
		case c.events <- msg:
		default:
		}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		// A newer connection already took over.
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	alreadyReconnecting := c.reconnecting
	c.reconnecting = true
	c.connMu.Unlock()
	_ = conn.Close()

	select {
	case <-c.closed:
		c.failPending("client closed")
		return
	default:
	}
	if !alreadyReconnecting {
		go c.reconnectLoop()
	}
}

// reconnectLoop redials with exponential backoff until the link is back
// or the attempt budget runs out, then replays in-flight requests.
func (c *Client) reconnectLoop() {
	backoff := c.baseBackoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		select {
		case <-c.closed:
			c.failPending("client closed")
			return
		case <-time.After(backoff):
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err == nil {
			c.connMu.Lock()
			c.conn = conn
			c.connected = true
			c.reconnecting = false
			c.connMu.Unlock()
			c.logger.Info("reconnected",
				zap.String("url", c.url), zap.Int("attempt", attempt))
			go c.readLoop(conn)
			c.replayPending(conn)
			return
		}
		c.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt), zap.Error(err))
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}

	c.connMu.Lock()
	c.reconnecting = false
	c.connMu.Unlock()
	c.failPending("connection lost")
}

// replayPending resends every request still awaiting a reply.
func (c *Client) replayPending(conn *websocket.Conn) {
	c.pendingMu.Lock()
	msgs := make([]*ws.Message, 0, len(c.pending))
	for _, pr := range c.pending {
		msgs = append(msgs, pr.msg)
	}
	c.pendingMu.Unlock()

	for _, msg := range msgs {
		c.writeMu.Lock()
		err := conn.WriteJSON(msg)
		c.writeMu.Unlock()
		if err != nil {
			// The read loop handles the broken connection; remaining
			// requests replay on the next reconnect.
			c.logger.Debug("replay write failed", zap.Error(err))
			return
		}
		c.logger.Debug("replayed request",
			zap.String("action", msg.Action), zap.String("id", msg.ID))
	}
}

func (c *Client) failPending(reason string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, pr := range c.pending {
		errMsg, _ := ws.NewError(id, pr.msg.Action, ws.ErrorCodeInternalError, reason, nil)
		pr.ch <- errMsg
		delete(c.pending, id)
	}
}
