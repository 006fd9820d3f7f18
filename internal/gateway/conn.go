package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/session"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
	ws "github.com/tentickle/tentickle/pkg/websocket"
)

// Conn implements the daemon protocol for one transport connection. The
// unix-socket and websocket transports differ only in framing; both
// delegate message handling here.
type Conn struct {
	gw     *Gateway
	log    *logger.Logger
	notify func(*ws.Message)

	mu   sync.Mutex
	subs map[string]*connSubscription // by session id
	done bool
}

type connSubscription struct {
	sub    *session.Subscriber
	cancel chan struct{}
}

// NewConn builds the protocol state for one connection. notify is the
// transport's push path for event notifications; it must be safe for
// concurrent use.
func NewConn(gw *Gateway, log *logger.Logger, notify func(*ws.Message)) *Conn {
	return &Conn{
		gw:     gw,
		log:    log,
		notify: notify,
		subs:   make(map[string]*connSubscription),
	}
}

type sendResponse struct {
	SessionID   string `json:"sessionId"`
	ExecutionID string `json:"executionId"`
}

type subscribePayload struct {
	Types []string `json:"types,omitempty"`
}

// Handle processes one inbound message and returns the reply, or nil
// when the action produces none.
func (c *Conn) Handle(ctx context.Context, msg *ws.Message) *ws.Message {
	switch msg.Action {
	case ws.ActionSessionSend:
		return c.handleSend(ctx, msg)
	case ws.ActionSessionSubscribe:
		return c.handleSubscribe(ctx, msg)
	case ws.ActionSessionUnsubscribe:
		return c.handleUnsubscribe(msg)
	case ws.ActionSessionAbort:
		return c.handleAbort(msg)
	case ws.ActionStatus:
		return c.handleStatus(msg)
	case ws.ActionPing:
		return c.reply(msg, map[string]any{"pong": true, "time": time.Now().UTC()})
	default:
		return c.fail(msg, ws.ErrorCodeBadRequest, "unknown action "+msg.Action)
	}
}

func (c *Conn) handleSend(ctx context.Context, msg *ws.Message) *ws.Message {
	var input v1.Input
	if err := msg.ParsePayload(&input); err != nil {
		return c.fail(msg, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	sessionID, execID, err := c.gw.Send(ctx, msg.SessionID, &input)
	if err != nil {
		return c.fail(msg, ws.ErrorCodeValidation, err.Error())
	}
	return c.reply(msg, sendResponse{SessionID: sessionID, ExecutionID: execID})
}

func (c *Conn) handleSubscribe(ctx context.Context, msg *ws.Message) *ws.Message {
	var payload subscribePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return c.fail(msg, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	types := make([]v1.EventType, 0, len(payload.Types))
	for _, t := range payload.Types {
		types = append(types, v1.EventType(t))
	}

	sub, sessionID, err := c.gw.Subscribe(ctx, msg.SessionID, types...)
	if err != nil {
		return c.fail(msg, ws.ErrorCodeValidation, err.Error())
	}

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		sub.Close()
		return c.fail(msg, ws.ErrorCodeInternalError, "connection closing")
	}
	if prev, ok := c.subs[sessionID]; ok {
		close(prev.cancel)
		prev.sub.Close()
	}
	entry := &connSubscription{sub: sub, cancel: make(chan struct{})}
	c.subs[sessionID] = entry
	c.mu.Unlock()

	go c.pump(sessionID, entry)
	return c.reply(msg, map[string]any{"subscribed": true, "sessionId": sessionID})
}

// pump forwards one subscriber's events to the transport in order.
func (c *Conn) pump(sessionID string, entry *connSubscription) {
	for {
		select {
		case <-entry.cancel:
			return
		case ev, ok := <-entry.sub.Events():
			if !ok {
				return
			}
			note, err := ws.NewNotification(ws.ActionSessionEvent, sessionID, ev)
			if err != nil {
				c.log.Error("failed to encode event notification", zap.Error(err))
				continue
			}
			c.notify(note)
		}
	}
}

func (c *Conn) handleUnsubscribe(msg *ws.Message) *ws.Message {
	key, err := ParseKey(msg.SessionID, c.gw.defaultApp)
	if err != nil {
		return c.fail(msg, ws.ErrorCodeBadRequest, err.Error())
	}
	c.mu.Lock()
	entry, ok := c.subs[key.Canonical()]
	if ok {
		delete(c.subs, key.Canonical())
	}
	c.mu.Unlock()
	if ok {
		close(entry.cancel)
		entry.sub.Close()
	}
	return c.reply(msg, map[string]any{"subscribed": false})
}

func (c *Conn) handleAbort(msg *ws.Message) *ws.Message {
	if err := c.gw.Abort(msg.SessionID); err != nil {
		return c.fail(msg, ws.ErrorCodeSessionNotFound, err.Error())
	}
	return c.reply(msg, map[string]any{"aborted": true})
}

func (c *Conn) handleStatus(msg *ws.Message) *ws.Message {
	return c.reply(msg, map[string]any{
		"status":   "ok",
		"sessions": c.gw.registry.Count(),
		"apps":     c.gw.registry.Apps(),
	})
}

// Close detaches every subscription held by this connection.
func (c *Conn) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*connSubscription)
	c.done = true
	c.mu.Unlock()
	for _, entry := range subs {
		close(entry.cancel)
		entry.sub.Close()
	}
}

func (c *Conn) reply(msg *ws.Message, payload any) *ws.Message {
	resp, err := ws.NewResponse(msg.ID, msg.Action, payload)
	if err != nil {
		c.log.Error("failed to encode response", zap.Error(err))
		return nil
	}
	return resp
}

func (c *Conn) fail(msg *ws.Message, code, text string) *ws.Message {
	resp, err := ws.NewError(msg.ID, msg.Action, code, text, nil)
	if err != nil {
		c.log.Error("failed to encode error response", zap.Error(err))
		return nil
	}
	return resp
}
