// Package gateway multiplexes sessions across transports: in-process
// callers, the unix-socket daemon protocol, websocket clients, and
// long-lived connector plugins all route through one Gateway.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/events/bus"
	"github.com/tentickle/tentickle/internal/session"
	"github.com/tentickle/tentickle/internal/store"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// Plugin is a hot-pluggable connector: it runs its own workers, reads
// external events, and calls Gateway.Send on behalf of remote users.
type Plugin interface {
	Name() string
	Start(ctx context.Context, gw *Gateway) error
	Stop() error
}

// Gateway routes inbound sends to (app, localKey) sessions and fans
// their event streams back out. Sessions are owned by the registry; the
// gateway holds it by reference.
type Gateway struct {
	registry   *session.Registry
	store      *store.Store
	bus        bus.EventBus
	log        *logger.Logger
	defaultApp string

	mu      sync.Mutex
	plugins []Plugin
	stopped bool
}

// Options configures a Gateway.
type Options struct {
	DefaultApp string
	Bus        bus.EventBus
}

// New wires a Gateway over a session registry. Every session event is
// bridged onto the bus under "session.<id>.events" before transport
// fan-out.
func New(registry *session.Registry, st *store.Store, log *logger.Logger, opts Options) *Gateway {
	gw := &Gateway{
		registry:   registry,
		store:      st,
		bus:        opts.Bus,
		log:        log,
		defaultApp: opts.DefaultApp,
	}
	registry.Sink = gw.bridgeEvent
	return gw
}

// Registry exposes the underlying session registry for in-process use.
func (gw *Gateway) Registry() *session.Registry { return gw.registry }

// Store exposes the persistence layer for read-side endpoints.
func (gw *Gateway) Store() *store.Store { return gw.store }

// DefaultApp returns the app unprefixed keys route to.
func (gw *Gateway) DefaultApp() string { return gw.defaultApp }

// Send routes input to the session addressed by rawKey, creating the
// session on first use. It returns the durable session id and the
// execution id the input will run under.
func (gw *Gateway) Send(ctx context.Context, rawKey string, input *v1.Input) (string, string, error) {
	s, err := gw.session(ctx, rawKey)
	if err != nil {
		return "", "", err
	}
	execID, err := s.Send(ctx, input)
	if err != nil {
		return "", "", err
	}
	return s.ID, execID, nil
}

// Subscribe attaches a consumer to the session's event stream, creating
// the session on first use so subscribers can watch before sending.
func (gw *Gateway) Subscribe(ctx context.Context, rawKey string, types ...v1.EventType) (*session.Subscriber, string, error) {
	s, err := gw.session(ctx, rawKey)
	if err != nil {
		return nil, "", err
	}
	return s.Subscribe(types...), s.ID, nil
}

// Abort cancels the active execution of an existing session. Unknown
// keys are an error; abort never creates a session.
func (gw *Gateway) Abort(rawKey string) error {
	key, err := ParseKey(rawKey, gw.defaultApp)
	if err != nil {
		return err
	}
	s, ok := gw.registry.Get(key.Canonical())
	if !ok {
		return fmt.Errorf("session %q not found", key.Canonical())
	}
	s.Abort()
	return nil
}

func (gw *Gateway) session(ctx context.Context, rawKey string) (*session.Session, error) {
	key, err := ParseKey(rawKey, gw.defaultApp)
	if err != nil {
		return nil, err
	}
	return gw.registry.Session(ctx, key.App, key.Canonical())
}

// AddPlugin starts a connector. Plugins added after Stop are rejected.
func (gw *Gateway) AddPlugin(ctx context.Context, p Plugin) error {
	gw.mu.Lock()
	if gw.stopped {
		gw.mu.Unlock()
		return fmt.Errorf("gateway is stopped")
	}
	gw.plugins = append(gw.plugins, p)
	gw.mu.Unlock()

	if err := p.Start(ctx, gw); err != nil {
		return fmt.Errorf("start plugin %s: %w", p.Name(), err)
	}
	gw.log.Info("gateway plugin started", zap.String("plugin", p.Name()))
	return nil
}

// Stop drains the gateway: plugins first so no new sends arrive, then
// every live session (aborting active executions and waiting for their
// engine goroutines).
func (gw *Gateway) Stop() {
	gw.mu.Lock()
	if gw.stopped {
		gw.mu.Unlock()
		return
	}
	gw.stopped = true
	plugins := gw.plugins
	gw.plugins = nil
	gw.mu.Unlock()

	for _, p := range plugins {
		if err := p.Stop(); err != nil {
			gw.log.Warn("plugin stop failed",
				zap.String("plugin", p.Name()), zap.Error(err))
		}
	}
	gw.registry.CloseAll()
}

// bridgeEvent publishes a session event onto the process event bus so
// out-of-process observers (and other gateway components) can follow
// sessions they hold no subscriber for.
func (gw *Gateway) bridgeEvent(ev *v1.Event) {
	if gw.bus == nil {
		return
	}
	subject := "session." + ev.SessionID + ".events"
	busEv := bus.NewEvent(string(ev.Type), "gateway", map[string]any{
		"sessionId":   ev.SessionID,
		"executionId": ev.ExecutionID,
		"tick":        ev.Tick,
		"sequence":    ev.Sequence,
	})
	if err := gw.bus.Publish(context.Background(), subject, busEv); err != nil {
		gw.log.Debug("event bus publish failed", zap.Error(err))
	}
}
