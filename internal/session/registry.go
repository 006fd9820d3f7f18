package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/store"
	"github.com/tentickle/tentickle/internal/tools"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// App is a named agent factory. Configure builds the mounted component
// tree for one session; it runs once per live session.
type App interface {
	Name() string
	Configure(sessionKey string) (*ExecutionConfig, error)
}

// AppFunc adapts a name and a configure function to App.
type AppFunc struct {
	AppName string
	Build   func(sessionKey string) (*ExecutionConfig, error)
}

func (a AppFunc) Name() string { return a.AppName }

func (a AppFunc) Configure(sessionKey string) (*ExecutionConfig, error) {
	return a.Build(sessionKey)
}

// Registry owns the live sessions of the process and the apps they run.
// Session keys map to durable session rows; a key addresses the same
// conversation across restarts.
type Registry struct {
	store *store.Store
	log   *logger.Logger

	// Sink observes every event of every session; the gateway installs
	// the bus bridge here before any session exists.
	Sink func(*v1.Event)
	// Confirm resolves tool confirmation requests; nil rejects them.
	Confirm tools.ConfirmFunc

	mu       sync.Mutex
	apps     map[string]App
	sessions map[string]*Session // by durable session id
}

func NewRegistry(st *store.Store, log *logger.Logger) *Registry {
	return &Registry{
		store:    st,
		log:      log,
		apps:     make(map[string]App),
		sessions: make(map[string]*Session),
	}
}

// RegisterApp adds an agent factory.
func (r *Registry) RegisterApp(app App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[app.Name()] = app
}

// Apps returns the registered app names.
func (r *Registry) Apps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	return names
}

func (r *Registry) app(name string) (App, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[name]
	if !ok {
		return nil, fmt.Errorf("unknown app %q", name)
	}
	return app, nil
}

// Session returns the live session for a canonical key, creating (or
// restoring from the store) on first use. The call is idempotent:
// concurrent callers get the same instance.
func (r *Registry) Session(ctx context.Context, appName, key string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	app, err := r.app(appName)
	if err != nil {
		return nil, err
	}
	cfg, err := app.Configure(key)
	if err != nil {
		return nil, fmt.Errorf("configure app %q: %w", appName, err)
	}

	record, err := r.store.GetSession(ctx, key)
	if err != nil {
		return nil, err
	}
	created := false
	if record == nil {
		now := time.Now().UTC()
		record = &v1.Session{
			ID:            key,
			Type:          v1.SessionTypeChat,
			Workspace:     cfg.Workspace,
			Status:        v1.SessionStatusActive,
			SchemaVersion: v1.SessionSchemaVersion,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		created = true
	}

	s := newSession(r.store, cfg, r.log, SessionOptions{
		Key:     key,
		Record:  record,
		Sink:    r.Sink,
		Confirm: r.Confirm,
	})
	s.spawn = r.spawnFor(s)

	if created {
		if err := r.store.CreateSession(ctx, record); err != nil {
			// A concurrent caller may have inserted the row between our
			// read and this write. If it did, adopt that row; the insert
			// error only propagates when no row exists.
			winner, getErr := r.store.GetSession(ctx, key)
			if getErr != nil {
				s.Close()
				return nil, getErr
			}
			if winner == nil {
				s.Close()
				return nil, err
			}
			s.Close()
			created = false
			s = newSession(r.store, cfg, r.log, SessionOptions{
				Key:     key,
				Record:  winner,
				Sink:    r.Sink,
				Confirm: r.Confirm,
			})
			s.spawn = r.spawnFor(s)
			if err := s.restore(ctx); err != nil {
				return nil, fmt.Errorf("restore session %s: %w", key, err)
			}
		}
	} else if err := s.restore(ctx); err != nil {
		return nil, fmt.Errorf("restore session %s: %w", key, err)
	}

	r.mu.Lock()
	if existing, ok := r.sessions[key]; ok {
		// Lost the race; the winner's instance is canonical.
		r.mu.Unlock()
		s.Close()
		return existing, nil
	}
	r.sessions[key] = s
	r.mu.Unlock()

	r.log.Info("session opened",
		zap.String("session_id", key),
		zap.String("app", appName),
		zap.Bool("created", created))
	return s, nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Get returns a live session without creating one.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// spawnFor builds the SpawnFunc for a parent session. The child shares
// the parent's workspace, runs under the caller's context, and is
// aborted with it: cancelling the parent's execution cancels the whole
// spawn subtree.
func (r *Registry) spawnFor(parent *Session) tools.SpawnFunc {
	return func(ctx context.Context, appName, input string, opts tools.SpawnOptions) (string, error) {
		app, err := r.app(appName)
		if err != nil {
			return "", err
		}
		cfg, err := app.Configure(parent.Key)
		if err != nil {
			return "", err
		}
		if cfg.Workspace == "" {
			cfg.Workspace = parent.config.Workspace
		}
		if opts.MaxTicks > 0 {
			cfg.MaxTicks = opts.MaxTicks
		}

		now := time.Now().UTC()
		record := &v1.Session{
			ID:            uuid.New().String(),
			ParentID:      parent.ID,
			Type:          v1.SessionTypeSpawn,
			Workspace:     cfg.Workspace,
			Status:        v1.SessionStatusActive,
			SchemaVersion: v1.SessionSchemaVersion,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := r.store.CreateSession(ctx, record); err != nil {
			return "", err
		}

		child := newSession(r.store, cfg, r.log, SessionOptions{
			Key:    record.ID,
			Record: record,
			Sink:   r.Sink,
		})
		child.spawn = r.spawnFor(child)

		r.mu.Lock()
		r.sessions[record.ID] = child
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			delete(r.sessions, record.ID)
			r.mu.Unlock()
			child.Close()
		}()

		sub := child.Subscribe(v1.EventExecutionEnd)
		if _, err := child.sendTriggered(ctx, v1.UserInput(input), v1.TriggerSpawn); err != nil {
			return "", err
		}

		select {
		case <-ctx.Done():
			child.Abort()
			child.Wait()
			return "", ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return "", fmt.Errorf("spawned session closed before finishing")
			}
			if ev.Error != "" {
				return "", fmt.Errorf("spawned session failed: %s", ev.Error)
			}
			if ev.Aborted {
				return "", fmt.Errorf("spawned session aborted")
			}
			return ev.Output, nil
		}
	}
}

// CloseAll aborts and closes every live session, depth-first through
// spawn trees by virtue of context cancellation.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
