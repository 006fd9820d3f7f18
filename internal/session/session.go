// Package session implements the tick-structured execution engine: the
// Session type, its event stream, the reactive knob state, and the
// engine loop that drives model calls and tool dispatch.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/grounding"
	"github.com/tentickle/tentickle/internal/model"
	"github.com/tentickle/tentickle/internal/store"
	"github.com/tentickle/tentickle/internal/tools"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// DefaultMaxTicks bounds an execution when the app does not set one.
const DefaultMaxTicks = 20

// DoneMarker in assistant text ends the execution after the current tick.
const DoneMarker = "[[DONE]]"

// TickState is what the continuation predicate sees after each tick.
type TickState struct {
	Tick       int
	StopReason string
	ToolCalls  int
	LastText   string
}

// ExecutionConfig is the mounted component tree of a session: which
// model, tools, and grounding apply, and when to keep ticking.
type ExecutionConfig struct {
	SystemPrompt string
	Grounding    []grounding.Provider
	Tools        *tools.Registry
	Model        model.Client
	ModelName    string
	Workspace    string
	MaxTicks     int

	// Continue decides whether to run another tick when the model did not
	// request tools. Nil means stop as soon as the model yields without
	// tool calls.
	Continue func(state TickState) bool
}

type queuedInput struct {
	execID  string
	input   *v1.Input
	trigger v1.TriggerType
}

// Session is a live conversation bound to a persistent session row. One
// execution runs at a time; Send during an execution queues.
type Session struct {
	ID  string
	Key string

	config *ExecutionConfig
	store  *store.Store
	log    *logger.Logger

	stream *stream
	Knobs  *Knobs

	// spawn runs a child session; wired by the registry.
	spawn tools.SpawnFunc
	// confirm suspends a tool on user confirmation; nil rejects.
	confirm tools.ConfirmFunc

	mu       sync.Mutex
	record   *v1.Session
	timeline []*v1.TimelineEntry
	queue    []queuedInput
	running  bool
	abortFn  context.CancelFunc
	closed   bool

	// baseCtx bounds every execution of this session; cancelled on Close.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	wg sync.WaitGroup
}

// SessionOptions configures construction beyond the app config.
type SessionOptions struct {
	Key     string
	Record  *v1.Session
	Sink    func(*v1.Event)
	Spawn   tools.SpawnFunc
	Confirm tools.ConfirmFunc
}

// newSession wires a Session around an existing (created or loaded) row.
func newSession(st *store.Store, cfg *ExecutionConfig, log *logger.Logger, opts SessionOptions) *Session {
	record := opts.Record
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         record.ID,
		Key:        opts.Key,
		config:     cfg,
		store:      st,
		log:        log.WithSessionID(record.ID),
		Knobs:      NewKnobs(),
		record:     record,
		spawn:      opts.Spawn,
		confirm:    opts.Confirm,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	s.stream = newStream(record.ID, log, opts.Sink)
	return s
}

// Record returns a copy of the session's persistent row.
func (s *Session) Record() v1.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.record
}

// Timeline returns the in-memory timeline.
func (s *Session) Timeline() []*v1.TimelineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*v1.TimelineEntry, len(s.timeline))
	copy(out, s.timeline)
	return out
}

// Subscribe attaches an event consumer, optionally filtered to the given
// event types.
func (s *Session) Subscribe(types ...v1.EventType) *Subscriber {
	return s.stream.subscribe(types...)
}

// Send enqueues input and starts an execution if none is running. It
// returns the execution id the input will run under.
func (s *Session) Send(ctx context.Context, input *v1.Input) (string, error) {
	return s.sendTriggered(ctx, input, v1.TriggerSend)
}

func (s *Session) sendTriggered(ctx context.Context, input *v1.Input, trigger v1.TriggerType) (string, error) {
	if input == nil {
		return "", fmt.Errorf("nil input")
	}
	if err := input.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("session %s is closed", s.ID)
	}
	execID := uuid.New().String()
	s.queue = append(s.queue, queuedInput{execID: execID, input: input, trigger: trigger})
	start := !s.running
	if start {
		s.running = true
	}
	s.mu.Unlock()

	if start {
		s.wg.Add(1)
		go s.drain()
	}
	return execID, nil
}

// drain runs queued inputs one execution at a time.
func (s *Session) drain() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.running = false
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		ctx, cancel := context.WithCancel(s.baseCtx)
		s.abortFn = cancel
		s.mu.Unlock()

		s.runExecution(ctx, next)
		cancel()

		s.mu.Lock()
		s.abortFn = nil
		s.mu.Unlock()
	}
}

// Abort cancels the active execution. The engine observes the signal at
// the next suspension point; queued inputs stay queued.
func (s *Session) Abort() {
	s.mu.Lock()
	cancel := s.abortFn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close aborts the active execution, discards the queue, and detaches
// subscribers. It blocks until the engine goroutine exits.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.baseCancel()
	s.wg.Wait()
	s.stream.close()
}

// Wait blocks until the queue is drained and no execution is running.
func (s *Session) Wait() {
	for {
		s.mu.Lock()
		idle := !s.running
		s.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// commitEntry assigns the entry's position, appends it to the timeline,
// persists it, and emits entry_committed. Returns the timeline index.
func (s *Session) commitEntry(ctx context.Context, entry *v1.TimelineEntry, execID string, tick, seq int) (int, error) {
	entry.SessionID = s.ID
	entry.ExecutionID = execID
	entry.Tick = tick
	entry.SequenceInTick = seq

	s.mu.Lock()
	s.timeline = append(s.timeline, entry)
	index := len(s.timeline) - 1
	if tick > s.record.Tick {
		s.record.Tick = tick
	}
	s.record.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.store.CommitEntry(ctx, entry); err != nil {
		return index, fmt.Errorf("commit entry: %w", err)
	}
	s.stream.emit(&v1.Event{
		Type:          v1.EventEntryCommitted,
		ExecutionID:   execID,
		Tick:          tick,
		Entry:         entry,
		TimelineIndex: index,
	})
	return index, nil
}

// saveKnobs persists the reactive state map in the session snapshot.
func (s *Session) saveKnobs(ctx context.Context) {
	snapshot := s.Knobs.Snapshot()
	if err := s.store.SetSnapshotValue(ctx, s.ID, "com_state", snapshot); err != nil {
		s.log.Warn("failed to persist knob state", zap.Error(err))
	}
}

// restore loads the persisted timeline and knob state into memory.
func (s *Session) restore(ctx context.Context) error {
	snap, err := s.store.Load(ctx, s.ID)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	s.mu.Lock()
	s.timeline = snap.Timeline
	s.record = snap.Session
	s.mu.Unlock()
	s.Knobs.Replace(snap.ComState)
	return nil
}
