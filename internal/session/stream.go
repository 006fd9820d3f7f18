package session

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// subscriberHighWater bounds a subscriber's queue. A full queue drops
// non-critical events; a critical event that cannot be queued evicts the
// subscriber so the stream never blocks the engine.
const subscriberHighWater = 1024

// Subscriber receives a session's event stream in emission order.
type Subscriber struct {
	ch     chan *v1.Event
	types  map[v1.EventType]bool // nil means all types
	stream *stream

	closeOnce sync.Once
	done      chan struct{}
}

// Events returns the subscriber's channel. It is closed on Close or
// eviction.
func (s *Subscriber) Events() <-chan *v1.Event {
	return s.ch
}

// Close detaches the subscriber from the stream.
func (s *Subscriber) Close() {
	s.stream.remove(s)
}

func (s *Subscriber) wants(t v1.EventType) bool {
	if s.types == nil {
		return true
	}
	return s.types[t]
}

// stream assigns the per-session monotone sequence and fans events out
// to subscribers and the optional sink.
type stream struct {
	sessionID string
	log       *logger.Logger

	seq atomic.Uint64

	mu   sync.Mutex
	subs map[*Subscriber]struct{}

	// sink sees every event synchronously, before fan-out. The gateway
	// uses it for persistence hooks and the bus bridge.
	sink func(*v1.Event)
}

func newStream(sessionID string, log *logger.Logger, sink func(*v1.Event)) *stream {
	return &stream{
		sessionID: sessionID,
		log:       log,
		subs:      make(map[*Subscriber]struct{}),
		sink:      sink,
	}
}

// subscribe registers a consumer for the given event types; no types
// means everything.
func (st *stream) subscribe(types ...v1.EventType) *Subscriber {
	var filter map[v1.EventType]bool
	if len(types) > 0 {
		filter = make(map[v1.EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	sub := &Subscriber{
		ch:     make(chan *v1.Event, subscriberHighWater),
		types:  filter,
		stream: st,
		done:   make(chan struct{}),
	}
	st.mu.Lock()
	st.subs[sub] = struct{}{}
	st.mu.Unlock()
	return sub
}

func (st *stream) remove(sub *Subscriber) {
	st.mu.Lock()
	_, present := st.subs[sub]
	delete(st.subs, sub)
	st.mu.Unlock()
	if present {
		sub.closeOnce.Do(func() {
			close(sub.ch)
			close(sub.done)
		})
	}
}

// emit stamps the event with the next sequence number and delivers it.
// Events within a session are totally ordered by Sequence.
func (st *stream) emit(ev *v1.Event) {
	ev.SessionID = st.sessionID
	ev.Sequence = st.seq.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if st.sink != nil {
		st.sink(ev)
	}

	st.mu.Lock()
	var evicted []*Subscriber
	for sub := range st.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if ev.Type.IsCritical() {
				evicted = append(evicted, sub)
			} else if st.log != nil {
				st.log.Debug("dropping non-critical event for slow subscriber",
					zap.String("session_id", st.sessionID),
					zap.String("type", string(ev.Type)))
			}
		}
	}
	for _, sub := range evicted {
		delete(st.subs, sub)
	}
	st.mu.Unlock()

	for _, sub := range evicted {
		if st.log != nil {
			st.log.Warn("evicting subscriber: critical event would block",
				zap.String("session_id", st.sessionID),
				zap.String("type", string(ev.Type)))
		}
		sub.closeOnce.Do(func() {
			close(sub.ch)
			close(sub.done)
		})
	}
}

// close detaches every subscriber.
func (st *stream) close() {
	st.mu.Lock()
	subs := make([]*Subscriber, 0, len(st.subs))
	for sub := range st.subs {
		subs = append(subs, sub)
	}
	st.subs = make(map[*Subscriber]struct{})
	st.mu.Unlock()
	for _, sub := range subs {
		sub.closeOnce.Do(func() {
			close(sub.ch)
			close(sub.done)
		})
	}
}
