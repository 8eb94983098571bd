// Package events is a broadcast bus for session activity: queries,
// model calls, capability invocations, and server health changes.
// Subscribers (the status API's event stream) receive events on
// buffered channels. A nil *Bus accepts every call and does nothing, so
// publishers need no guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceSession    = "session"
	SourceDispatch   = "dispatch"
	SourceConnection = "connection"
)

// Kinds, with the Data keys each carries.
const (
	// KindQueryStart: query_id, query_len.
	KindQueryStart = "query_start"
	// KindModelResponse: query_id, phase, model, tokens_in, tokens_out,
	// duration_ms.
	KindModelResponse = "model_response"
	// KindQueryComplete: query_id, invocations, tokens_in, tokens_out,
	// elapsed_ms, ok.
	KindQueryComplete = "query_complete"

	// KindToolDone: query_id, tool_call_id, tool, server, ok,
	// duration_ms.
	KindToolDone = "tool_done"

	// KindServerDown: server, error.
	KindServerDown = "server_down"
	// KindServerReady: server.
	KindServerReady = "server_ready"
)

// DefaultBuffer is a reasonable subscription buffer for stream clients.
const DefaultBuffer = 64

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription receives events from a Bus until closed.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes and closes the channel. It is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Bus is a non-blocking broadcast bus. A slow subscriber misses events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	now  func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// Publish delivers e to every subscriber whose buffer has room. A zero
// Timestamp is filled in.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with the given buffer size. The
// caller must Close the subscription.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// SubscriberCount returns the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
