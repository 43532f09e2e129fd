package state

import (
	"log/slog"
	"sync"
	"time"
)

// MaxActivitySnapshot caps the number of entries returned by Snapshot.
const MaxActivitySnapshot = 50

// LockState is the process-wide door lock state.
type LockState struct {
	IsLocked  bool      `json:"isLocked"`
	ChangedAt time.Time `json:"timestamp"`
}

// ActivityEntry is one line of the activity log.
type ActivityEntry struct {
	ID        uint64    `json:"id,string"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"user,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// EventType identifies event categories.
type EventType string

const (
	EventLockChanged    EventType = "lock_state"
	EventMotionDetected EventType = "motion_detected"
)

// Event represents a state change pushed to observers.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// LockChanged is the payload of EventLockChanged.
type LockChanged struct {
	IsLocked  bool      `json:"isLocked"`
	Timestamp time.Time `json:"timestamp"`
}

// MotionDetected is the payload of EventMotionDetected.
type MotionDetected struct {
	Timestamp time.Time `json:"timestamp"`
	Clip      string    `json:"clip"`
}

// Broadcaster fans events out to observers.
type Broadcaster interface {
	Publish(evt Event)
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

var _ Broadcaster = (*EventBus)(nil)

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers. A subscriber whose buffer is
// full misses the event; delivery order per subscriber is preserved.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
// The channel is closed by unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Subscribers returns the number of live subscriptions.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// --- ActivityLog ---

// ActivityLog is an append-only in-memory activity history.
type ActivityLog struct {
	mu      sync.RWMutex
	entries []ActivityEntry
	nextID  uint64
	now     func() time.Time
}

// NewActivityLog creates an empty log.
func NewActivityLog() *ActivityLog {
	return &ActivityLog{now: time.Now}
}

// Append adds an entry and returns it with its ID and timestamp filled in.
// A zero Timestamp is set to the current time.
func (l *ActivityLog) Append(e ActivityEntry) ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	e.ID = l.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	l.entries = append(l.entries, e)
	return e
}

// Snapshot returns up to limit entries, most recent first. A limit outside
// (0, MaxActivitySnapshot] is clamped to MaxActivitySnapshot.
func (l *ActivityLog) Snapshot(limit int) []ActivityEntry {
	if limit <= 0 || limit > MaxActivitySnapshot {
		limit = MaxActivitySnapshot
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]ActivityEntry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Len returns the total number of entries ever appended.
func (l *ActivityLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// --- LockStore ---

// LockStore holds the current lock state with thread-safe access and
// publishes a LockChanged event on every update.
type LockStore struct {
	mu    sync.RWMutex
	state LockState
	bus   Broadcaster
	log   *slog.Logger
}

// NewLockStore creates a store with the given initial state.
func NewLockStore(initial LockState, bus Broadcaster, log *slog.Logger) *LockStore {
	return &LockStore{state: initial, bus: bus, log: log}
}

// Snapshot returns the current lock state.
func (s *LockStore) Snapshot() LockState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Set stores the new state and publishes it.
func (s *LockStore) Set(locked bool, at time.Time) LockState {
	s.mu.Lock()
	s.state = LockState{IsLocked: locked, ChangedAt: at}
	st := s.state
	s.mu.Unlock()

	s.log.Debug("lock state updated", "locked", locked)
	s.bus.Publish(Event{
		Type:      EventLockChanged,
		Timestamp: at,
		Data:      LockChanged{IsLocked: st.IsLocked, Timestamp: st.ChangedAt},
	})
	return st
}
