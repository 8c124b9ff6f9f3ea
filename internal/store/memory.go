package store

import (
	"slices"
	"sync"

	"github.com/jpalmerr/statstream/internal/session"
)

const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// Sessions are keyed by id. Subscribers receive events via buffered channels;
// sends are non-blocking, so an event is dropped for a subscriber whose
// buffer is full rather than blocking a scheduler.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*session.Session
	subscribers map[chan Event]struct{}
	subMu       sync.RWMutex
}

// NewMemoryStore creates an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*session.Session),
		subscribers: make(map[chan Event]struct{}),
	}
}

// Put stores s under its id and notifies subscribers.
func (m *MemoryStore) Put(s *session.Session) {
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.Publish(EventReserved, s)
}

// Get returns the session stored under id.
func (m *MemoryStore) Get(id string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove deletes the session stored under id. Subscribers are notified only
// when a session was actually removed.
func (m *MemoryStore) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		m.Publish(EventRemoved, s)
	}
	return ok
}

// List returns all sessions sorted by reservation time ascending.
//
// The returned slice is a copy; modifications do not affect the store.
func (m *MemoryStore) List() []*session.Session {
	m.mu.RLock()
	result := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	m.mu.RUnlock()

	slices.SortStableFunc(result, session.Compare)
	return result
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Subscribe creates a new subscription with a buffer of 100 events.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource leaks.
func (m *MemoryStore) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
// Safe to call multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// Publish sends an event about s to all active subscribers without blocking.
func (m *MemoryStore) Publish(kind EventKind, s *session.Session) {
	ev := Event{Kind: kind, Session: s.Snapshot()}

	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			// subscriber is slow, drop the event
		}
	}
}
