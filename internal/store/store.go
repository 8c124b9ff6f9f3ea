package store

import "github.com/jpalmerr/statstream/internal/session"

// EventKind names a change to the set of reserved sessions.
type EventKind string

const (
	// EventReserved is published when a session is added.
	EventReserved EventKind = "reserved"

	// EventStarted is published when a scheduler starts polling a session.
	EventStarted EventKind = "started"

	// EventRemoved is published when a session is finished or exhausted.
	EventRemoved EventKind = "removed"
)

// Event describes one change to a session, optimized for JSON serialization
// (used by the SSE endpoint).
type Event struct {
	// Kind is what happened to the session.
	Kind EventKind `json:"kind"`

	// Session is the credential-free view of the session at the time of the event.
	Session session.Snapshot `json:"session"`
}

// Store defines the session registry: storage of reserved sessions keyed by
// id, plus a subscription mechanism for session lifecycle events.
//
// Store implementations must be safe for concurrent access from reservation,
// listing and finish requests and from every running scheduler.
type Store interface {
	// Put inserts a session keyed by its id and publishes EventReserved.
	Put(s *session.Session)

	// Get returns the session with the given id.
	Get(id string) (*session.Session, bool)

	// Remove deletes the session with the given id and publishes EventRemoved.
	// Returns false if no such session existed.
	Remove(id string) bool

	// List returns a snapshot of all sessions ordered first-come-first-served.
	List() []*session.Session

	// Len returns the number of stored sessions.
	Len() int

	// Publish notifies subscribers of an event about s.
	Publish(kind EventKind, s *session.Session)

	// Subscribe returns a channel that receives session events.
	// The returned channel has a buffer; slow consumers may miss events.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan Event

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan Event)
}
