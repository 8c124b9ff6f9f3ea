package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidStatus is returned when a status value is not one of the
	// three known states.
	ErrInvalidStatus = errors.New("invalid session status")

	// ErrNotStartable is returned when a session cannot be started because it
	// is not in the startable state.
	ErrNotStartable = errors.New("session is not startable")
)

// Status is the lifecycle state of a [Session].
type Status string

const (
	// StatusInvalid is the initial state, before the target was validated.
	StatusInvalid Status = "invalid"

	// StatusStartable marks a session ready to be polled.
	StatusStartable Status = "startable"

	// StatusStarted marks a session with a running poll loop.
	StatusStarted Status = "started"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusInvalid, StatusStartable, StatusStarted:
		return true
	default:
		return false
	}
}

// ParseStatus converts a string to a [Status], rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

// Credentials hold the Basic authentication pair sent to the remote endpoint.
//
// The password is redacted from every string and log representation.
type Credentials struct {
	User     string
	Password string
}

// Empty reports whether neither user nor password is set.
func (c Credentials) Empty() bool {
	return c.User == "" && c.Password == ""
}

// String implements fmt.Stringer without exposing the password.
func (c Credentials) String() string {
	if c.Empty() {
		return "(none)"
	}
	return c.User + ":****"
}

// LogValue implements slog.LogValuer without exposing the password.
func (c Credentials) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// reservations orders sessions created within the same clock reading.
var reservations atomic.Uint64

// Session is a reservation of one metric source to poll.
//
// Identity, target and reservation time are immutable after [New]. Status is
// guarded by a mutex because it is read by listings while a scheduler moves
// it to [StatusStarted].
type Session struct {
	id          string
	location    string
	path        string
	credentials Credentials
	reservedAt  time.Time
	seq         uint64

	mu     sync.RWMutex
	status Status
}

// New creates a session in [StatusInvalid] with a fresh random id.
func New(location, path string, creds Credentials) *Session {
	return &Session{
		id:          uuid.NewString(),
		location:    location,
		path:        path,
		credentials: creds,
		reservedAt:  time.Now(),
		seq:         reservations.Add(1),
		status:      StatusInvalid,
	}
}

// ID returns the session identifier, also used as the CSV file name stem.
func (s *Session) ID() string {
	return s.id
}

// Location returns the base URL of the remote management endpoint. For a
// session that failed discovery it holds the error message instead.
func (s *Session) Location() string {
	return s.location
}

// Path returns the endpoint-relative path of the metric source.
func (s *Session) Path() string {
	return s.path
}

// Credentials returns the authentication pair for the remote endpoint.
func (s *Session) Credentials() Credentials {
	return s.credentials
}

// ReservedAt returns when the session was created.
func (s *Session) ReservedAt() time.Time {
	return s.reservedAt
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus sets the status to any known value. Unknown values are rejected
// with [ErrInvalidStatus] and the current status is left untouched.
func (s *Session) SetStatus(status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, string(status))
	}
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	return nil
}

// MarkStarted moves the session from startable to started. It succeeds at
// most once per session.
func (s *Session) MarkStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusStartable {
		return fmt.Errorf("%w: session %s is %s", ErrNotStartable, s.id, s.status)
	}
	s.status = StatusStarted
	return nil
}

// URL returns location and path joined with a single slash.
func (s *Session) URL() string {
	return JoinURL(s.location, s.path)
}

// JoinURL concatenates a base location and a relative path, inserting or
// collapsing the separating slash as needed.
func JoinURL(location, path string) string {
	if path == "" {
		return location
	}
	switch {
	case strings.HasSuffix(location, "/") && strings.HasPrefix(path, "/"):
		return location + path[1:]
	case strings.HasSuffix(location, "/") || strings.HasPrefix(path, "/"):
		return location + path
	default:
		return location + "/" + path
	}
}

// Snapshot is the credential-free view of a session used by listings.
type Snapshot struct {
	ID         string    `json:"id"`
	Location   string    `json:"location"`
	Path       string    `json:"path"`
	Status     Status    `json:"status"`
	ReservedAt time.Time `json:"reserved_at"`
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:         s.id,
		Location:   s.location,
		Path:       s.path,
		Status:     s.Status(),
		ReservedAt: s.reservedAt,
	}
}

// Compare orders sessions first-come-first-served: by reservation time, then
// by creation sequence when the times are equal.
func Compare(a, b *Session) int {
	if c := a.reservedAt.Compare(b.reservedAt); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	default:
		return 0
	}
}
