// Package broker serializes all chat state changes and broadcast decisions
// through a single goroutine, the system's sole synchronization discipline.
package broker

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ConnectionID is the opaque identifier assigned to a connection when it is
// accepted. IDs are never reused for the lifetime of the process.
type ConnectionID string

// NewConnectionID allocates a fresh connection identifier.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

// Session is the registered identity of one live connection.
type Session struct {
	ID       ConnectionID
	Username string
	JoinedAt time.Time
}

var (
	// ErrDuplicateConnection reports an Insert for an id that is already
	// registered. Given unique id allocation this indicates an internal
	// bug, not a recoverable condition.
	ErrDuplicateConnection = errors.New("broker: connection id already registered")

	// ErrNotFound reports a Remove for an id that is not registered.
	ErrNotFound = errors.New("broker: connection id not registered")

	// ErrQueueOverflow reports an outbound queue that could not accept a
	// frame. The owning connection is disconnected rather than blocking
	// the broker.
	ErrQueueOverflow = errors.New("broker: outbound queue full")
)

// Registry is the authoritative table of registered sessions, ordered by join
// time. It is mutated only from the Broker goroutine and therefore carries no
// locking of its own.
type Registry struct {
	sessions map[ConnectionID]*Session
	order    []ConnectionID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[ConnectionID]*Session)}
}

// Insert adds a session under id. It returns ErrDuplicateConnection when the
// id is already present.
func (r *Registry) Insert(id ConnectionID, s *Session) error {
	if _, exists := r.sessions[id]; exists {
		return ErrDuplicateConnection
	}
	r.sessions[id] = s
	r.order = append(r.order, id)
	return nil
}

// Remove deletes and returns the session registered under id, or ErrNotFound.
func (r *Registry) Remove(id ConnectionID) (*Session, error) {
	s, exists := r.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	delete(r.sessions, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return s, nil
}

// Lookup returns the session registered under id, if any.
func (r *Registry) Lookup(id ConnectionID) (*Session, bool) {
	s, exists := r.sessions[id]
	return s, exists
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// SnapshotUsernames returns the current usernames in join order. The slice is
// freshly allocated on every call.
func (r *Registry) SnapshotUsernames() []string {
	users := make([]string, 0, len(r.order))
	for _, id := range r.order {
		users = append(users, r.sessions[id].Username)
	}
	return users
}
