package session

import (
	"errors"
	"sort"
	"sync"
)

// ErrEmptyUsername is returned when registering an empty username.
var ErrEmptyUsername = errors.New("session: empty username")

// Conn is the part of a client connection the relay needs: a stable identity
// and a way to push one frame. WriteMessage reports the send outcome. Closed
// turns true once the connection has been torn down and never turns back.
type Conn interface {
	ID() string
	WriteMessage(data []byte) error
	Closed() bool
}

// Registry maps each online username to the connection it registered from.
// Only the most recent registration for a username is kept.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]Conn),
	}
}

// Register binds username to conn, replacing any earlier binding. The
// replaced connection, if any, is returned; it is not closed.
func (r *Registry) Register(username string, conn Conn) (Conn, error) {
	if username == "" {
		return nil, ErrEmptyUsername
	}

	r.mu.Lock()
	prev := r.byUser[username]
	r.byUser[username] = conn
	r.mu.Unlock()

	if prev != nil && prev.ID() == conn.ID() {
		return nil, nil
	}
	return prev, nil
}

// Unregister removes the binding for username only when it still points at
// the connection identified by connID. A stale disconnect from a connection
// that has since been replaced leaves the newer binding untouched. It
// reports whether a binding was removed.
func (r *Registry) Unregister(username, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byUser[username]
	if !ok || current.ID() != connID {
		return false
	}
	delete(r.byUser, username)
	return true
}

// Lookup returns the live connection for username.
func (r *Registry) Lookup(username string) (Conn, bool) {
	r.mu.RLock()
	conn, ok := r.byUser[username]
	r.mu.RUnlock()
	return conn, ok
}

// Snapshot returns the online usernames in lexical order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		users = append(users, u)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// Count returns the number of online usernames.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
