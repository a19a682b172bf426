// Package registry is the in-memory, process-lifetime record of live
// connections. It is the source of truth for "who is online right now";
// the durable identity directory only trails it.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrAlreadyOnline is returned by Add under the reject policy when the
// username already has a live session.
var ErrAlreadyOnline = errors.New("username already has a live session")

// Sender delivers one encoded frame to a connection. Send must not block:
// implementations queue into a buffered channel and report false when the
// consumer cannot keep up.
type Sender interface {
	Send(frame []byte) bool
}

// Session binds one live connection to an identity.
type Session struct {
	ConnID   string
	Username string
	JoinedAt time.Time
	sender   Sender
}

// Send delivers a frame to this session's connection.
func (s *Session) Send(frame []byte) bool {
	return s.sender.Send(frame)
}

// Registry tracks live sessions under a single mutex. A username may hold
// several sessions (multiple tabs); counts and lists de-duplicate by
// username.
type Registry struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	rejectDoubles bool
}

// New creates an empty registry. With rejectDoubles set, a second session
// for an already-online username is refused instead of merged.
func New(rejectDoubles bool) *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		rejectDoubles: rejectDoubles,
	}
}

// Add registers a session for the connection. Re-adding a known connID
// replaces the previous binding.
func (r *Registry) Add(connID, username string, sender Sender) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rejectDoubles {
		for _, s := range r.sessions {
			if s.Username == username && s.ConnID != connID {
				return nil, ErrAlreadyOnline
			}
		}
	}

	s := &Session{
		ConnID:   connID,
		Username: username,
		JoinedAt: time.Now(),
		sender:   sender,
	}
	r.sessions[connID] = s
	return s, nil
}

// Remove unregisters a connection and returns its session. Removing an
// unknown connID returns nil: duplicate disconnects are tolerated.
func (r *Registry) Remove(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	delete(r.sessions, connID)
	return s
}

// Get returns the session bound to a connection.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	return s, ok
}

// All returns a snapshot of every live session. Callers iterate the
// snapshot without holding the registry lock.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	return all
}

// FindConnections returns every live session bound to a username. Targeted
// delivery must reach all of them.
func (r *Registry) FindConnections(username string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found []*Session
	for _, s := range r.sessions {
		if s.Username == username {
			found = append(found, s)
		}
	}
	return found
}

// OnlineUsers returns the distinct usernames with at least one live
// session, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.sessions))
	for _, s := range r.sessions {
		seen[s.Username] = struct{}{}
	}
	r.mu.RUnlock()

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// OnlineCount returns the number of distinct online usernames. Multiple
// sessions of the same username count once.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.sessions))
	for _, s := range r.sessions {
		seen[s.Username] = struct{}{}
	}
	return len(seen)
}

// Broadcast fans a frame out to every live session.
func (r *Registry) Broadcast(frame []byte) {
	for _, s := range r.All() {
		s.Send(frame)
	}
}

// BroadcastExcept fans a frame out to every live session except one
// connection, typically the originator.
func (r *Registry) BroadcastExcept(connID string, frame []byte) {
	for _, s := range r.All() {
		if s.ConnID == connID {
			continue
		}
		s.Send(frame)
	}
}

// SendTo delivers a frame to every session of one username and reports how
// many sessions accepted it.
func (r *Registry) SendTo(username string, frame []byte) int {
	n := 0
	for _, s := range r.FindConnections(username) {
		if s.Send(frame) {
			n++
		}
	}
	return n
}
