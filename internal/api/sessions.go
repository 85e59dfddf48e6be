package api

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"crashgenius/internal/analysis"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many open chat sessions")
)

type sessionEntry struct {
	session  *analysis.Session
	owner    string
	created  time.Time
	lastUsed time.Time
}

// SessionRegistry keeps live chat sessions in memory, scoped to the client that opened them.
type SessionRegistry struct {
	max     int
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

func NewSessionRegistry(max int, idleTTL time.Duration) *SessionRegistry {
	if max <= 0 {
		max = 1000
	}
	return &SessionRegistry{
		max:      max,
		idleTTL:  idleTTL,
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
	}
}

func (r *SessionRegistry) Add(sess *analysis.Session, owner string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if len(r.sessions) >= r.max {
		r.sweepLocked(now)
	}
	if len(r.sessions) >= r.max {
		return "", ErrTooManySessions
	}
	id := uuid.NewString()
	r.sessions[id] = &sessionEntry{session: sess, owner: owner, created: now, lastUsed: now}
	return id, nil
}

// Get returns the session and marks it used. Sessions owned by another client are not found.
func (r *SessionRegistry) Get(id, owner string) (*analysis.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok || entry.owner != owner {
		return nil, ErrSessionNotFound
	}
	entry.lastUsed = r.now()
	return entry.session, nil
}

func (r *SessionRegistry) Remove(id, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok || entry.owner != owner {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}

// Sweep drops sessions idle for longer than the configured TTL.
func (r *SessionRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.now())
}

func (r *SessionRegistry) sweepLocked(now time.Time) int {
	if r.idleTTL <= 0 {
		return 0
	}
	removed := 0
	for id, entry := range r.sessions {
		if now.Sub(entry.lastUsed) > r.idleTTL {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
