package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go-checkin-verifier/logging"
	"go-checkin-verifier/wizard"
)

// liveSession is the in-process wizard state for one session token.
type liveSession struct {
	controller *wizard.Controller
	lastSeen   time.Time

	mu   sync.Mutex
	gate *wizard.ConsentGate
}

// consentGate returns the session's gate, creating it on first use.
func (s *liveSession) consentGate(create func() *wizard.ConsentGate) *wizard.ConsentGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = create()
	}
	return s.gate
}

func (s *liveSession) close() {
	s.controller.Close()
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		gate.Abort()
	}
}

// SessionRegistry keeps live sessions keyed by token and evicts idle ones.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*liveSession
	idle     time.Duration
	now      func() time.Time
}

func NewSessionRegistry(idle time.Duration) *SessionRegistry {
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &SessionRegistry{
		sessions: make(map[string]*liveSession),
		idle:     idle,
		now:      time.Now,
	}
}

func (r *SessionRegistry) Get(token string) (*liveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if ok {
		s.lastSeen = r.now()
	}
	return s, ok
}

// GetOrPut stores s unless another request registered the token first,
// in which case that session is returned and s is closed.
func (r *SessionRegistry) GetOrPut(token string, s *liveSession) *liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[token]; ok {
		existing.lastSeen = r.now()
		s.close()
		return existing
	}
	s.lastSeen = r.now()
	r.sessions[token] = s
	return s
}

func (r *SessionRegistry) Remove(token string) bool {
	r.mu.Lock()
	s, ok := r.sessions[token]
	delete(r.sessions, token)
	r.mu.Unlock()

	if ok {
		s.close()
	}
	return ok
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictIdle closes every session not touched within the idle window.
func (r *SessionRegistry) EvictIdle() int {
	r.mu.Lock()
	cutoff := r.now().Add(-r.idle)
	var evicted []*liveSession
	for token, s := range r.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(r.sessions, token)
			evicted = append(evicted, s)
			slog.Debug("evicting idle session", "session", logging.RedactToken(token))
		}
	}
	r.mu.Unlock()

	for _, s := range evicted {
		s.close()
	}
	return len(evicted)
}

// Run evicts idle sessions every interval until ctx is done.
func (r *SessionRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictIdle(); n > 0 {
				slog.Info("evicted idle sessions", "count", n)
			}
		}
	}
}

// CloseAll closes every live session, used on shutdown.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*liveSession)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
