package server

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SessionKind distinguishes the two stream endpoints.
type SessionKind string

const (
	KindInteractive SessionKind = "interactive"
	KindWatch       SessionKind = "watch"
)

// ActiveSession tracks one open stream connection.
type ActiveSession struct {
	ID      string      `json:"id"`
	Kind    SessionKind `json:"kind"`
	Target  string      `json:"target"` // session id or job id
	UserID  string      `json:"user_id"`
	Started time.Time   `json:"started"`

	cancel context.CancelFunc
}

// SessionManager tracks open stream connections so they can be cancelled on shutdown.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ActiveSession
	wg       sync.WaitGroup
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*ActiveSession),
	}
}

// Track registers as and returns a context cancelled by Remove or CloseAll,
// plus a release func the connection must call when it ends.
func (sm *SessionManager) Track(parent context.Context, as *ActiveSession) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	as.cancel = cancel
	if as.Started.IsZero() {
		as.Started = time.Now()
	}

	sm.mu.Lock()
	sm.sessions[as.ID] = as
	sm.wg.Add(1)
	sm.mu.Unlock()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			cancel()
			sm.mu.Lock()
			if cur, ok := sm.sessions[as.ID]; ok && cur == as {
				delete(sm.sessions, as.ID)
			}
			sm.mu.Unlock()
			sm.wg.Done()
		})
	}
}

// Get returns an active session if it exists.
func (sm *SessionManager) Get(id string) (*ActiveSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	as, ok := sm.sessions[id]
	return as, ok
}

// List returns the open connections, oldest first.
func (sm *SessionManager) List() []ActiveSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]ActiveSession, 0, len(sm.sessions))
	for _, as := range sm.sessions {
		out = append(out, *as)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Count returns how many connections of kind are open.
func (sm *SessionManager) Count(kind SessionKind) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	n := 0
	for _, as := range sm.sessions {
		if as.Kind == kind {
			n++
		}
	}
	return n
}

// Remove cancels an active session. It stays listed until it releases.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if as, ok := sm.sessions[id]; ok {
		as.cancel()
	}
}

// CloseAll cancels all active sessions.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, as := range sm.sessions {
		as.cancel()
	}
}

// Wait blocks until every tracked session has released or ctx is done.
func (sm *SessionManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
