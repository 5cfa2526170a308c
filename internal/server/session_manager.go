package server

import (
	"io"
	"sync"

	"github.com/michaelbrown/coderun/internal/session"
)

// activeSession pairs a session with the connection carrying it.
type activeSession struct {
	sess *session.Session
	conn io.Closer
}

// SessionManager tracks connected sessions so they can be torn down together.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*activeSession
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*activeSession),
	}
}

// Add registers a session and its connection.
func (sm *SessionManager) Add(sess *session.Session, conn io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions[sess.ID] = &activeSession{sess: sess, conn: conn}
}

// Get returns a session if it is connected.
func (sm *SessionManager) Get(sessionID string) (*session.Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	as, ok := sm.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return as.sess, true
}

// Count returns the number of connected sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Remove unregisters a session, terminating its active run.
func (sm *SessionManager) Remove(sessionID string) {
	sm.mu.Lock()
	as, ok := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if ok {
		as.sess.Close()
	}
}

// CloseAll closes every session and its connection.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	all := make([]*activeSession, 0, len(sm.sessions))
	for id, as := range sm.sessions {
		all = append(all, as)
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for _, as := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			as.sess.Close()
			if as.conn != nil {
				as.conn.Close()
			}
		}()
	}
	wg.Wait()
}
