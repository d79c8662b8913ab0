/*
Package core provides stream session tracking for the OpsChat conversation engine.

This file implements the SessionTracker, which records every StreamSession that
has been started and has not yet finished reading. The controller only ever
treats one session as active, but a session that was cancelled or superseded
keeps its goroutine until the transport unwinds, so the tracker is what lets
shutdown cancel everything still in flight.

The tracker provides:
- Thread-safe registration of in-flight sessions
- Cancellation of a single session or all of them
- A point-in-time listing for status reporting
*/
package core

import (
	"sort"
	"sync"
	"time"
)

// SessionInfo describes one in-flight session for status reporting.
type SessionInfo struct {
	ID      string      `json:"id"`
	Kind    SessionKind `json:"kind"`
	CallID  string      `json:"call_id,omitempty"`
	RunID   string      `json:"run_id,omitempty"`
	Started time.Time   `json:"started"`
}

type trackedSession struct {
	session *StreamSession
	started time.Time
}

// SessionTracker tracks running stream sessions and provides cancellation.
// It is safe for concurrent use: the controller loop adds and removes entries
// while the bridge API and shutdown path read or cancel them.
type SessionTracker struct {
	sessions map[string]trackedSession // Map of session ID to session
	mutex    sync.RWMutex
}

// NewSessionTracker creates an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[string]trackedSession),
	}
}

// Add registers a started session.
func (t *SessionTracker) Add(session *StreamSession) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.sessions[session.ID] = trackedSession{session: session, started: time.Now()}
}

// Remove forgets a session whose goroutine has exited.
func (t *SessionTracker) Remove(sessionID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.sessions, sessionID)
}

// Cancel cancels one tracked session by ID.
//
// Returns:
//   - bool: true if the session was found and cancelled, false if not found
func (t *SessionTracker) Cancel(sessionID string) bool {
	t.mutex.RLock()
	entry, exists := t.sessions[sessionID]
	t.mutex.RUnlock()

	if !exists {
		return false
	}
	entry.session.Cancel()
	t.Remove(sessionID)
	return true
}

// CancelAll cancels every tracked session and returns how many there were.
func (t *SessionTracker) CancelAll() int {
	t.mutex.Lock()
	entries := make([]trackedSession, 0, len(t.sessions))
	for _, entry := range t.sessions {
		entries = append(entries, entry)
	}
	t.sessions = make(map[string]trackedSession)
	t.mutex.Unlock()

	for _, entry := range entries {
		entry.session.Cancel()
	}
	return len(entries)
}

// Active returns the tracked sessions ordered by start time.
func (t *SessionTracker) Active() []SessionInfo {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	infos := make([]SessionInfo, 0, len(t.sessions))
	for _, entry := range t.sessions {
		infos = append(infos, SessionInfo{
			ID:      entry.session.ID,
			Kind:    entry.session.Kind,
			CallID:  entry.session.CallID,
			RunID:   entry.session.RunID(),
			Started: entry.started,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Started.Before(infos[j].Started)
	})
	return infos
}
