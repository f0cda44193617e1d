package server

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrTooManyRecordings is returned by [SessionManager.Add] when the
// configured number of concurrent recordings is reached.
var ErrTooManyRecordings = errors.New("server: too many active recordings")

// SessionInfo holds metadata about an active recording.
type SessionInfo struct {
	// SessionID is the unique identifier for this recording.
	SessionID string `json:"session_id"`

	// StartedAt is when the client connected.
	StartedAt time.Time `json:"started_at"`

	// RemoteAddr is the client's network address.
	RemoteAddr string `json:"remote_addr"`

	// SampleRate is the rate of the audio the client sends, in Hz.
	SampleRate int `json:"sample_rate"`
}

// closer is the part of a recorder the manager needs at shutdown.
type closer interface {
	Close() error
}

type liveSession struct {
	info SessionInfo
	rec  closer
}

// SessionManager tracks the recordings currently streaming over WebSockets.
// It enforces the concurrency limit and closes every recording on shutdown.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	max      int
	closed   bool
	sessions map[string]liveSession
}

// NewSessionManager creates a SessionManager that admits at most max
// concurrent recordings. A non-positive max means no limit.
func NewSessionManager(max int) *SessionManager {
	return &SessionManager{
		max:      max,
		sessions: make(map[string]liveSession),
	}
}

// Add registers a recording. It fails when the limit is reached, the ID is
// already in use, or the manager has been closed.
func (sm *SessionManager) Add(info SessionInfo, rec closer) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch {
	case sm.closed:
		return errors.New("server: shutting down")
	case sm.max > 0 && len(sm.sessions) >= sm.max:
		return fmt.Errorf("%w (limit %d)", ErrTooManyRecordings, sm.max)
	}
	if _, exists := sm.sessions[info.SessionID]; exists {
		return fmt.Errorf("server: recording %s already registered", info.SessionID)
	}
	sm.sessions[info.SessionID] = liveSession{info: info, rec: rec}
	return nil
}

// Remove forgets a recording. Unknown IDs are ignored.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, id)
}

// Full reports whether another recording would be rejected.
func (sm *SessionManager) Full() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.closed || (sm.max > 0 && len(sm.sessions) >= sm.max)
}

// Count returns the number of active recordings.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Active returns the active recordings, oldest first.
func (sm *SessionManager) Active() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s.info)
	}
	sm.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// CloseAll rejects further recordings and closes every active one. Closing a
// recorder runs its normal stop path, so transcripts captured so far are
// still delivered to their handlers.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sm.closed = true
	live := make([]liveSession, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		live = append(live, s)
	}
	sm.mu.Unlock()

	for _, s := range live {
		if err := s.rec.Close(); err != nil {
			slog.Warn("server: close recording", "session_id", s.info.SessionID, "err", err)
		}
	}
	if len(live) > 0 {
		slog.Info("server: closed active recordings", "count", len(live))
	}
}
