package session

import (
	"context"
	"sync"

	"github.com/kanarupandev/bowlingMate/internal/logging"
)

// Manager owns the current session. Starting a new session cancels the
// old one's scan work and discards the aggregate wholesale; nothing is
// carried over except what callers already copied into the history
// store.
type Manager struct {
	mu             sync.Mutex
	dedupThreshold float64
	current        *Session
	cancelScan     context.CancelFunc
}

// NewManager creates a manager that builds sessions with the given dedup
// threshold. An initial empty session is created eagerly so callers
// always have one.
func NewManager(dedupThreshold float64) *Manager {
	return &Manager{
		dedupThreshold: dedupThreshold,
		current:        New(dedupThreshold),
	}
}

// Current returns the active session.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// StartNew discards the current session, cancelling any scan attached to
// it, and returns a fresh one.
func (m *Manager) StartNew() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelScan != nil {
		m.cancelScan()
		m.cancelScan = nil
	}
	old := m.current
	m.current = New(m.dedupThreshold)
	log := logging.Component("session")
	log.Info().
		Str("old", old.ID).
		Str("new", m.current.ID).
		Msg("[SESSION] New session started")
	return m.current
}

// BindScan derives a cancellable context for scan work belonging to the
// given session. The context is cancelled when a new session starts. A
// bind against a stale session returns an already-cancelled context.
func (m *Manager) BindScan(parent context.Context, s *Session) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	if s != m.current {
		cancel()
		return ctx
	}
	if m.cancelScan != nil {
		m.cancelScan()
	}
	m.cancelScan = cancel
	return ctx
}
