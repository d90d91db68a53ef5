package call

import (
	"context"
	"sort"
	"sync"

	"github.com/petervdpas/consult/internal/identity"
	"github.com/petervdpas/consult/internal/util"
)

// Manager owns the sessions of one participant node, keyed by appointment.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	endedMu sync.RWMutex
	ended   []func(*Session, EndReason)
}

// NewManager creates a Manager whose sessions use opts. Options.OnEnd is
// ignored; use OnEnded.
func NewManager(opts Options) *Manager {
	opts.OnEnd = nil
	return &Manager{opts: opts, sessions: make(map[string]*Session)}
}

// OnEnded registers fn to run after a session has been torn down. fn runs on
// the session's event loop and must not call back into that session.
func (m *Manager) OnEnded(fn func(*Session, EndReason)) {
	m.endedMu.Lock()
	m.ended = append(m.ended, fn)
	m.endedMu.Unlock()
}

// Start creates and starts a session for appointmentID. A live session for
// the same appointment is refused with ErrSessionExists; one parked in
// StateError is replaced. The session is returned even when Start fails so
// the caller can show its state.
func (m *Manager) Start(ctx context.Context, appointmentID string, role identity.Role) (*Session, error) {
	if _, _, err := identity.Resolve(role, appointmentID); err != nil {
		return nil, err
	}
	key := util.SanitizeName(appointmentID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &Error{Kind: KindSessionClosed, Op: "start"}
	}
	var stale *Session
	if old, ok := m.sessions[key]; ok {
		if old.State() != StateError {
			m.mu.Unlock()
			return old, ErrSessionExists
		}
		stale = old
		delete(m.sessions, key)
	}
	opts := m.opts
	var s *Session
	opts.OnEnd = func(reason EndReason) { m.sessionEnded(s, reason) }
	s, err := NewSession(appointmentID, role, opts)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[key] = s
	m.mu.Unlock()

	if stale != nil {
		log.Infof("[%s] replacing failed session", stale.Self())
		stale.Close()
	}
	log.Infof("[%s] starting %s session for appointment %s", s.Self(), role, key)
	return s, s.Start(ctx)
}

func (m *Manager) sessionEnded(s *Session, reason EndReason) {
	m.mu.Lock()
	if m.sessions[s.AppointmentID()] == s {
		delete(m.sessions, s.AppointmentID())
	}
	m.mu.Unlock()

	m.endedMu.RLock()
	handlers := append(([]func(*Session, EndReason))(nil), m.ended...)
	m.endedMu.RUnlock()
	for _, fn := range handlers {
		fn(s, reason)
	}
}

// Get returns the session for appointmentID, if any.
func (m *Manager) Get(appointmentID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[util.SanitizeName(appointmentID)]
	m.mu.RUnlock()
	return s, ok
}

// All lists sessions ordered by appointment.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AppointmentID() < out[j].AppointmentID() })
	return out
}

// End hangs up the session for appointmentID.
func (m *Manager) End(ctx context.Context, appointmentID string) error {
	s, ok := m.Get(appointmentID)
	if !ok {
		return &Error{Kind: KindSessionClosed, Op: "end"}
	}
	return s.EndCall(ctx)
}

// Close closes every session without broadcasting.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
