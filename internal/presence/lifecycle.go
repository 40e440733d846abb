package presence

import (
	"log/slog"
	"sync"

	"chat-relay/internal/model"
)

type State int

const (
	StateUnknown State = iota
	StateConnected
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type tracked struct {
	state    State
	subject  model.Identity
	identity model.Identity
}

// Manager owns the registry's write path and the per-session lifecycle
// Connected -> Registered -> Closed. Closed is terminal.
type Manager struct {
	registry *Registry
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*tracked
	onLeave  []func(model.Identity)
}

func NewManager(registry *Registry, log *slog.Logger) *Manager {
	return &Manager{
		registry: registry,
		log:      log.With(slog.String("component", "presence")),
		sessions: make(map[string]*tracked),
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

// OnDisconnect adds a hook that runs after a registered identity goes offline.
func (m *Manager) OnDisconnect(fn func(model.Identity)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLeave = append(m.onLeave, fn)
}

// Connect starts tracking s. subject is the identity proven by the transport's
// token, or empty for unauthenticated transports.
func (m *Manager) Connect(s Session, subject model.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID()]; ok {
		return
	}
	m.sessions[s.ID()] = &tracked{state: StateConnected, subject: subject}
	m.log.Debug("session_connected", slog.String("sid", s.ID()), slog.String("subject", subject.String()))
}

func (m *Manager) Register(s Session, id model.Identity) error {
	if id == "" {
		m.log.Warn("register_rejected", slog.String("sid", s.ID()), slog.String("reason", ErrInvalidIdentity.Error()))
		return ErrInvalidIdentity
	}

	m.mu.Lock()
	t, ok := m.sessions[s.ID()]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("register_rejected", slog.String("sid", s.ID()), slog.String("reason", ErrSessionNotTracked.Error()))
		return ErrSessionNotTracked
	}
	if t.state == StateClosed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if t.subject != "" && t.subject != id {
		m.mu.Unlock()
		m.log.Warn("register_rejected",
			slog.String("sid", s.ID()),
			slog.String("identity", id.String()),
			slog.String("subject", t.subject.String()),
			slog.String("reason", ErrIdentityMismatch.Error()),
		)
		return ErrIdentityMismatch
	}
	if t.state == StateRegistered {
		m.mu.Unlock()
		if t.identity == id {
			return nil
		}
		m.log.Warn("register_rejected",
			slog.String("sid", s.ID()),
			slog.String("identity", id.String()),
			slog.String("current", t.identity.String()),
			slog.String("reason", ErrSessionBound.Error()),
		)
		return ErrSessionBound
	}

	// The registry write happens under m.mu so a concurrent Disconnect of
	// the same session cannot interleave between the check and the write.
	if err := m.registry.Register(id, s); err != nil {
		m.mu.Unlock()
		m.log.Info("register_skipped",
			slog.String("sid", s.ID()),
			slog.String("identity", id.String()),
			slog.String("reason", err.Error()),
		)
		return err
	}
	t.state = StateRegistered
	t.identity = id
	m.mu.Unlock()

	m.log.Info("identity_registered", slog.String("sid", s.ID()), slog.String("identity", id.String()))
	return nil
}

// Disconnect closes s from any state and drops its registration.
func (m *Manager) Disconnect(s Session) {
	m.mu.Lock()
	t, ok := m.sessions[s.ID()]
	if ok {
		t.state = StateClosed
		delete(m.sessions, s.ID())
	}
	id, removed := m.registry.Remove(s)
	hooks := append([]func(model.Identity){}, m.onLeave...)
	m.mu.Unlock()

	if !removed {
		m.log.Debug("session_closed", slog.String("sid", s.ID()))
		return
	}
	m.log.Info("identity_offline", slog.String("sid", s.ID()), slog.String("identity", id.String()))
	for _, fn := range hooks {
		fn(id)
	}
}

func (m *Manager) IdentityOf(s Session) (model.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[s.ID()]
	if !ok || t.state != StateRegistered {
		return "", false
	}
	return t.identity, true
}

func (m *Manager) State(s Session) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[s.ID()]
	if !ok {
		return StateClosed
	}
	return t.state
}
