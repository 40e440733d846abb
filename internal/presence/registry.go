package presence

import (
	"errors"
	"sync"

	"chat-relay/internal/model"
)

var (
	ErrInvalidIdentity   = errors.New("identity is required")
	ErrAlreadyRegistered = errors.New("identity already registered on another session")
	ErrSessionBound      = errors.New("session already registered under another identity")
	ErrSessionClosed     = errors.New("session is closed")
	ErrIdentityMismatch  = errors.New("identity does not match authenticated subject")
	ErrSessionNotTracked = errors.New("session was never connected")
	errNilSession        = errors.New("nil session")
)

// Session is one live transport connection. The transport owns it; the
// registry only keeps a reference while it is registered.
type Session interface {
	ID() string
	Emit(event string, args ...any) error
}

// Registry maps each identity to its single current session and back.
// A second registration for a live identity is refused, not queued: the
// first session stays authoritative until it is removed.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[model.Identity]Session
	bySession  map[string]model.Identity
}

func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[model.Identity]Session),
		bySession:  make(map[string]model.Identity),
	}
}

func (r *Registry) Register(id model.Identity, s Session) error {
	if id == "" {
		return ErrInvalidIdentity
	}
	if s == nil {
		return errNilSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byIdentity[id]; ok {
		if current.ID() == s.ID() {
			return nil
		}
		return ErrAlreadyRegistered
	}
	if owner, ok := r.bySession[s.ID()]; ok && owner != id {
		return ErrSessionBound
	}

	r.byIdentity[id] = s
	r.bySession[s.ID()] = id
	return nil
}

func (r *Registry) Resolve(id model.Identity) (Session, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byIdentity[id]
	return s, ok
}

// Remove drops the registration owned by s. Unknown sessions are a no-op.
func (r *Registry) Remove(s Session) (model.Identity, bool) {
	if s == nil {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.bySession[s.ID()]
	if !ok {
		return "", false
	}
	delete(r.bySession, s.ID())
	if current, ok := r.byIdentity[id]; ok && current.ID() == s.ID() {
		delete(r.byIdentity, id)
	}
	return id, true
}

func (r *Registry) IdentityOf(s Session) (model.Identity, bool) {
	if s == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[s.ID()]
	return id, ok
}

func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}
