package gateway

import (
	"context"
	"sort"
	"sync"
)

// Registry holds all live sessions. It is the single authority on the
// at-most-one-session-per-id invariant: a connection id maps to at most
// one session, and a duplicate create is rejected, never replaced.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	deps     *deps
}

func newRegistry(d *deps) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		deps:     d,
	}
}

// Create registers a new session and starts its connection attempt. The
// entry is claimed before the socket is built, so a concurrent create for
// the same id fails with ErrAlreadyExists instead of racing.
func (r *Registry) Create(ctx context.Context, id, displayName, phoneNumber string) (*Session, error) {
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	session := newSession(id, displayName, phoneNumber, r.deps)
	r.sessions[id] = session
	r.mu.Unlock()

	r.deps.logger.Infof("Creating connection %s", id)
	if err := session.connect(ctx); err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		session.dispose(ctx, false)
		return nil, err
	}
	return session, nil
}

// Get returns the live session for the id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return session, nil
}

// List returns all live sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// Dispose tears a session down and removes it. Order matters: the pending
// reconnect is cancelled first so a timer cannot resurrect the socket that
// is being closed.
func (r *Registry) Dispose(ctx context.Context, id string, logout bool) error {
	r.mu.Lock()
	session, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrConnectionNotFound
	}
	r.mu.Unlock()

	r.deps.supervisor.Cancel(id)
	session.dispose(ctx, logout)

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	r.deps.logger.Infof("Disposed connection %s (logout: %v)", id, logout)
	return nil
}

// DisposeAll tears down every session without logging out, keeping
// credentials valid across a process restart.
func (r *Registry) DisposeAll(ctx context.Context) {
	for _, session := range r.List() {
		if err := r.Dispose(ctx, session.ID, false); err != nil {
			r.deps.logger.Warnf("Failed to dispose %s: %v", session.ID, err)
		}
	}
}
