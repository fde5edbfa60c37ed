package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dialflow/internal/agent"
)

// TeardownFunc runs exactly once per session when it is destroyed, after the
// session has been removed from the registry. Usage settlement hangs off it.
type TeardownFunc func(ctx context.Context, s *Session)

// Registry owns the live sessions of one server instance. Callers hold a
// *Registry; there is no process-global state, so tests and multiple servers
// in one process get independent registries.
type Registry struct {
	log      *slog.Logger
	teardown TeardownFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(log *slog.Logger, teardown TeardownFunc) *Registry {
	return &Registry{
		log:      log,
		teardown: teardown,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session for callID, replacing any stale one left by
// an earlier stream for the same call.
func (r *Registry) Create(callID, workspaceID string, cfg agent.Config, t Transport, startedAt time.Time) *Session {
	s := newSession(callID, workspaceID, cfg, t, r.log, startedAt)
	r.mu.Lock()
	old := r.sessions[callID]
	r.sessions[callID] = s
	r.mu.Unlock()
	if old != nil {
		r.log.Warn("replacing stale session", "call_id", callID)
		old.close()
	}
	return s
}

// Get returns the live session for callID, or nil.
func (r *Registry) Get(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[callID]
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Destroy removes the session and runs teardown. Stream close and carrier
// status callback both call this; only the first caller tears down, the
// rest are no-ops.
func (r *Registry) Destroy(ctx context.Context, callID string) {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	if r.teardown != nil {
		r.teardown(ctx, s)
	}
}
