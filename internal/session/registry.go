package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Registry stores all active sessions keyed by identifier.
// All write paths serialize through a single mutex; the advisory Count
// read is lock-free. Size is bounded: inserting into a full registry
// evicts the least-recently-active session first.
type Registry struct {
	sessions map[string]*Session
	mu       sync.Mutex
	count    atomic.Int64

	logger      *slog.Logger
	maxSessions int
	idleTimeout time.Duration

	// onEvict, when set, observes forced evictions ("capacity" or "idle").
	onEvict func(reason string)

	// Reaper management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewRegistry creates a session registry and starts the idle reaper.
func NewRegistry(logger *slog.Logger, maxSessions int, idleTimeout, cleanupInterval time.Duration) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		sessions:    make(map[string]*Session),
		logger:      logger,
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		cleanup:     make(chan struct{}),
	}

	go r.startReaper(cleanupInterval)

	return r
}

// SetEvictionHook registers a callback for forced evictions. Set it before
// the registry sees traffic; the hook must not call back into the registry.
func (r *Registry) SetEvictionHook(fn func(reason string)) {
	r.onEvict = fn
}

// Create validates the identifier, inserts a new session, and returns it.
// A full registry evicts exactly one least-recently-active session before
// the insert; the eviction is logged but not visible to the new client.
func (r *Registry) Create(id string) (*Session, error) {
	if !ValidateID(id) {
		r.logger.Error("Rejected session with malformed identifier",
			slog.Int("id_length", len(id)),
		)
		return nil, ErrInvalidSessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxSessions {
		r.evictOldestLocked()
	}

	session := newSession(id)
	r.sessions[id] = session
	r.count.Store(int64(len(r.sessions)))

	r.logger.Info("Created session",
		slog.String("session_id", id),
		slog.Int("active_sessions", len(r.sessions)),
	)

	return session, nil
}

// evictOldestLocked removes the least-recently-active session. Caller holds the lock.
func (r *Registry) evictOldestLocked() {
	var oldestID string
	var oldestActivity time.Time

	for id, session := range r.sessions {
		activity := session.LastActivity()
		if oldestID == "" || activity.Before(oldestActivity) {
			oldestID = id
			oldestActivity = activity
		}
	}

	if oldestID == "" {
		return
	}

	delete(r.sessions, oldestID)

	r.logger.Warn("Session registry full, evicted least-recently-active session",
		slog.String("session_id", oldestID),
		slog.Int("max_sessions", r.maxSessions),
	)

	if r.onEvict != nil {
		r.onEvict("capacity")
	}
}

// Get retrieves an existing session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[id]
	return session, exists
}

// Touch updates the last-activity timestamp for a session.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	session, exists := r.sessions[id]
	r.mu.Unlock()

	if !exists {
		return
	}

	session.Touch()
}

// Remove deletes a session. Removing an absent identifier is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return
	}

	delete(r.sessions, id)
	r.count.Store(int64(len(r.sessions)))

	r.logger.Info("Removed session",
		slog.String("session_id", id),
		slog.Int("active_sessions", len(r.sessions)),
	)
}

// Count returns the number of active sessions. The read is advisory and
// lock-free, for observability only.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Snapshot returns a copy of all sessions. The lock is released before the
// caller iterates, so consumer-side work never blocks registry writers.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}

	return sessions
}

// Stop cancels the reaper and waits for it to finish.
func (r *Registry) Stop() {
	r.cancel()
	<-r.cleanup

	r.logger.Info("Session registry stopped",
		slog.Int("remaining_sessions", r.Count()),
	)
}

// startReaper runs the idle-session eviction loop.
func (r *Registry) startReaper(interval time.Duration) {
	defer close(r.cleanup)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Session reaper started",
		slog.Duration("idle_timeout", r.idleTimeout),
		slog.Duration("scan_interval", interval),
	)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("Session reaper stopping")
			return

		case <-ticker.C:
			r.reapIdleSessions()
		}
	}
}

// reapIdleSessions evicts sessions inactive beyond the idle timeout.
func (r *Registry) reapIdleSessions() {
	now := time.Now()
	expired := make([]string, 0)

	r.mu.Lock()
	for id, session := range r.sessions {
		if now.Sub(session.LastActivity()) > r.idleTimeout {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	r.logger.Info("Reaping idle sessions",
		slog.Int("expired_count", len(expired)),
		slog.Duration("idle_timeout", r.idleTimeout),
	)

	for _, id := range expired {
		r.Remove(id)
		if r.onEvict != nil {
			r.onEvict("idle")
		}
	}
}
