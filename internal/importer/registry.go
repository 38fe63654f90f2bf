package importer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry holds the open import sessions in memory.
type Registry struct {
	creator   UserCreator
	directory EmailDirectory
	events    EventPublisher
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(c UserCreator, d EmailDirectory, e EventPublisher, l *slog.Logger) *Registry {
	return &Registry{
		creator:   c,
		directory: d,
		events:    e,
		logger:    l.With("component", "importer"),
		sessions:  make(map[string]*Session),
	}
}

// Open starts a new session in the input state.
func (r *Registry) Open(actorID string) *Session {
	id := uuid.NewString()
	now := time.Now().UTC()
	s := &Session{
		id:        id,
		actorID:   actorID,
		createdAt: now,
		lastSeen:  now,
		creator:   r.creator,
		directory: r.directory,
		events:    r.events,
		logger:    r.logger.With("session_id", id, "actor_id", actorID),
		state:     StateInput,
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.touch(time.Now().UTC())
	return s, nil
}

// Close discards a session and everything it parsed.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep evicts sessions untouched for longer than ttl and returns how many
// were removed.
func (r *Registry) Sweep(now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int
	for id, s := range r.sessions {
		if s.idle(now, ttl) {
			delete(r.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("Evicted idle import sessions", "count", removed, "ttl", ttl)
	}
	return removed
}

// RunSweeper evicts idle sessions periodically until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, ttl time.Duration) {
	interval := max(ttl/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now.UTC(), ttl)
		}
	}
}
