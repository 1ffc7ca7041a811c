package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrCapacity rejects a handshake when the connection ceiling is hit.
	ErrCapacity = errors.New("connection capacity exceeded")
	// ErrDraining rejects a handshake during graceful shutdown.
	ErrDraining = errors.New("registry draining")
)

// Registry is the process-wide connection table. The gatekeeper inserts,
// the lifecycle manager iterates and removes; every insert is followed
// by exactly one remove.
type Registry struct {
	mu       sync.Mutex
	capacity int
	sessions map[string]*Session
	draining bool
	onChange func(count int)
}

func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 64
	}
	return &Registry{
		capacity: capacity,
		sessions: make(map[string]*Session),
	}
}

// SetChangeHook installs a callback invoked with the live count after
// every insert or remove.
func (r *Registry) SetChangeHook(hook func(count int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = hook
}

// Add registers a session, enforcing the capacity ceiling atomically.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return ErrDraining
	}
	if len(r.sessions) >= r.capacity {
		r.mu.Unlock()
		return ErrCapacity
	}
	r.sessions[s.ID] = s
	count := len(r.sessions)
	hook := r.onChange
	r.mu.Unlock()

	if hook != nil {
		hook(count)
	}
	return nil
}

// Remove drops a session and fires its cancellation signal. Removing an
// unknown id is harmless.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	hook := r.onChange
	r.mu.Unlock()

	if ok {
		s.Close()
	}
	if ok && hook != nil {
		hook(count)
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Capacity() int { return r.capacity }

// Snapshot copies the live session set for iteration outside the lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// StartHeartbeat runs the liveness sweep on a fixed interval until ctx
// is done. A session that has not acknowledged a probe since the last
// sweep is terminated, giving a two-interval grace period.
func (r *Registry) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepOnce()
			}
		}
	}()
}

func (r *Registry) sweepOnce() {
	for _, s := range r.Snapshot() {
		if !s.sweep() {
			log.Printf("ws terminate idle call_id=%s session=%s", s.CallID, s.ID)
			s.transport.Terminate()
			continue
		}
		if err := s.transport.Ping(); err != nil {
			log.Printf("ping error call_id=%s: %v", s.CallID, err)
			s.transport.Terminate()
		}
	}
}

// Drain stops accepting new sessions and terminates every live one.
func (r *Registry) Drain() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	for _, s := range r.Snapshot() {
		s.transport.Terminate()
	}
}
