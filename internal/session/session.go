package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subprotocol is the behavior mode negotiated at handshake by request
// path. It never changes for the lifetime of the session.
type Subprotocol string

const (
	SubprotocolRelay Subprotocol = "relay"
	SubprotocolSTT   Subprotocol = "streaming-transcription"
)

// Transport is the slice of the connection the liveness sweep needs.
type Transport interface {
	Ping() error
	Terminate()
}

// Session is the server-side state for one accepted connection. CallID
// is caller-supplied and may repeat across sessions; ID is the unique
// server-side handle.
type Session struct {
	ID          string
	CallID      string
	Subprotocol Subprotocol
	ConnectedAt time.Time

	transport Transport

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu          sync.Mutex
	alive       bool
	audioBytes  int64
	lastPartial time.Time
}

func New(callID string, sub Subprotocol, transport Transport) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:          uuid.NewString(),
		CallID:      callID,
		Subprotocol: sub,
		ConnectedAt: time.Now().UTC(),
		transport:   transport,
		ctx:         ctx,
		cancel:      cancel,
		alive:       true,
	}
}

// Context is cancelled exactly once, at transport teardown. Provider
// calls issued for this session must observe it.
func (s *Session) Context() context.Context { return s.ctx }

// Close fires the session's cancellation signal. Idempotent.
func (s *Session) Close() {
	s.once.Do(s.cancel)
}

// MarkAlive records a liveness-probe acknowledgment.
func (s *Session) MarkAlive() {
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()
}

// sweep clears the liveness flag and reports its previous value.
func (s *Session) sweep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.alive
	s.alive = false
	return was
}

// AddAudioBytes accumulates inbound audio and returns the running total.
func (s *Session) AddAudioBytes(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioBytes += n
	return s.audioBytes
}

func (s *Session) AudioBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioBytes
}

// AllowPartial reports whether a partial-progress frame may be emitted
// now, at most once per interval, and stamps the emission time.
func (s *Session) AllowPartial(interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if !s.lastPartial.IsZero() && now.Sub(s.lastPartial) < interval {
		return false
	}
	s.lastPartial = now
	return true
}
