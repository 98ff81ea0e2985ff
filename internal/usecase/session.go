package usecase

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// newSessionID generates a sortable unique session identifier.
func newSessionID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// StreamingSession tracks one in-flight streaming exchange for a recipient:
// the undelivered text remainder, how many chunks went out, and the cancel
// handle for force-stopping the stream.
type StreamingSession struct {
	ID          string
	Instance    string
	RecipientID string
	BackendName string
	StartedAt   time.Time

	mu        sync.Mutex
	remainder string
	sentCount int
	cancel    context.CancelFunc
}

// Remainder returns the accumulated undelivered text.
func (s *StreamingSession) Remainder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainder
}

// SetRemainder replaces the undelivered text buffer.
func (s *StreamingSession) SetRemainder(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remainder = text
}

// RecordSent increments the delivered-chunk counter.
func (s *StreamingSession) RecordSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentCount++
}

// SentCount reports how many chunks have been delivered so far.
func (s *StreamingSession) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentCount
}

// Cancel aborts the session's streaming call. Safe to call multiple times.
func (s *StreamingSession) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SessionRegistry is the process-wide map of active streaming sessions,
// keyed by instance plus recipient. Sessions are registered when a stream
// opens and evicted on completion, failure, or force-stop. Safe for
// concurrent use.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*StreamingSession
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*StreamingSession),
	}
}

func sessionKey(instance, recipientID string) string {
	return instance + "/" + recipientID
}

// Open creates and registers a session for the instance+recipient pair. The
// returned context is canceled when the session is canceled or force-stopped.
// If a session is already active for the pair, ok is false and the caller
// must not start another stream.
func (r *SessionRegistry) Open(ctx context.Context, instance, recipientID, backendName string) (*StreamingSession, context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey(instance, recipientID)
	if _, exists := r.sessions[key]; exists {
		return nil, nil, false
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &StreamingSession{
		ID:          newSessionID(),
		Instance:    instance,
		RecipientID: recipientID,
		BackendName: backendName,
		StartedAt:   time.Now(),
		cancel:      cancel,
	}
	r.sessions[key] = sess
	return sess, sessCtx, true
}

// Get returns the active session for the pair, if any.
func (r *SessionRegistry) Get(instance, recipientID string) (*StreamingSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionKey(instance, recipientID)]
	return sess, ok
}

// Remove evicts sess without canceling it. Used by the router when a stream
// terminates normally. The registered session is compared by identity so a
// stale eviction cannot remove a newer session opened for the same pair.
func (r *SessionRegistry) Remove(instance, recipientID string, sess *StreamingSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey(instance, recipientID)
	if r.sessions[key] == sess {
		delete(r.sessions, key)
	}
}

// ForceStop cancels and evicts the session for the pair. Returns true if a
// session was active.
func (r *SessionRegistry) ForceStop(instance, recipientID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[sessionKey(instance, recipientID)]
	if ok {
		delete(r.sessions, sessionKey(instance, recipientID))
	}
	r.mu.Unlock()

	if ok {
		sess.Cancel()
	}
	return ok
}

// StopAll cancels and evicts every active session. Called on shutdown.
func (r *SessionRegistry) StopAll() {
	r.mu.Lock()
	sessions := make([]*StreamingSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*StreamingSession)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
}

// Len reports the number of active sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
