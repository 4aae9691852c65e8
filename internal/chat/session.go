package chat

import (
	"sync"

	v1 "stoa/shared/contracts/chat/v1"
)

// Session represents one connected websocket session for one identity.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent publishers.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Session struct {
	ID     string
	UserID string
	Send   chan v1.Event

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs a Session with a bounded send queue.
func NewSession(userID, sessionID string, sendQueueSize int) *Session {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Session{
		ID:     sessionID,
		UserID: userID,
		Send:   make(chan v1.Event, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Done returns a channel that is closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals the session goroutines to stop (idempotent).
// It does NOT close Send to keep fanout safe under concurrency.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
