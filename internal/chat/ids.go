package chat

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idGen allocates ULIDs from a single monotonic entropy source.
//
// Message ids must be strictly increasing in allocation order, including
// allocations that land on the same millisecond, so all callers share one
// generator behind a mutex.
type idGen struct {
	mu      sync.Mutex
	lastMS  uint64
	entropy *ulid.MonotonicEntropy
}

var msgIDs = &idGen{entropy: ulid.Monotonic(rand.Reader, 0)}

func (g *idGen) next(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Callers may pass a timestamp captured before they reached the
	// serialization point, so it can lag an id already handed out. Clamp
	// to the newest millisecond issued; the monotonic entropy then keeps
	// same-millisecond ids strictly increasing.
	ms := ulid.Timestamp(now)
	if ms < g.lastMS {
		ms = g.lastMS
	}
	g.lastMS = ms

	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewMessageID returns a ULID used as a message id (26 chars).
// Ids from this generator are strictly increasing within the process.
func NewMessageID(now time.Time) (string, error) {
	return msgIDs.next(now)
}

// NewConversationID returns a ULID used as a conversation id.
func NewConversationID(now time.Time) (string, error) {
	return msgIDs.next(now)
}

// NewSessionID returns a ULID used as a websocket session id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewSessionID(now time.Time) (string, error) {
	return msgIDs.next(now)
}
