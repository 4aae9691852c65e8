package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryDirectory is a dev-only fallback when DB is not configured.
type InMemoryDirectory struct {
	mu     sync.Mutex
	byPair map[string]Conversation
	byID   map[string]Conversation
}

// NewInMemoryDirectory constructs an in-memory ConversationDirectory implementation.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		byPair: make(map[string]Conversation),
		byID:   make(map[string]Conversation),
	}
}

// Close closes the directory (noop for in-memory).
func (d *InMemoryDirectory) Close() error { return nil }

// GetOrCreate returns the canonical conversation for the pair, creating it
// if it does not exist. Safe under concurrent calls from both participants.
func (d *InMemoryDirectory) GetOrCreate(ctx context.Context, callerID, otherID string, now time.Time) (Conversation, error) {
	if err := validatePair(callerID, otherID); err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}

	lo, hi := CanonicalPair(callerID, otherID)
	key := lo + "\x00" + hi

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.byPair[key]; ok {
		return c, nil
	}

	id, err := NewConversationID(now)
	if err != nil {
		return Conversation{}, err
	}

	c := Conversation{
		ID:           id,
		ParticipantA: lo,
		ParticipantB: hi,
		CreatedAt:    now,
	}
	d.byPair[key] = c
	d.byID[id] = c
	return c, nil
}

// GetByID returns the conversation with the given id, or ErrNotFound.
func (d *InMemoryDirectory) GetByID(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.byID[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

// List returns all conversations that callerID participates in,
// newest first by creation time. Activity ordering is applied by the caller.
func (d *InMemoryDirectory) List(ctx context.Context, callerID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, c := range d.byID {
		if c.HasParticipant(callerID) {
			out = append(out, c)
		}
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
