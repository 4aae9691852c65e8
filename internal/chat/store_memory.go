package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It supports:
//   - Append: idempotent by client_msg_id, id allocation in append order
//   - ListMessages: paging by after_id (for CI/smoke determinism)
//   - Read-flag tracking per receiving participant
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
}

type memConv struct {
	dedupe map[string]Message // client_msg_id -> stored message
	msgs   []Message          // ordered by id
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Append persists a message with idempotency and ordered id allocation.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.ConversationID == "" || in.SenderID == "" || in.ReceiverID == "" || in.ClientMsgID == "" {
		return AppendResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		c = &memConv{
			dedupe: make(map[string]Message),
			msgs:   make([]Message, 0, 256),
		}
		s.convs[in.ConversationID] = c
	}

	if existing, ok := c.dedupe[in.ClientMsgID]; ok {
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	// The caller's clock was read before the mutex was taken, so a racing
	// append may carry an older timestamp than the row stored just ahead of
	// it. Clamp so created_at never regresses within the conversation.
	if n := len(c.msgs); n > 0 && now.Before(c.msgs[n-1].CreatedAt) {
		now = c.msgs[n-1].CreatedAt
	}

	id, err := NewMessageID(now)
	if err != nil {
		return AppendResult{}, err
	}

	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      now,
	}
	c.dedupe[in.ClientMsgID] = msg
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev. Dedupe entries for
	// evicted messages go with them, keeping the map capped too.
	if len(c.msgs) > memMaxMessagesPerConversation {
		evicted := c.msgs[:len(c.msgs)-memMaxMessagesPerConversation]
		for _, m := range evicted {
			delete(c.dedupe, m.ClientMsgID)
		}
		c.msgs = append([]Message(nil), c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]...)
	}

	return AppendResult{Stored: msg, Duplicated: false}, nil
}

// ListMessages returns messages ordered by id ASC with paging via after_id.
func (s *InMemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if in.ConversationID == "" {
		return ListMessagesResult{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var snap []Message
	if c != nil {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return ListMessagesResult{Messages: nil, HasMore: false}, nil
	}

	// Ensure ordering defensively.
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })

	start := 0
	if in.AfterID != "" {
		start = sort.Search(len(snap), func(i int) bool { return snap[i].ID > in.AfterID })
		if start >= len(snap) {
			return ListMessagesResult{Messages: nil, HasMore: false}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return ListMessagesResult{Messages: out, HasMore: hasMore}, nil
}

// LastMessage returns the most recent message of the conversation, if any.
func (s *InMemoryStore) LastMessage(ctx context.Context, conversationID string) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil || len(c.msgs) == 0 {
		return Message{}, false, nil
	}
	return c.msgs[len(c.msgs)-1], true, nil
}

// CountUnread counts messages addressed to userID that are not yet read.
func (s *InMemoryStore) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return 0, nil
	}

	n := 0
	for _, m := range c.msgs {
		if m.ReceiverID == userID && !m.Read {
			n++
		}
	}
	return n, nil
}

// MarkRead flags every message addressed to readerID as read.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerID string) error {
	if conversationID == "" || readerID == "" {
		return errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		return nil
	}

	for i := range c.msgs {
		if c.msgs[i].ReceiverID == readerID {
			c.msgs[i].Read = true
		}
	}
	for k, m := range c.dedupe {
		if m.ReceiverID == readerID {
			m.Read = true
			c.dedupe[k] = m
		}
	}
	return nil
}
