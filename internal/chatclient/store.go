package chatclient

import (
	"context"
	"sort"
	"sync"
	"time"

	v1 "stoa/shared/contracts/chat/v1"
)

// HistoryFetcher loads confirmed history for a conversation. Implemented by
// RESTClient; abstracted so tests can fake it.
type HistoryFetcher interface {
	ListMessages(ctx context.Context, conversationID, afterID string, limit int) ([]v1.Message, error)
}

// PendingMessage is a locally sent, not yet server-confirmed message.
type PendingMessage struct {
	ClientMsgID    string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	SentAt         time.Time
}

// View is the renderable state of one conversation: confirmed messages in
// canonical order, then pending sends in submission order.
type View struct {
	Confirmed []v1.Message
	Pending   []PendingMessage
}

// Store is the client-local message store.
//
// It keeps two tiers per conversation: confirmed messages, deduplicated by
// server message id and ordered by (created_at, id), and pending optimistic
// sends keyed by client_msg_id. A delivered event whose client_msg_id
// matches a pending entry confirms it, moving the message into the
// confirmed tier exactly once.
type Store struct {
	mu    sync.Mutex
	convs map[string]*convLog
}

type convLog struct {
	confirmed    []v1.Message
	byID         map[string]struct{}
	pending      map[string]PendingMessage
	pendingOrder []string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{convs: make(map[string]*convLog)}
}

// Track records an optimistic send so it renders immediately. Tracking the
// same client_msg_id twice is a no-op.
func (s *Store) Track(p PendingMessage) {
	if p.ClientMsgID == "" || p.ConversationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(p.ConversationID)
	if _, ok := c.pending[p.ClientMsgID]; ok {
		return
	}
	c.pending[p.ClientMsgID] = p
	c.pendingOrder = append(c.pendingOrder, p.ClientMsgID)
}

// Untrack drops a pending entry that will never be confirmed, e.g. after the
// server rejected the send.
func (s *Store) Untrack(conversationID, clientMsgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return
	}
	c.dropPending(clientMsgID)
}

// ApplyEvent folds one delivered message event into the store. Replays of an
// already known message id are ignored, so the method is safe against
// duplicate delivery across reconnects. Returns true if state changed.
func (s *Store) ApplyEvent(ev v1.Event) bool {
	if ev.Type != v1.TypeMessage || ev.MessageID == "" || ev.ConversationID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(ev.ConversationID)
	if _, seen := c.byID[ev.MessageID]; seen {
		// Duplicate delivery still resolves a matching pending entry.
		c.dropPending(ev.ClientMsgID)
		return false
	}

	c.insert(v1.Message{
		ID:             ev.MessageID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		ReceiverID:     ev.ReceiverID,
		Content:        ev.Content,
		CreatedAt:      ev.CreatedAt,
		ClientMsgID:    ev.ClientMsgID,
	})
	c.dropPending(ev.ClientMsgID)
	return true
}

// Reload merges fetched history into the conversation. Existing confirmed
// messages are kept; history resolves any pending entries it confirms. Used
// after reconnect to fill the delivery gap.
func (s *Store) Reload(ctx context.Context, fetcher HistoryFetcher, conversationID string) error {
	msgs, err := fetcher.ListMessages(ctx, conversationID, "", 0)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(conversationID)
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, seen := c.byID[m.ID]; seen {
			continue
		}
		c.insert(m)
		c.dropPending(m.ClientMsgID)
	}
	return nil
}

// Messages returns a copy of the conversation view.
func (s *Store) Messages(conversationID string) View {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return View{}
	}

	v := View{
		Confirmed: append([]v1.Message(nil), c.confirmed...),
		Pending:   make([]PendingMessage, 0, len(c.pendingOrder)),
	}
	for _, id := range c.pendingOrder {
		if p, ok := c.pending[id]; ok {
			v.Pending = append(v.Pending, p)
		}
	}
	return v
}

func (s *Store) conv(id string) *convLog {
	c, ok := s.convs[id]
	if !ok {
		c = &convLog{
			byID:    make(map[string]struct{}),
			pending: make(map[string]PendingMessage),
		}
		s.convs[id] = c
	}
	return c
}

// insert places m in (created_at, id) order. Caller holds the store lock and
// has verified the id is unseen.
func (c *convLog) insert(m v1.Message) {
	i := sort.Search(len(c.confirmed), func(i int) bool {
		return messageAfter(c.confirmed[i], m)
	})
	c.confirmed = append(c.confirmed, v1.Message{})
	copy(c.confirmed[i+1:], c.confirmed[i:])
	c.confirmed[i] = m
	c.byID[m.ID] = struct{}{}
}

func (c *convLog) dropPending(clientMsgID string) {
	if clientMsgID == "" {
		return
	}
	if _, ok := c.pending[clientMsgID]; !ok {
		return
	}
	delete(c.pending, clientMsgID)
	for i, id := range c.pendingOrder {
		if id == clientMsgID {
			c.pendingOrder = append(c.pendingOrder[:i], c.pendingOrder[i+1:]...)
			break
		}
	}
}

func messageAfter(a, b v1.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
