package chat

import (
	"context"
	"time"
)

// MessageStore persists and queries messages.
//
// Requirements:
//   - Idempotency per (conversation_id, client_msg_id)
//   - Server-assigned ids, strictly increasing in append order per conversation
//   - Appends to the same conversation serialized; appends to different
//     conversations must not block each other
//   - History query ordered by id ASC
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error)
	LastMessage(ctx context.Context, conversationID string) (Message, bool, error)
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)
	MarkRead(ctx context.Context, conversationID, readerID string) error
	Close() error
}

// AppendInput describes a message append request.
//
// Now is advisory: implementations clamp it at the per-conversation
// serialization point so created_at never regresses between consecutive
// appends to the same conversation. Zero means the store's own clock.
type AppendInput struct {
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	ClientMsgID    string
	Now            time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Stored     Message
	Duplicated bool
}

// ListMessagesInput describes a history query request.
// AfterID pages past a known message id; empty means from the beginning.
type ListMessagesInput struct {
	ConversationID string
	AfterID        string
	Limit          int
}

// ListMessagesResult contains the retrieved history window.
type ListMessagesResult struct {
	Messages []Message
	HasMore  bool
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
