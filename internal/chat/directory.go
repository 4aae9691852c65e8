package chat

import (
	"context"
	"strings"
	"time"
)

// ConversationDirectory maps an unordered pair of identities to a canonical
// conversation, created idempotently on first contact.
//
// Requirements:
//   - Exactly one conversation per unordered pair, even under concurrent
//     GetOrCreate calls from both participants.
//   - GetOrCreate(A, B) and GetOrCreate(B, A) return the same conversation.
//   - Conversations are never deleted.
type ConversationDirectory interface {
	GetOrCreate(ctx context.Context, callerID, otherID string, now time.Time) (Conversation, error)
	GetByID(ctx context.Context, conversationID string) (Conversation, error)
	List(ctx context.Context, callerID string) ([]Conversation, error)
	Close() error
}

// validatePair rejects empty identities and self-conversations.
func validatePair(callerID, otherID string) error {
	if strings.TrimSpace(callerID) == "" || strings.TrimSpace(otherID) == "" {
		return ErrInvalidInput
	}
	if callerID == otherID {
		return ErrInvalidInput
	}
	return nil
}
