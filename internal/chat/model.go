// Package chat contains Stoa's realtime messaging core: the conversation
// directory, message persistence, router fanout, and the WebSocket gateway.
package chat

import "time"

// Conversation is the durable 1:1 channel between two identities.
// Participants are stored canonically: ParticipantA < ParticipantB.
type Conversation struct {
	ID           string
	ParticipantA string
	ParticipantB string
	CreatedAt    time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.ParticipantA || userID == c.ParticipantB)
}

// OtherParticipant returns the participant that is not userID.
// Returns "" if userID is not a participant.
func (c Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	default:
		return ""
	}
}

// CanonicalPair orders two identities so that the same unordered pair always
// maps to the same (lo, hi) key.
func CanonicalPair(a, b string) (lo, hi string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// Message is the canonical persisted message representation.
// Immutable after creation, except for the Read flag.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	ClientMsgID    string
	CreatedAt      time.Time
	Read           bool
}

// ConversationSummary is a conversation plus its last-message preview,
// used by the conversation list.
type ConversationSummary struct {
	Conversation
	LastMessage   string
	LastMessageAt time.Time
	Unread        int
}
