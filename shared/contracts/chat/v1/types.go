// Package v1 defines the Stoa Chat Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event type constants (wire-stable).
const (
	// TypeMessage carries a chat message. Client -> server it is a send
	// request; server -> client it is a delivered, server-confirmed message.
	TypeMessage = "message"

	// TypeError reports a rejected event (server -> client).
	TypeError = "error"
)

// Event is the canonical websocket frame.
//
// Direction determines which fields are populated:
//   - client -> server: conversation_id, sender_id, receiver_id, content,
//     client_msg_id (reconciliation nonce, chosen by the client).
//   - server -> client: all of the above plus message_id and created_at,
//     both assigned by the server. client_msg_id is echoed back verbatim.
type Event struct {
	Type           string    `json:"type"`
	MessageID      string    `json:"message_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	SenderID       string    `json:"sender_id,omitempty"`
	ReceiverID     string    `json:"receiver_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitzero"`

	// Error fields, only set when Type == TypeError.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Validate performs structural validation for an inbound Event.
func (e Event) Validate() error {
	switch strings.TrimSpace(e.Type) {
	case "":
		return errors.New("missing field: type")
	case TypeMessage, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- REST DTOs ----

// Conversation is the durable 1:1 channel between two identities.
type Conversation struct {
	ID           string    `json:"id"`
	ParticipantA string    `json:"participant_a"`
	ParticipantB string    `json:"participant_b"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is the durable, server-confirmed message representation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
}

// ConversationSummary is one row of the conversation list, ordered by most
// recent activity first.
type ConversationSummary struct {
	Conversation
	LastMessage   string    `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitzero"`
	Unread        int       `json:"unread"`
}
