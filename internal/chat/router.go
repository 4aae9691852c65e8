package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "stoa/shared/contracts/chat/v1"
)

// Router accepts inbound send events, persists them, and fans the stored
// message out to every live session of both participants.
//
// Delivery guarantee: at-least-once per live recipient session; recipients
// without a live session rely on ListMessages after (re)connect, so nothing
// is lost, only realtime delivery is skipped.
type Router struct {
	log       *slog.Logger
	directory ConversationDirectory
	store     MessageStore
	hub       *Hub
}

// NewRouter constructs a Router.
func NewRouter(log *slog.Logger, directory ConversationDirectory, store MessageStore, hub *Hub) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{log: log, directory: directory, store: store, hub: hub}
}

// Submit validates, persists, and fans out one message.
//
// Validation:
//   - senderID must be a participant of the conversation (ErrForbidden)
//   - content must be non-empty after trimming (ErrInvalidInput)
//   - content must not exceed maxContentChars runes (ErrInvalidInput)
//
// Ordering: ids are assigned in the order Submit calls are accepted by the
// store, which serializes appends per conversation.
func (r *Router) Submit(ctx context.Context, senderID, conversationID, content, clientMsgID string, now time.Time) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		metricSubmits.WithLabelValues(submitResultRejected).Inc()
		return Message{}, fmt.Errorf("empty content: %w", ErrInvalidInput)
	}
	if len([]rune(content)) > maxContentChars {
		metricSubmits.WithLabelValues(submitResultRejected).Inc()
		return Message{}, fmt.Errorf("content too long: max=%d chars: %w", maxContentChars, ErrInvalidInput)
	}
	if strings.TrimSpace(clientMsgID) == "" {
		metricSubmits.WithLabelValues(submitResultRejected).Inc()
		return Message{}, fmt.Errorf("missing client_msg_id: %w", ErrInvalidInput)
	}

	conv, err := r.directory.GetByID(ctx, conversationID)
	if err != nil {
		metricSubmits.WithLabelValues(submitResultError).Inc()
		return Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		metricSubmits.WithLabelValues(submitResultRejected).Inc()
		return Message{}, ErrForbidden
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}

	res, err := r.store.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		SenderID:       senderID,
		ReceiverID:     conv.OtherParticipant(senderID),
		Content:        content,
		ClientMsgID:    clientMsgID,
		Now:            now,
	})
	if err != nil {
		metricSubmits.WithLabelValues(submitResultError).Inc()
		return Message{}, fmt.Errorf("store append: %w", err)
	}

	if res.Duplicated {
		// The first accepted copy was already fanned out; a retry must not
		// produce a second delivery.
		metricSubmits.WithLabelValues(submitResultDuplicate).Inc()
		return res.Stored, nil
	}

	delivered, dropped := r.hub.Publish(
		[]string{conv.ParticipantA, conv.ParticipantB},
		deliveredEvent(res.Stored),
	)
	metricSubmits.WithLabelValues(submitResultOK).Inc()
	metricFanoutDelivered.Add(float64(delivered))
	metricFanoutDropped.Add(float64(dropped))

	r.log.Info("router.submit",
		"conversation_id", conv.ID,
		"message_id", res.Stored.ID,
		"sender_id", senderID,
		"delivered", delivered,
		"dropped", dropped,
	)
	return res.Stored, nil
}

// ListMessages returns the conversation history ascending by id.
// Returns ErrForbidden if callerID is not a participant.
func (r *Router) ListMessages(ctx context.Context, callerID, conversationID, afterID string, limit int) (ListMessagesResult, error) {
	conv, err := r.directory.GetByID(ctx, conversationID)
	if err != nil {
		return ListMessagesResult{}, err
	}
	if !conv.HasParticipant(callerID) {
		return ListMessagesResult{}, ErrForbidden
	}

	return r.store.ListMessages(ctx, ListMessagesInput{
		ConversationID: conv.ID,
		AfterID:        afterID,
		Limit:          limit,
	})
}

// MarkRead flags every message addressed to callerID in the conversation as read.
func (r *Router) MarkRead(ctx context.Context, callerID, conversationID string) error {
	conv, err := r.directory.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(callerID) {
		return ErrForbidden
	}
	return r.store.MarkRead(ctx, conv.ID, callerID)
}

// deliveredEvent converts a stored message to its wire representation.
func deliveredEvent(m Message) v1.Event {
	return v1.Event{
		Type:           v1.TypeMessage,
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		ClientMsgID:    m.ClientMsgID,
		CreatedAt:      m.CreatedAt,
	}
}
