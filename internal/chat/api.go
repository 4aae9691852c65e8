package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	v1 "stoa/shared/contracts/chat/v1"
)

// APIHandler exposes the REST collaborator surface consumed by chat clients:
// conversation listing, idempotent get-or-create, and message history.
type APIHandler struct {
	log       *slog.Logger
	verifier  AccessVerifier
	directory ConversationDirectory
	store     MessageStore
	router    *Router
}

// NewAPIHandler constructs the REST handler.
func NewAPIHandler(log *slog.Logger, verifier AccessVerifier, directory ConversationDirectory, store MessageStore, router *Router) *APIHandler {
	if log == nil {
		log = slog.Default()
	}
	return &APIHandler{
		log:       log,
		verifier:  verifier,
		directory: directory,
		store:     store,
		router:    router,
	}
}

// Register wires chat routes onto the provided mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /conversations", h.handleListConversations)
	mux.HandleFunc("GET /conversations/{other_user_id}", h.handleGetOrCreateConversation)
	mux.HandleFunc("GET /messages/{conversation_id}", h.handleListMessages)
	mux.HandleFunc("POST /messages/{conversation_id}/read", h.handleMarkRead)
}

func (h *APIHandler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	convs, err := h.directory.List(r.Context(), callerID)
	if err != nil {
		h.writeDomainError(w, err, "list conversations")
		return
	}

	summaries, err := h.summarize(r.Context(), callerID, convs)
	if err != nil {
		h.writeDomainError(w, err, "summarize conversations")
		return
	}

	writeJSON(w, http.StatusOK, summaries)
}

func (h *APIHandler) handleGetOrCreateConversation(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	otherID := strings.TrimSpace(r.PathValue("other_user_id"))
	conv, err := h.directory.GetOrCreate(r.Context(), callerID, otherID, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err, "get or create conversation")
		return
	}

	writeJSON(w, http.StatusOK, toWireConversation(conv))
}

func (h *APIHandler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	convID := strings.TrimSpace(r.PathValue("conversation_id"))
	afterID := strings.TrimSpace(r.URL.Query().Get("after"))
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}

	res, err := h.router.ListMessages(r.Context(), callerID, convID, afterID, limit)
	if err != nil {
		h.writeDomainError(w, err, "list messages")
		return
	}

	out := make([]v1.Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, toWireMessage(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	convID := strings.TrimSpace(r.PathValue("conversation_id"))
	if err := h.router.MarkRead(r.Context(), callerID, convID); err != nil {
		h.writeDomainError(w, err, "mark read")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// summarize composes conversation previews, ordered by most recent activity.
func (h *APIHandler) summarize(ctx context.Context, callerID string, convs []Conversation) ([]v1.ConversationSummary, error) {
	out := make([]v1.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		s := v1.ConversationSummary{Conversation: toWireConversation(c)}

		last, ok, err := h.store.LastMessage(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			s.LastMessage = last.Content
			s.LastMessageAt = last.CreatedAt
		}

		unread, err := h.store.CountUnread(ctx, c.ID, callerID)
		if err != nil {
			return nil, err
		}
		s.Unread = unread

		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return lastActivity(out[i]).After(lastActivity(out[j]))
	})
	return out, nil
}

func lastActivity(s v1.ConversationSummary) time.Time {
	if !s.LastMessageAt.IsZero() {
		return s.LastMessageAt
	}
	return s.CreatedAt
}

// ---- auth ----

func (h *APIHandler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "auth not configured")
		return "", false
	}

	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", false
	}

	userID, err := h.verifier.Verify(token, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return "", false
	}
	return userID, true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(raw[len(prefix):])
}

// ---- responses ----

func (h *APIHandler) writeDomainError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not a conversation participant")
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
	default:
		h.log.Error("api.fail", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("not positive")
	}
	return n, nil
}

// ---- wire conversions ----

func toWireConversation(c Conversation) v1.Conversation {
	return v1.Conversation{
		ID:           c.ID,
		ParticipantA: c.ParticipantA,
		ParticipantB: c.ParticipantB,
		CreatedAt:    c.CreatedAt,
	}
}

func toWireMessage(m Message) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Read:           m.Read,
		ClientMsgID:    m.ClientMsgID,
	}
}
