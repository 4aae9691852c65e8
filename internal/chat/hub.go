package chat

import (
	"log/slog"
	"sync"

	v1 "stoa/shared/contracts/chat/v1"
)

// Hub owns the registry of live sessions, keyed by user id.
// It is intentionally minimal: persistence lives behind MessageStore.
//
// Concurrency guarantees:
// - Register/Unregister are safe under concurrent Publish.
// - Publish never blocks (drops under backpressure).
// - Publish is panic-safe because Session.Send is never closed by the server.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]*Session // user id -> session id -> session
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		sessions: make(map[string]map[string]*Session),
	}
}

// Register adds a live session for its user.
func (h *Hub) Register(s *Session) {
	if h == nil || s == nil || s.ID == "" || s.UserID == "" {
		return
	}

	h.mu.Lock()
	byID := h.sessions[s.UserID]
	if byID == nil {
		byID = make(map[string]*Session)
		h.sessions[s.UserID] = byID
	}
	byID[s.ID] = s
	h.mu.Unlock()

	h.log.Info("hub.session.register", "user_id", s.UserID, "session_id", s.ID)
}

// Unregister removes a session and signals shutdown for it.
func (h *Hub) Unregister(userID, sessionID string) {
	if h == nil || userID == "" || sessionID == "" {
		return
	}

	var s *Session

	h.mu.Lock()
	if byID := h.sessions[userID]; byID != nil {
		s = byID[sessionID]
		delete(byID, sessionID)
		if len(byID) == 0 {
			delete(h.sessions, userID)
		}
	}
	h.mu.Unlock()

	// Signal session shutdown after removing from the registry.
	// This ordering avoids race windows where a publisher still holds a
	// pointer while the session goroutines are being torn down.
	if s != nil {
		s.Close()
	}

	h.log.Info("hub.session.unregister", "user_id", userID, "session_id", sessionID)
}

// Publish fanouts an event to every live session of the given users.
// Non-blocking: if a session queue is full or the session is shutting down,
// the event is dropped for that session (it remains durable in the store).
// Returns delivered and dropped counts.
func (h *Hub) Publish(userIDs []string, ev v1.Event) (delivered, dropped int) {
	if h == nil {
		return 0, 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, uid := range userIDs {
		for _, s := range h.sessions[uid] {
			if s == nil {
				continue
			}

			select {
			case <-s.Done():
				// Skip sessions that are shutting down.
				continue
			default:
			}

			select {
			case s.Send <- ev:
				delivered++
			default:
				// Drop rather than block the whole fanout.
				dropped++
			}
		}
	}
	return delivered, dropped
}

// LiveSessions reports how many sessions a user currently has.
func (h *Hub) LiveSessions(userID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}
