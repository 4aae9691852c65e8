package chat

import (
	"testing"

	v1 "stoa/shared/contracts/chat/v1"
)

func TestHub_PublishDropsOnBackpressure(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)

	// Minimum queue size is enforced by the gateway, not the session, so a
	// tiny queue is fine for exercising the drop path.
	s := NewSession("bob", "sb", 1)
	h.Register(s)
	defer h.Unregister("bob", "sb")

	ev := v1.Event{Type: v1.TypeMessage, MessageID: "m1"}

	delivered, dropped := h.Publish([]string{"bob"}, ev)
	if delivered != 1 || dropped != 0 {
		t.Fatalf("first publish: delivered=%d dropped=%d", delivered, dropped)
	}

	// Queue is full now; publish must not block.
	delivered, dropped = h.Publish([]string{"bob"}, ev)
	if delivered != 0 || dropped != 1 {
		t.Fatalf("second publish: delivered=%d dropped=%d", delivered, dropped)
	}
}

func TestHub_PublishSkipsClosedSessions(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	s := NewSession("bob", "sb", 8)
	h.Register(s)
	h.Unregister("bob", "sb")

	delivered, dropped := h.Publish([]string{"bob"}, v1.Event{Type: v1.TypeMessage})
	if delivered != 0 || dropped != 0 {
		t.Fatalf("publish after unregister: delivered=%d dropped=%d", delivered, dropped)
	}
	if h.LiveSessions("bob") != 0 {
		t.Fatalf("expected 0 live sessions, got %d", h.LiveSessions("bob"))
	}
}

func TestHub_PublishToUnknownUserIsNoop(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	delivered, dropped := h.Publish([]string{"ghost"}, v1.Event{Type: v1.TypeMessage})
	if delivered != 0 || dropped != 0 {
		t.Fatalf("publish to unknown user: delivered=%d dropped=%d", delivered, dropped)
	}
}
