package chatclient

import (
	"context"
	"testing"
	"time"

	v1 "stoa/shared/contracts/chat/v1"
)

type fakeFetcher struct {
	msgs []v1.Message
	err  error
}

func (f *fakeFetcher) ListMessages(_ context.Context, _, _ string, _ int) ([]v1.Message, error) {
	return f.msgs, f.err
}

func deliveredEvent(msgID, convID, sender, content, nonce string, at time.Time) v1.Event {
	return v1.Event{
		Type:           v1.TypeMessage,
		MessageID:      msgID,
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		ClientMsgID:    nonce,
		CreatedAt:      at,
	}
}

func TestStore_OptimisticSendReconciles(t *testing.T) {
	t.Parallel()

	s := NewStore()
	now := time.Now().UTC()

	s.Track(PendingMessage{
		ClientMsgID:    "nonce-1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Content:        "hello",
		SentAt:         now,
	})

	view := s.Messages("conv-1")
	if len(view.Pending) != 1 || len(view.Confirmed) != 0 {
		t.Fatalf("expected 1 pending 0 confirmed, got %d/%d", len(view.Pending), len(view.Confirmed))
	}

	if !s.ApplyEvent(deliveredEvent("m1", "conv-1", "alice", "hello", "nonce-1", now)) {
		t.Fatalf("expected event to apply")
	}

	view = s.Messages("conv-1")
	if len(view.Pending) != 0 {
		t.Fatalf("expected pending resolved, got %d", len(view.Pending))
	}
	if len(view.Confirmed) != 1 || view.Confirmed[0].ID != "m1" {
		t.Fatalf("expected confirmed m1, got %+v", view.Confirmed)
	}
}

func TestStore_ApplyEvent_ReplayIdempotent(t *testing.T) {
	t.Parallel()

	s := NewStore()
	now := time.Now().UTC()
	ev := deliveredEvent("m1", "conv-1", "bob", "hi", "", now)

	if !s.ApplyEvent(ev) {
		t.Fatalf("first apply should change state")
	}
	if s.ApplyEvent(ev) {
		t.Fatalf("replay should be a no-op")
	}

	view := s.Messages("conv-1")
	if len(view.Confirmed) != 1 {
		t.Fatalf("expected exactly 1 confirmed message, got %d", len(view.Confirmed))
	}
}

func TestStore_ReplayStillResolvesPending(t *testing.T) {
	t.Parallel()

	s := NewStore()
	now := time.Now().UTC()

	// Confirmed copy arrives via history reload first, then the live event
	// replays it while the pending entry still exists.
	if !s.ApplyEvent(deliveredEvent("m1", "conv-1", "alice", "hello", "", now)) {
		t.Fatalf("apply history copy")
	}
	s.Track(PendingMessage{ClientMsgID: "nonce-1", ConversationID: "conv-1", SenderID: "alice", Content: "hello", SentAt: now})

	if s.ApplyEvent(deliveredEvent("m1", "conv-1", "alice", "hello", "nonce-1", now)) {
		t.Fatalf("replay should not change confirmed state")
	}
	view := s.Messages("conv-1")
	if len(view.Pending) != 0 {
		t.Fatalf("expected pending resolved by replay, got %d", len(view.Pending))
	}
}

func TestStore_ConfirmedOrderedByTimeThenID(t *testing.T) {
	t.Parallel()

	s := NewStore()
	base := time.Now().UTC()

	// Out-of-order arrival.
	s.ApplyEvent(deliveredEvent("m3", "conv-1", "bob", "third", "", base.Add(2*time.Second)))
	s.ApplyEvent(deliveredEvent("m1", "conv-1", "bob", "first", "", base))
	s.ApplyEvent(deliveredEvent("m2", "conv-1", "bob", "second", "", base.Add(time.Second)))

	view := s.Messages("conv-1")
	want := []string{"m1", "m2", "m3"}
	if len(view.Confirmed) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(view.Confirmed))
	}
	for i, id := range want {
		if view.Confirmed[i].ID != id {
			t.Fatalf("position %d: expected %s got %s", i, id, view.Confirmed[i].ID)
		}
	}
}

func TestStore_Reload_MergesHistory(t *testing.T) {
	t.Parallel()

	s := NewStore()
	now := time.Now().UTC()

	// Live event already applied; history overlaps it and adds older rows.
	s.ApplyEvent(deliveredEvent("m2", "conv-1", "bob", "later", "", now.Add(time.Second)))
	s.Track(PendingMessage{ClientMsgID: "nonce-9", ConversationID: "conv-1", SenderID: "alice", Content: "mine", SentAt: now})

	fetcher := &fakeFetcher{msgs: []v1.Message{
		{ID: "m1", ConversationID: "conv-1", SenderID: "alice", Content: "earlier", CreatedAt: now},
		{ID: "m2", ConversationID: "conv-1", SenderID: "bob", Content: "later", CreatedAt: now.Add(time.Second)},
		{ID: "m3", ConversationID: "conv-1", SenderID: "alice", Content: "mine", ClientMsgID: "nonce-9", CreatedAt: now.Add(2 * time.Second)},
	}}

	if err := s.Reload(context.Background(), fetcher, "conv-1"); err != nil {
		t.Fatalf("reload: %v", err)
	}

	view := s.Messages("conv-1")
	if len(view.Confirmed) != 3 {
		t.Fatalf("expected 3 confirmed after merge, got %d", len(view.Confirmed))
	}
	if view.Confirmed[0].ID != "m1" || view.Confirmed[2].ID != "m3" {
		t.Fatalf("unexpected order: %+v", view.Confirmed)
	}
	if len(view.Pending) != 0 {
		t.Fatalf("expected pending resolved by history, got %d", len(view.Pending))
	}
}

func TestStore_Untrack(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Track(PendingMessage{ClientMsgID: "nonce-1", ConversationID: "conv-1", Content: "rejected send"})
	s.Untrack("conv-1", "nonce-1")

	if view := s.Messages("conv-1"); len(view.Pending) != 0 {
		t.Fatalf("expected pending removed, got %d", len(view.Pending))
	}
}

func TestStore_TrackDuplicateNonceOnce(t *testing.T) {
	t.Parallel()

	s := NewStore()
	p := PendingMessage{ClientMsgID: "nonce-1", ConversationID: "conv-1", Content: "hi"}
	s.Track(p)
	s.Track(p)

	if view := s.Messages("conv-1"); len(view.Pending) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(view.Pending))
	}
}
