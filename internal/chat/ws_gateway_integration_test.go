package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "stoa/shared/contracts/chat/v1"
)

// staticVerifier resolves fixed tokens to user ids.
type staticVerifier map[string]string

func (v staticVerifier) Verify(token string, _ time.Time) (string, error) {
	uid, ok := v[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return uid, nil
}

type wsFixture struct {
	srv    *httptest.Server
	router *Router
	conv   Conversation
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	// Test clients send no Origin header.
	t.Setenv("STOA_WS_ORIGIN_REQUIRED", "false")

	directory := NewInMemoryDirectory()
	store := NewInMemoryStore()
	hub := NewHub(nil)
	router := NewRouter(nil, directory, store, hub)

	verifier := staticVerifier{
		"tok-alice": "alice",
		"tok-bob":   "bob",
	}
	gw := NewWSGateway(nil, hub, router, verifier)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conv, err := directory.GetOrCreate(context.Background(), "alice", "bob", time.Now().UTC())
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	return &wsFixture{srv: srv, router: router, conv: conv}
}

func (f *wsFixture) wsURL(token string) string {
	u := strings.Replace(f.srv.URL, "http", "ws", 1) + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func dialWS(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendWS(t *testing.T, ctx context.Context, conn *websocket.Conn, ev v1.Event) {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvWS(t *testing.T, ctx context.Context, conn *websocket.Conn) v1.Event {
	t.Helper()
	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, data, err := conn.Read(rctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev v1.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return ev
}

func TestWSGateway_RejectsMissingToken(t *testing.T) {
	f := newWSFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, f.wsURL(""), nil)
	if err == nil {
		t.Fatalf("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWSGateway_RejectsUnknownToken(t *testing.T) {
	f := newWSFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, f.wsURL("tok-mallory"), nil)
	if err == nil {
		t.Fatalf("expected dial to fail with unknown token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWSGateway_EndToEndDelivery(t *testing.T) {
	f := newWSFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, f.wsURL("tok-alice"))
	bob := dialWS(t, ctx, f.wsURL("tok-bob"))

	sendWS(t, ctx, alice, v1.Event{
		Type:           v1.TypeMessage,
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "hello over the wire",
		ClientMsgID:    "nonce-1",
	})

	got := recvWS(t, ctx, bob)
	if got.Type != v1.TypeMessage {
		t.Fatalf("expected message event, got %+v", got)
	}
	if got.Content != "hello over the wire" || got.SenderID != "alice" || got.ClientMsgID != "nonce-1" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.MessageID == "" || got.CreatedAt.IsZero() {
		t.Fatalf("expected server-assigned id and timestamp: %+v", got)
	}

	// The sender's own sessions receive the confirmed copy too.
	echo := recvWS(t, ctx, alice)
	if echo.MessageID != got.MessageID {
		t.Fatalf("sender echo mismatch: %+v vs %+v", echo, got)
	}
}

func TestWSGateway_EmptyContentYieldsErrorEvent(t *testing.T) {
	f := newWSFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, f.wsURL("tok-alice"))

	sendWS(t, ctx, alice, v1.Event{
		Type:           v1.TypeMessage,
		ConversationID: f.conv.ID,
		Content:        "   ",
		ClientMsgID:    "nonce-1",
	})

	got := recvWS(t, ctx, alice)
	if got.Type != v1.TypeError || got.Code != "invalid_input" {
		t.Fatalf("expected invalid_input error event, got %+v", got)
	}
}

func TestWSGateway_SpoofedSenderRejected(t *testing.T) {
	f := newWSFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, f.wsURL("tok-alice"))

	sendWS(t, ctx, alice, v1.Event{
		Type:           v1.TypeMessage,
		ConversationID: f.conv.ID,
		SenderID:       "bob",
		Content:        "spoofed",
		ClientMsgID:    "nonce-1",
	})

	got := recvWS(t, ctx, alice)
	if got.Type != v1.TypeError || got.Code != "forbidden" {
		t.Fatalf("expected forbidden error event, got %+v", got)
	}
}

func TestWSGateway_DuplicateNonceDeliveredOnce(t *testing.T) {
	f := newWSFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, f.wsURL("tok-alice"))
	bob := dialWS(t, ctx, f.wsURL("tok-bob"))

	ev := v1.Event{
		Type:           v1.TypeMessage,
		ConversationID: f.conv.ID,
		Content:        "once only",
		ClientMsgID:    "nonce-dup",
	}
	sendWS(t, ctx, alice, ev)
	sendWS(t, ctx, alice, ev)

	first := recvWS(t, ctx, bob)
	if first.Content != "once only" {
		t.Fatalf("unexpected first event: %+v", first)
	}

	// No second delivery for the retry.
	rctx, rcancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer rcancel()
	if _, _, err := bob.Read(rctx); err == nil {
		t.Fatalf("expected no second delivery for duplicate nonce")
	}
}
