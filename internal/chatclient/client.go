package chatclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	v1 "stoa/shared/contracts/chat/v1"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	URL   string
	Token string

	// History loads confirmed history after every Ready transition.
	// Usually a *RESTClient; nil disables reloads.
	History HistoryFetcher

	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration

	Log *slog.Logger
}

// Client bundles the reconnection supervisor with the local message store.
//
// Delivered events are folded into the store as they arrive, and each fresh
// Ready transition triggers a history reload for the watched conversations,
// closing the delivery gap left by an outage. Client owns the supervisor's
// States stream; observe connection state via State.
type Client struct {
	log     *slog.Logger
	sup     *Supervisor
	store   *Store
	history HistoryFetcher

	mu      sync.Mutex
	watched []string
}

// NewClient constructs a Client. Call Watch for every conversation that
// should be reconciled on reconnect, then Run.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	store := NewStore()
	sup := NewSupervisor(SupervisorConfig{
		URL:               cfg.URL,
		Token:             cfg.Token,
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		WriteTimeout:      cfg.WriteTimeout,
		Log:               log,
	})
	sup.Subscribe(func(ev v1.Event) { store.ApplyEvent(ev) })

	return &Client{
		log:     log,
		sup:     sup,
		store:   store,
		history: cfg.History,
	}
}

// Store returns the client-local message store.
func (c *Client) Store() *Store { return c.store }

// State returns the current connection lifecycle state.
func (c *Client) State() State { return c.sup.State() }

// Subscribe registers an additional event handler, across reconnects.
func (c *Client) Subscribe(h func(v1.Event)) { c.sup.Subscribe(h) }

// Watch marks a conversation for history reload on every Ready transition.
// Watching the same conversation twice is a no-op.
func (c *Client) Watch(conversationID string) {
	if conversationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.watched {
		if id == conversationID {
			return
		}
	}
	c.watched = append(c.watched, conversationID)
}

// Send tracks ev as an optimistic pending entry and submits it over the
// current session. The pending entry is dropped again when the submit fails
// synchronously, so a failed send never lingers in the rendered view.
func (c *Client) Send(ctx context.Context, ev v1.Event) error {
	c.store.Track(PendingMessage{
		ClientMsgID:    ev.ClientMsgID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		ReceiverID:     ev.ReceiverID,
		Content:        ev.Content,
		SentAt:         time.Now().UTC(),
	})
	if err := c.sup.Send(ctx, ev); err != nil {
		c.store.Untrack(ev.ConversationID, ev.ClientMsgID)
		return err
	}
	return nil
}

// Run drives the connect/reconnect loop and reloads watched conversations
// after each Ready transition. It blocks until ctx is cancelled or auth is
// rejected.
func (c *Client) Run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- c.sup.Run(ctx) }()

	for {
		select {
		case err := <-done:
			return err
		case st := <-c.sup.States():
			if st == StateReady {
				c.reload(ctx)
			}
		}
	}
}

func (c *Client) reload(ctx context.Context) {
	if c.history == nil {
		return
	}
	c.mu.Lock()
	ids := append([]string(nil), c.watched...)
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.store.Reload(ctx, c.history, id); err != nil {
			c.log.Warn("chatclient.client.reload_failed", "conversation_id", id, "err", err)
		}
	}
}
