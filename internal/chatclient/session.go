// Package chatclient implements the client side of the Stoa chat protocol:
// a websocket session, a reconnection supervisor, a local message store with
// optimistic sends, and a REST client for conversations and history.
package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "stoa/shared/contracts/chat/v1"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	sessionMaxFrameBytes     = 64 * 1024
)

// SessionConfig configures a single websocket session.
type SessionConfig struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string

	// Token is the access token, passed as the "token" query parameter
	// during the upgrade so the server can authenticate before accepting.
	Token string

	// Handler receives every server event in arrival order. It is called
	// from the session's read goroutine, so it must not block for long.
	Handler func(v1.Event)

	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration

	HTTPClient *http.Client
	Log        *slog.Logger
}

// Session is one live, authenticated websocket connection.
//
// A Session never reconnects. When the connection drops for any reason the
// session transitions to closed, Done() is closed, and every later Send
// returns ErrDisconnected. Reconnection is the Supervisor's job.
type Session struct {
	log  *slog.Logger
	conn *websocket.Conn

	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	closeErr error
}

// Dial establishes and authenticates a session. It returns only once the
// server has accepted the upgrade, so a non-nil Session is ready to use.
//
// A 401 or 403 upgrade response is reported as ErrAuthRejected so callers
// can distinguish "bad token" from transient network failure.
func Dial(ctx context.Context, cfg SessionConfig) (*Session, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", cfg.Token)
	u.RawQuery = q.Encode()

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial: status=%d: %w", resp.StatusCode, ErrAuthRejected)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(sessionMaxFrameBytes)

	s := &Session{
		log:          log,
		conn:         conn,
		writeTimeout: nonZero(cfg.WriteTimeout, defaultWriteTimeout),
		done:         make(chan struct{}),
	}

	go s.readLoop(cfg.Handler)
	go s.heartbeatLoop(nonZero(cfg.HeartbeatInterval, defaultHeartbeatInterval))

	return s, nil
}

// Send writes one event to the server. It fails synchronously with
// ErrDisconnected once the session is closed.
func (s *Session) Send(ctx context.Context, ev v1.Event) error {
	select {
	case <-s.done:
		return s.closeReason()
	default:
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if err := s.conn.Write(wctx, websocket.MessageText, b); err != nil {
		s.close(fmt.Errorf("write: %w: %w", err, ErrDisconnected))
		return s.closeReason()
	}
	return nil
}

// Done is closed when the session is no longer usable.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session closed. Nil while the session is live, and
// nil after a clean Close.
func (s *Session) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Close shuts the session down. Safe to call multiple times.
func (s *Session) Close() error {
	s.close(nil)
	return nil
}

func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = cause
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	})
}

func (s *Session) closeReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrDisconnected
}

// readLoop dispatches server events in arrival order on a single goroutine,
// preserving per-session ordering for the handler.
func (s *Session) readLoop(handler func(v1.Event)) {
	ctx := context.Background()
	for {
		mt, data, err := s.conn.Read(ctx)
		if err != nil {
			s.close(fmt.Errorf("read: %w: %w", err, ErrDisconnected))
			return
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}

		var ev v1.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn("chatclient.event.malformed", "err", err)
			continue
		}
		if handler != nil {
			handler(ev)
		}
	}
}

func (s *Session) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				s.close(fmt.Errorf("ping: %w: %w", err, ErrDisconnected))
				return
			}
		}
	}
}

func nonZero(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
