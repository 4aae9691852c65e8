package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	v1 "stoa/shared/contracts/chat/v1"
)

// State is the supervisor's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateBackoff
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateBackoff:
		return "backoff"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SupervisorConfig configures the reconnection supervisor.
type SupervisorConfig struct {
	URL   string
	Token string

	// ReconnectDelay is the fixed wait between a drop and the next dial
	// attempt. Zero means the STOA_CLIENT_RECONNECT_DELAY env var, or 3s.
	ReconnectDelay time.Duration

	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration

	Log *slog.Logger
}

const defaultReconnectDelay = 3 * time.Second

// Supervisor owns exactly one Session at a time and replaces it after every
// drop with a fixed-delay reconnect loop. Event handlers registered via
// Subscribe survive reconnects; per-session state does not.
//
// Auth rejection is terminal: the token will not become valid by retrying,
// so the supervisor enters StateFailed and Run returns ErrAuthRejected.
type Supervisor struct {
	cfg SupervisorConfig
	log *slog.Logger

	mu       sync.Mutex
	session  *Session
	state    State
	handlers []func(v1.Event)

	states chan State
}

// NewSupervisor constructs a Supervisor. Call Subscribe before Run.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = envReconnectDelay()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		log:    log,
		state:  StateDisconnected,
		states: make(chan State, 16),
	}
}

// Subscribe registers a handler for every server event, across reconnects.
// Handlers are invoked in registration order from the session read goroutine.
func (sv *Supervisor) Subscribe(h func(v1.Event)) {
	if h == nil {
		return
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.handlers = append(sv.handlers, h)
}

// State returns the current lifecycle state.
func (sv *Supervisor) State() State {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.state
}

// States exposes state transitions for observers (UI status indicators).
// The channel is buffered; transitions are dropped, not blocked on, when the
// observer lags.
func (sv *Supervisor) States() <-chan State { return sv.states }

// Send submits one event over the current session. It fails synchronously
// with ErrNotReady when no live session exists; it never queues.
func (sv *Supervisor) Send(ctx context.Context, ev v1.Event) error {
	sv.mu.Lock()
	sess := sv.session
	st := sv.state
	sv.mu.Unlock()

	if sess == nil || st != StateReady {
		return ErrNotReady
	}
	if err := sess.Send(ctx, ev); err != nil {
		if errors.Is(err, ErrDisconnected) {
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return err
	}
	return nil
}

// Run drives the connect/reconnect loop until ctx is cancelled or auth is
// rejected. It blocks; run it in its own goroutine.
func (sv *Supervisor) Run(ctx context.Context) error {
	defer sv.teardown()

	for {
		sv.setState(StateConnecting)

		sess, err := Dial(ctx, SessionConfig{
			URL:               sv.cfg.URL,
			Token:             sv.cfg.Token,
			Handler:           sv.dispatch,
			HeartbeatInterval: sv.cfg.HeartbeatInterval,
			WriteTimeout:      sv.cfg.WriteTimeout,
			Log:               sv.log,
		})
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				sv.log.Warn("chatclient.supervisor.auth_rejected")
				sv.setState(StateFailed)
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sv.log.Info("chatclient.supervisor.dial_failed", "err", err, "retry_in", sv.cfg.ReconnectDelay)
			if err := sv.backoff(ctx); err != nil {
				return err
			}
			continue
		}

		sv.mu.Lock()
		sv.session = sess
		sv.mu.Unlock()
		sv.setState(StateReady)

		select {
		case <-ctx.Done():
			_ = sess.Close()
			return ctx.Err()
		case <-sess.Done():
			sv.mu.Lock()
			sv.session = nil
			sv.mu.Unlock()
			sv.log.Info("chatclient.supervisor.session_dropped", "err", sess.Err(), "retry_in", sv.cfg.ReconnectDelay)
		}

		if err := sv.backoff(ctx); err != nil {
			return err
		}
	}
}

// backoff waits the fixed reconnect delay, cancellable via ctx.
func (sv *Supervisor) backoff(ctx context.Context) error {
	sv.setState(StateBackoff)

	t := time.NewTimer(sv.cfg.ReconnectDelay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (sv *Supervisor) dispatch(ev v1.Event) {
	sv.mu.Lock()
	handlers := sv.handlers
	sv.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (sv *Supervisor) setState(s State) {
	sv.mu.Lock()
	if sv.state == s {
		sv.mu.Unlock()
		return
	}
	sv.state = s
	sv.mu.Unlock()

	select {
	case sv.states <- s:
	default:
	}
}

func envReconnectDelay() time.Duration {
	v := strings.TrimSpace(os.Getenv("STOA_CLIENT_RECONNECT_DELAY"))
	if v == "" {
		return defaultReconnectDelay
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultReconnectDelay
	}
	return d
}

func (sv *Supervisor) teardown() {
	sv.mu.Lock()
	sess := sv.session
	sv.session = nil
	terminal := sv.state == StateFailed
	sv.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	if !terminal {
		sv.setState(StateDisconnected)
	}
}
