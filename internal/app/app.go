// Package app wires the Stoa server runtime: config, logging, HTTP routes, and the realtime gateway.
//
// It is intentionally small and deterministic so that the chat core can be
// exercised without infrastructure in dev mode.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"stoa/internal/auth"
	"stoa/internal/chat"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Stoa server runtime: it owns HTTP server wiring and chat dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	ws  *chat.WSGateway
	api *chat.APIHandler
}

// tokenVerifier adapts auth.Manager to the chat access-verification interface.
type tokenVerifier struct {
	mgr auth.Manager
}

func (v tokenVerifier) Verify(token string, now time.Time) (string, error) {
	claims, err := v.mgr.Verify(token, now)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	st, dbPool, dbEnabled, directory, msgStore, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	tokenMgr, err := auth.NewPasetoV4PublicManager(authCfg)
	if err != nil {
		return nil, err
	}
	if authCfg.SecretKeyHex == "" {
		log.Warn("auth.ephemeral_key", "public_key", tokenMgr.PublicKeyHex())
	}
	verifier := tokenVerifier{mgr: tokenMgr}

	hub := chat.NewHub(log)
	router := chat.NewRouter(log, directory, msgStore, hub)
	ws := chat.NewWSGateway(log, hub, router, verifier)
	api := chat.NewAPIHandler(log, verifier, directory, msgStore, router)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		ws:        ws,
		api:       api,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.api)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and in-memory dev mode.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, chat.ConversationDirectory, chat.MessageStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, chat.NewInMemoryDirectory(), chat.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model:
	// - app owns pool lifecycle
	// - store/directory Close() are no-ops
	directory, err := chat.NewPostgresDirectory(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}
	msgStore, err := chat.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool, directory: directory, msgStore: msgStore}, pool, true, directory, msgStore, nil
}

type dbStore struct {
	pool      *pgxpool.Pool
	directory chat.ConversationDirectory
	msgStore  chat.MessageStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.msgStore != nil {
		_ = s.msgStore.Close()
	}
	if s.directory != nil {
		_ = s.directory.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
