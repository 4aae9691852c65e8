package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when STOA_DATABASE_URL is set.
// This keeps local "go test ./..." fast and deterministic without Postgres.

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("STOA_DATABASE_URL"))
	if dsn == "" {
		t.Skip("STOA_DATABASE_URL not set; skipping Postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	return pool
}

func testRandomHex(t *testing.T, n int) string {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("random: %v", err)
	}
	return hex.EncodeToString(b)
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "stoa_test_" + testRandomHex(t, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgSchemaIdent(schema)); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	ddl := []string{
		`CREATE TABLE ` + pgIdent(schema, "conversations") + ` (
			id             TEXT PRIMARY KEY,
			participant_lo TEXT NOT NULL,
			participant_hi TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL,
			UNIQUE (participant_lo, participant_hi)
		)`,
		`CREATE TABLE ` + pgIdent(schema, "messages") + ` (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			receiver_id     TEXT NOT NULL,
			client_msg_id   TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			read            BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (conversation_id, client_msg_id)
		)`,
	}
	for _, q := range ddl {
		if _, err := pool.Exec(ctx, q); err != nil {
			t.Fatalf("apply ddl: %v", err)
		}
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA `+pgSchemaIdent(schema)+` CASCADE`)
	})

	return schema
}

func pgSchemaIdent(schema string) string {
	return pgx.Identifier{schema}.Sanitize()
}

func TestPostgresDirectory_GetOrCreate_ConcurrentSinglePair(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()
	schema := mustCreateTestSchema(t, pool)

	dir, err := NewPostgresDirectory(pool, WithDirectorySchema(schema))
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			caller, other := "it-alice", "it-bob"
			if i%2 == 1 {
				caller, other = other, caller
			}
			conv, err := dir.GetOrCreate(ctx, caller, other, time.Now().UTC())
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got different conversation id: %s vs %s", i, ids[i], ids[0])
		}
	}

	got, err := dir.GetByID(ctx, ids[0])
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.ParticipantA != "it-alice" || got.ParticipantB != "it-bob" {
		t.Fatalf("expected canonical pair, got %+v", got)
	}
}

func TestPostgresStore_Append_Dedupe(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()
	schema := mustCreateTestSchema(t, pool)

	store, err := NewPostgresStore(pool, WithStoreSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convID := "it-conv-" + testRandomHex(t, 4)
	in := AppendInput{
		ConversationID: convID,
		SenderID:       "it-alice",
		ReceiverID:     "it-bob",
		Content:        "hello",
		ClientMsgID:    "nonce-" + testRandomHex(t, 4),
		Now:            time.Now().UTC(),
	}

	first, err := store.Append(ctx, in)
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated || first.Stored.ID == "" {
		t.Fatalf("append first: unexpected result %+v", first)
	}

	second, err := store.Append(ctx, in)
	if err != nil {
		t.Fatalf("append retry: %v", err)
	}
	if !second.Duplicated || second.Stored.ID != first.Stored.ID {
		t.Fatalf("append retry: expected duplicate of %s, got %+v", first.Stored.ID, second)
	}

	res, err := store.ListMessages(ctx, ListMessagesInput{ConversationID: convID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 row, got %d", len(res.Messages))
	}
}

func TestPostgresStore_Append_EarlierClockKeepsAppendOrder(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()
	schema := mustCreateTestSchema(t, pool)

	store, err := NewPostgresStore(pool, WithStoreSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convID := "it-conv-" + testRandomHex(t, 4)
	now := time.Now().UTC()

	// Two connections race: both read their clocks, then serialize on the
	// advisory lock. The second to land carries the earlier timestamp.
	first, err := store.Append(ctx, AppendInput{
		ConversationID: convID,
		SenderID:       "it-alice",
		ReceiverID:     "it-bob",
		Content:        "first accepted",
		ClientMsgID:    "n-1",
		Now:            now,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	second, err := store.Append(ctx, AppendInput{
		ConversationID: convID,
		SenderID:       "it-bob",
		ReceiverID:     "it-alice",
		Content:        "second accepted",
		ClientMsgID:    "n-2",
		Now:            now.Add(-2 * time.Second),
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}

	if second.Stored.ID <= first.Stored.ID {
		t.Fatalf("ids not strictly increasing in append order: first=%s second=%s", first.Stored.ID, second.Stored.ID)
	}
	if second.Stored.CreatedAt.Before(first.Stored.CreatedAt) {
		t.Fatalf("created_at regressed: first=%v second=%v", first.Stored.CreatedAt, second.Stored.CreatedAt)
	}

	res, err := store.ListMessages(ctx, ListMessagesInput{ConversationID: convID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Messages) != 2 || res.Messages[0].CreatedAt.After(res.Messages[1].CreatedAt) {
		t.Fatalf("stored order inconsistent with created_at: %+v", res.Messages)
	}
}

func TestPostgresStore_ConcurrentAppends_OrderedIDs(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()
	schema := mustCreateTestSchema(t, pool)

	store, err := NewPostgresStore(pool, WithStoreSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	convID := "it-conv-" + testRandomHex(t, 4)

	const writers = 6
	const perWriter = 10

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := store.Append(ctx, AppendInput{
					ConversationID: convID,
					SenderID:       "it-alice",
					ReceiverID:     "it-bob",
					Content:        fmt.Sprintf("w%d-%d", w, i),
					ClientMsgID:    fmt.Sprintf("nonce-%d-%d", w, i),
					Now:            time.Now().UTC(),
				}); err != nil {
					t.Errorf("append w%d-%d: %v", w, i, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	res, err := store.ListMessages(ctx, ListMessagesInput{ConversationID: convID, Limit: maxHistoryLimit})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Messages) != writers*perWriter {
		t.Fatalf("expected %d rows, got %d", writers*perWriter, len(res.Messages))
	}
	for i := 1; i < len(res.Messages); i++ {
		if res.Messages[i].ID <= res.Messages[i-1].ID {
			t.Fatalf("ids not strictly increasing at %d: %s <= %s", i, res.Messages[i].ID, res.Messages[i-1].ID)
		}
	}
}

func TestPostgresStore_UnreadAndMarkRead(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()
	schema := mustCreateTestSchema(t, pool)

	store, err := NewPostgresStore(pool, WithStoreSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convID := "it-conv-" + testRandomHex(t, 4)
	for i := 0; i < 2; i++ {
		if _, err := store.Append(ctx, AppendInput{
			ConversationID: convID,
			SenderID:       "it-alice",
			ReceiverID:     "it-bob",
			Content:        "hey",
			ClientMsgID:    fmt.Sprintf("n-%d", i),
			Now:            time.Now().UTC(),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	unread, err := store.CountUnread(ctx, convID, "it-bob")
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if unread != 2 {
		t.Fatalf("expected 2 unread, got %d", unread)
	}

	if err := store.MarkRead(ctx, convID, "it-bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	unread, err = store.CountUnread(ctx, convID, "it-bob")
	if err != nil {
		t.Fatalf("count unread after mark: %v", err)
	}
	if unread != 0 {
		t.Fatalf("expected 0 unread after mark, got %d", unread)
	}
}
