package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-conversation transactional advisory locks so that appends to
//   one conversation are serialized (ids assigned in arrival order) while
//   appends to different conversations proceed concurrently.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore behavior.
type StoreOption func(*PostgresStore) error

// WithStoreSchema sets the DB schema used by this store (default: "stoa").
// The schema name is validated and safely quoted in queries.
func WithStoreSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "stoa",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Append persists a message with idempotency and arrival-order id allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("chat: nil store")
	}
	if in.ConversationID == "" || in.SenderID == "" || in.ReceiverID == "" || in.ClientMsgID == "" {
		return AppendResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per conversation so ids are assigned in the
	// order submits are accepted, without cross-conversation blocking.
	//
	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ConversationID, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	// The caller's clock was read before the advisory lock was taken, so a
	// racing append may carry an older timestamp than the row stored just
	// ahead of it. Clamp to the newest row so created_at never regresses
	// within the conversation.
	var lastCreated time.Time
	err = tx.QueryRow(ctx,
		`SELECT created_at FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY id DESC
		  LIMIT 1`,
		in.ConversationID,
	).Scan(&lastCreated)
	switch {
	case err == nil:
		if now.Before(lastCreated) {
			now = lastCreated
		}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return AppendResult{}, err
	}

	// The id is a ULID minted under the advisory lock, so per-conversation
	// ordering follows lock acquisition order.
	id, err := NewMessageID(now)
	if err != nil {
		return AppendResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, sender_id, receiver_id, client_msg_id, content, created_at, read
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)`,
		id, in.ConversationID, in.SenderID, in.ReceiverID, in.ClientMsgID, in.Content, now,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	out := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      now,
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: out, Duplicated: false}, nil
}

// ListMessages returns messages ordered by id ASC, with optional paging by AfterID.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if s == nil || s.pool == nil {
		return ListMessagesResult{}, errors.New("chat: nil store")
	}
	if in.ConversationID == "" {
		return ListMessagesResult{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)

	if in.AfterID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, receiver_id, client_msg_id, content, created_at, read
			   FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY id ASC
			  LIMIT $2`,
			in.ConversationID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, receiver_id, client_msg_id, content, created_at, read
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND id > $2
			  ORDER BY id ASC
			  LIMIT $3`,
			in.ConversationID, in.AfterID, fetch,
		)
	}
	if err != nil {
		return ListMessagesResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&m.SenderID,
			&m.ReceiverID,
			&m.ClientMsgID,
			&m.Content,
			&m.CreatedAt,
			&m.Read,
		); err != nil {
			return ListMessagesResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return ListMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

// LastMessage returns the most recent message of the conversation, if any.
func (s *PostgresStore) LastMessage(ctx context.Context, conversationID string) (Message, bool, error) {
	if s == nil || s.pool == nil {
		return Message{}, false, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	messages := pgIdent(s.schema, "messages")

	var m Message
	err := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, sender_id, receiver_id, client_msg_id, content, created_at, read
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY id DESC
		  LIMIT 1`,
		conversationID,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.ClientMsgID, &m.Content, &m.CreatedAt, &m.Read)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

// CountUnread counts messages addressed to userID that are not yet read.
func (s *PostgresStore) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages := pgIdent(s.schema, "messages")

	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+messages+`
		  WHERE conversation_id = $1 AND receiver_id = $2 AND read = FALSE`,
		conversationID, userID,
	).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// MarkRead flags every message addressed to readerID as read.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if conversationID == "" || readerID == "" {
		return errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET read = TRUE
		  WHERE conversation_id = $1 AND receiver_id = $2 AND read = FALSE`,
		conversationID, readerID,
	)
	return err
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable, conversationID, clientMsgID string) (Message, error) {
	var m Message
	err := tx.QueryRow(ctx,
		`SELECT id, conversation_id, sender_id, receiver_id, client_msg_id, content, created_at, read
		   FROM `+messagesTable+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		conversationID, clientMsgID,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.ClientMsgID, &m.Content, &m.CreatedAt, &m.Read)
	return m, err
}
