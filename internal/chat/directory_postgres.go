package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory is a ConversationDirectory backed by PostgreSQL.
//
// Ownership model:
// - PostgresDirectory does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Idempotency model:
// - The conversations table carries a unique index on the canonical pair
//   (participant_lo, participant_hi). Creation is INSERT .. ON CONFLICT DO
//   NOTHING followed by a re-select, so concurrent first-contact from both
//   participants converges on a single row.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// DirectoryOption configures PostgresDirectory behavior.
type DirectoryOption func(*PostgresDirectory) error

// WithDirectorySchema sets the DB schema used by this directory (default: "stoa").
// The schema name is validated and safely quoted in queries.
func WithDirectorySchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a Postgres-backed ConversationDirectory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "stoa",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return d, nil
}

// Close is a no-op because the pool is owned by the caller.
func (d *PostgresDirectory) Close() error { return nil }

// GetOrCreate returns the canonical conversation for the unordered pair,
// creating it idempotently if absent.
func (d *PostgresDirectory) GetOrCreate(ctx context.Context, callerID, otherID string, now time.Time) (Conversation, error) {
	if d == nil || d.pool == nil {
		return Conversation{}, errors.New("chat: nil directory")
	}
	if err := validatePair(callerID, otherID); err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}

	lo, hi := CanonicalPair(callerID, otherID)
	conversations := pgIdent(d.schema, "conversations")

	id, err := NewConversationID(now)
	if err != nil {
		return Conversation{}, err
	}

	// ON CONFLICT DO NOTHING loses the race cleanly; the follow-up select
	// observes whichever row won.
	if _, err := d.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (id, participant_lo, participant_hi, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (participant_lo, participant_hi) DO NOTHING`,
		id, lo, hi, now,
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	var c Conversation
	if err := d.pool.QueryRow(ctx,
		`SELECT id, participant_lo, participant_hi, created_at
		   FROM `+conversations+`
		  WHERE participant_lo = $1 AND participant_hi = $2`,
		lo, hi,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// GetByID returns the conversation with the given id, or ErrNotFound.
func (d *PostgresDirectory) GetByID(ctx context.Context, conversationID string) (Conversation, error) {
	if d == nil || d.pool == nil {
		return Conversation{}, errors.New("chat: nil directory")
	}
	if strings.TrimSpace(conversationID) == "" {
		return Conversation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(d.schema, "conversations")

	var c Conversation
	err := d.pool.QueryRow(ctx,
		`SELECT id, participant_lo, participant_hi, created_at
		   FROM `+conversations+`
		  WHERE id = $1`,
		conversationID,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// List returns all conversations callerID participates in, newest first.
func (d *PostgresDirectory) List(ctx context.Context, callerID string) ([]Conversation, error) {
	if d == nil || d.pool == nil {
		return nil, errors.New("chat: nil directory")
	}
	if strings.TrimSpace(callerID) == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(d.schema, "conversations")

	rows, err := d.pool.Query(ctx,
		`SELECT id, participant_lo, participant_hi, created_at
		   FROM `+conversations+`
		  WHERE participant_lo = $1 OR participant_hi = $1
		  ORDER BY created_at DESC, id DESC`,
		callerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
