package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/autonlabs/inbox-broker/broker/internal/models"
	"github.com/autonlabs/inbox-broker/common/database"
)

// PoolConfig tunes the pgx connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPoolConfig mirrors the sizing used for a single broker instance.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: time.Minute,
	}
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string, pc PoolConfig) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = pc.MaxConns
	config.MinConns = pc.MinConns
	config.MaxConnLifetime = pc.MaxConnLifetime
	config.MaxConnIdleTime = pc.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

// =============================================================================
// INBOXES
// =============================================================================

func (r *PostgresRepository) CreateInbox(ctx context.Context, inbox *models.Inbox) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO inboxes (id, name, public_key, private_secret, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query, inbox.ID, inbox.Name, inbox.PublicKey, inbox.PrivateSecret, inbox.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "pkey") {
				return ErrInboxExists
			}
			return ErrCredentialConflict
		}
		return fmt.Errorf("failed to create inbox: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetInbox(ctx context.Context, id string) (*models.Inbox, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT id, name, public_key, private_secret, created_at
		FROM inboxes
		WHERE id = $1
	`

	inbox := &models.Inbox{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&inbox.ID, &inbox.Name, &inbox.PublicKey, &inbox.PrivateSecret, &inbox.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inbox: %w", err)
	}
	return inbox, nil
}

func (r *PostgresRepository) ListInboxes(ctx context.Context, limit int) ([]*models.Inbox, error) {
	if limit <= 0 || limit > MaxInboxList {
		limit = MaxInboxList
	}

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := `
		SELECT id, name, public_key, private_secret, created_at
		FROM inboxes
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list inboxes: %w", err)
	}
	defer rows.Close()

	inboxes := make([]*models.Inbox, 0)
	for rows.Next() {
		inbox := &models.Inbox{}
		if err := rows.Scan(&inbox.ID, &inbox.Name, &inbox.PublicKey, &inbox.PrivateSecret, &inbox.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inbox: %w", err)
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

// DeleteInbox relies on ON DELETE CASCADE so the inbox row and its messages
// disappear in a single statement. The row lock it takes waits for any
// in-flight append on the same inbox.
func (r *PostgresRepository) DeleteInbox(ctx context.Context, id string) error {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM inboxes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete inbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInboxNotFound
	}
	return nil
}

// =============================================================================
// MESSAGES
// =============================================================================

func (r *PostgresRepository) AppendMessage(ctx context.Context, msg *models.Message) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The row lock on the inbox serialises sequence assignment per inbox only.
	var seq int64
	var receivedAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE inboxes
		SET last_seq = last_seq + 1,
		    last_received = GREATEST(clock_timestamp(), COALESCE(last_received, '-infinity'::timestamptz))
		WHERE id = $1
		RETURNING last_seq, last_received
	`, msg.InboxID).Scan(&seq, &receivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInboxNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to assign message sequence: %w", err)
	}

	id := ulid.Make().String()
	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, inbox_id, seq, headers, body, method, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, msg.InboxID, seq, headers, []byte(msg.Body), msg.Method, receivedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}

	msg.ID = id
	msg.Seq = seq
	msg.ReceivedAt = receivedAt.UTC()
	return nil
}

const messageColumns = `id, inbox_id, seq, headers, body, method, received_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	var body []byte
	if err := row.Scan(&msg.ID, &msg.InboxID, &msg.Seq, &msg.Headers, &body, &msg.Method, &msg.ReceivedAt); err != nil {
		return nil, err
	}
	msg.Body = body
	msg.ReceivedAt = msg.ReceivedAt.UTC()
	if err := msg.DecodeEnvelope(); err != nil {
		return nil, fmt.Errorf("failed to decode stored body of message %s: %w", msg.ID, err)
	}
	return msg, nil
}

func (r *PostgresRepository) GetMessage(ctx context.Context, inboxID, messageID string) (*models.Message, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var msg *models.Message
	err := r.readSnapshot(ctx, func(q querier) error {
		if err := requireInbox(ctx, q, inboxID); err != nil {
			return err
		}
		row := q.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE inbox_id = $1 AND id = $2`, inboxID, messageID)
		var err error
		msg, err = scanMessage(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, inboxID string, filter MessageFilter) ([]*models.Message, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	// strpos gives case-sensitive containment without LIKE escaping; a missing
	// ref yields NULL and therefore never matches a non-empty filter.
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE inbox_id = $1
		  AND ($2 = '' OR strpos(body->>'topic', $2) > 0)
		  AND ($3 = '' OR strpos(body->>'source', $3) > 0)
		  AND ($4 = '' OR strpos(body->>'ref', $4) > 0)
		ORDER BY seq DESC
		LIMIT $5
	`
	return r.listInSnapshot(ctx, inboxID, query, inboxID, filter.Topic, filter.Source, filter.Ref, filter.Limit)
}

func (r *PostgresRepository) ListMessagesAfter(ctx context.Context, inboxID string, afterSeq int64, limit int) ([]*models.Message, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var lim any
	if limit > 0 {
		lim = limit
	}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE inbox_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`
	return r.listInSnapshot(ctx, inboxID, query, inboxID, afterSeq, lim)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// readSnapshot runs fn in a read-only repeatable-read transaction so the
// inbox existence check and the message query observe the same state.
func (r *PostgresRepository) readSnapshot(ctx context.Context, fn func(q querier) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("failed to begin read: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) listInSnapshot(ctx context.Context, inboxID, query string, args ...any) ([]*models.Message, error) {
	var messages []*models.Message
	err := r.readSnapshot(ctx, func(q querier) error {
		if err := requireInbox(ctx, q, inboxID); err != nil {
			return err
		}
		var err error
		messages, err = queryMessages(ctx, q, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func queryMessages(ctx context.Context, q querier, query string, args ...any) ([]*models.Message, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) CountMessages(ctx context.Context, inboxID string) (int64, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var exists bool
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM inboxes WHERE id = $1),
		       (SELECT count(*) FROM messages WHERE inbox_id = $1)
	`, inboxID).Scan(&exists, &count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	if !exists {
		return 0, ErrInboxNotFound
	}
	return count, nil
}

func (r *PostgresRepository) DeleteMessages(ctx context.Context, inboxID string) error {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	if _, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE inbox_id = $1`, inboxID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func requireInbox(ctx context.Context, q querier, inboxID string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inboxes WHERE id = $1)`, inboxID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up inbox: %w", err)
	}
	if !exists {
		return ErrInboxNotFound
	}
	return nil
}
