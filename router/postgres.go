package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patternrun/pattern/driver"
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore implements Store, keeping queued_messages FIFO per
// (sender, recipient) the same way the teacher keeps runs ordered by
// created_at within a session.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := driver.NativeTx(ctx).(pgx.Tx); ok && tx != nil {
		return tx
	}
	return s.pool
}

func (s *PostgresStore) Enqueue(ctx context.Context, msg *Message) error {
	chain, err := json.Marshal(msg.CallChain)
	if err != nil {
		return fmt.Errorf("router: marshal call_chain: %w", err)
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO queued_messages (id, sender_id, recipient_id, body, call_chain, read, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, false, false, $6)`,
		msg.ID, msg.Sender, msg.Recipient, msg.Body, chain, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("router: enqueue: %w", err)
	}
	return nil
}

func (s *PostgresStore) Pending(ctx context.Context, recipient string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, sender_id, recipient_id, body, call_chain, read, processed, created_at
		FROM queued_messages
		WHERE recipient_id = $1 AND processed = false
		ORDER BY created_at ASC
		LIMIT $2`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("router: pending: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var chain []byte
		var createdAt time.Time
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &chain, &m.Read, &m.Processed, &createdAt); err != nil {
			return nil, fmt.Errorf("router: scan pending: %w", err)
		}
		if err := json.Unmarshal(chain, &m.CallChain); err != nil {
			return nil, fmt.Errorf("router: unmarshal call_chain: %w", err)
		}
		m.CreatedAt = createdAt
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, messageID string) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE queued_messages SET read = true WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("router: mark read: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE queued_messages SET processed = true, read = true WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("router: mark processed: %w", err)
	}
	return nil
}
