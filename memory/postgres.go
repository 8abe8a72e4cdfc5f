package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/patternrun/pattern/driver"
)

// querier mirrors the pgxv5 store's pool/tx abstraction so memory blocks
// share the same transaction as the agent loop that alters them.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on top of a pgx pool. A pgx.Tx placed on
// the context with driver.WithNativeTx is used for every statement, so a
// memory.Alter joins the caller's transaction; without one, Alter opens
// its own.
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

func (s *PostgresStore) CreateBlock(ctx context.Context, b *Block) (*Block, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt, b.Version = now, now, 1
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO memory_blocks (id, owner_id, label, description, type, value, permission, char_limit, pinned, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.OwnerID, b.Label, b.Description, string(b.Type), b.Value, int(b.Permission), b.CharLimit, b.Pinned, b.Version, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("memory: create block: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) GetBlock(ctx context.Context, blockID string) (*Block, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, owner_id, label, description, type, value, permission, char_limit, pinned, version, created_at, updated_at
		FROM memory_blocks WHERE id = $1`, blockID)
	b := &Block{}
	var typ string
	var perm int
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Label, &b.Description, &typ, &b.Value, &perm, &b.CharLimit, &b.Pinned, &b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("memory: get block: %w", err)
	}
	b.Type = BlockType(typ)
	b.Permission = Permission(perm)
	return b, nil
}

// Alter runs a SELECT ... FOR UPDATE read-modify-write so concurrent
// Alter calls across processes serialize on the row rather than racing,
// the same discipline the teacher applies to run claiming.
func (s *PostgresStore) Alter(ctx context.Context, blockID string, fn func(string) (string, error)) (*Block, error) {
	if tx, ok := driver.NativeTx(ctx).(pgx.Tx); !ok || tx == nil {
		// FOR UPDATE only holds the row lock inside a transaction.
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("memory: alter begin: %w", err)
		}
		defer tx.Rollback(ctx)
		b, err := s.Alter(driver.WithNativeTx(ctx, tx), blockID, fn)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("memory: alter commit: %w", err)
		}
		return b, nil
	}
	q := s.q(ctx)
	row := q.QueryRow(ctx, `
		SELECT id, owner_id, label, description, type, value, permission, char_limit, pinned, version, created_at, updated_at
		FROM memory_blocks WHERE id = $1 FOR UPDATE`, blockID)
	b := &Block{}
	var typ string
	var perm int
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Label, &b.Description, &typ, &b.Value, &perm, &b.CharLimit, &b.Pinned, &b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("memory: alter lock: %w", err)
	}
	b.Type = BlockType(typ)
	b.Permission = Permission(perm)

	newValue, err := fn(b.Value)
	if err != nil {
		return nil, err
	}
	if b.CharLimit > 0 && len(newValue) > b.CharLimit {
		return nil, ErrCharLimit
	}
	b.Value = newValue
	b.Version++
	b.UpdatedAt = time.Now().UTC()
	if _, err := q.Exec(ctx, `
		UPDATE memory_blocks SET value = $1, version = $2, updated_at = $3 WHERE id = $4`,
		b.Value, b.Version, b.UpdatedAt, b.ID); err != nil {
		return nil, fmt.Errorf("memory: alter write: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) DeleteBlock(ctx context.Context, blockID string) error {
	if _, err := s.q(ctx).Exec(ctx, `DELETE FROM memory_blocks WHERE id = $1`, blockID); err != nil {
		return fmt.Errorf("memory: delete block: %w", err)
	}
	return nil
}

func (s *PostgresStore) ShareBlock(ctx context.Context, e Edge) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO memory_edges (block_id, agent_id, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (block_id, agent_id) DO UPDATE SET permission = EXCLUDED.permission`,
		e.BlockID, e.AgentID, int(e.Permission))
	if err != nil {
		return fmt.Errorf("memory: share block: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnshareBlock(ctx context.Context, blockID, agentID string) error {
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM memory_edges WHERE block_id = $1 AND agent_id = $2`, blockID, agentID)
	if err != nil {
		return fmt.Errorf("memory: unshare block: %w", err)
	}
	return nil
}

func (s *PostgresStore) BlocksForAgent(ctx context.Context, agentID string) ([]*Block, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT b.id, b.owner_id, b.label, b.description, b.type, b.value, b.permission, b.char_limit, b.pinned, b.version, b.created_at, b.updated_at
		FROM memory_blocks b
		LEFT JOIN memory_edges e ON e.block_id = b.id AND e.agent_id = $1
		WHERE b.owner_id = $1 OR e.agent_id IS NOT NULL
		ORDER BY b.updated_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("memory: blocks for agent: %w", err)
	}
	defer rows.Close()

	var out []*Block
	for rows.Next() {
		b := &Block{}
		var typ string
		var perm int
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Label, &b.Description, &typ, &b.Value, &perm, &b.CharLimit, &b.Pinned, &b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan block: %w", err)
		}
		b.Type = BlockType(typ)
		b.Permission = Permission(perm)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EdgeFor(ctx context.Context, blockID, agentID string) (*Edge, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT block_id, agent_id, permission FROM memory_edges WHERE block_id = $1 AND agent_id = $2`,
		blockID, agentID)
	e := &Edge{}
	var perm int
	if err := row.Scan(&e.BlockID, &e.AgentID, &perm); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("memory: edge for: %w", err)
	}
	e.Permission = Permission(perm)
	return e, nil
}

// GetByLabel looks up a block scoped to (owner, label, type) so a Core
// block and an Archival block may legitimately share a label — the pool
// that distinguishes them is the type, not a separate namespace.
func (s *PostgresStore) GetByLabel(ctx context.Context, ownerID, label string, typ BlockType) (*Block, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, owner_id, label, description, type, value, permission, char_limit, pinned, version, created_at, updated_at
		FROM memory_blocks WHERE owner_id = $1 AND label = $2 AND type = $3`, ownerID, label, string(typ))
	b := &Block{}
	var t string
	var perm int
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Label, &b.Description, &t, &b.Value, &perm, &b.CharLimit, &b.Pinned, &b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("memory: get by label: %w", err)
	}
	b.Type = BlockType(t)
	b.Permission = Permission(perm)
	return b, nil
}

// UpdateType flips a block's Type, used by Archive/LoadFromArchival to
// move a block between the in-context and archival pools without
// disturbing its id or label.
func (s *PostgresStore) UpdateType(ctx context.Context, blockID string, typ BlockType) (*Block, error) {
	if _, err := s.q(ctx).Exec(ctx, `
		UPDATE memory_blocks SET type = $1, updated_at = $2 WHERE id = $3`,
		string(typ), time.Now().UTC(), blockID); err != nil {
		return nil, fmt.Errorf("memory: update type: %w", err)
	}
	return s.GetBlock(ctx, blockID)
}

// CountArchival reports the number of archival blocks agentID owns or can
// read, used by the context builder to decide between listing labels
// verbatim and a grouped summary (spec.md §4.4).
func (s *PostgresStore) CountArchival(ctx context.Context, agentID string) (int, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT count(*) FROM memory_blocks b
		LEFT JOIN memory_edges e ON e.block_id = b.id AND e.agent_id = $1
		WHERE b.type = 'archival' AND (b.owner_id = $1 OR e.agent_id IS NOT NULL)`, agentID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("memory: count archival: %w", err)
	}
	return n, nil
}

// SearchArchival uses Postgres full-text search (plainto_tsquery/ts_rank)
// over archival blocks the agent owns or can read, the same engine the
// teacher leans on elsewhere rather than standing up a separate search
// service.
func (s *PostgresStore) SearchArchival(ctx context.Context, agentID, query string, limit int) ([]*Block, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.q(ctx).Query(ctx, `
		SELECT b.id, b.owner_id, b.label, b.description, b.type, b.value, b.permission, b.char_limit, b.pinned, b.version, b.created_at, b.updated_at
		FROM memory_blocks b
		LEFT JOIN memory_edges e ON e.block_id = b.id AND e.agent_id = $1
		WHERE b.type = 'archival' AND (b.owner_id = $1 OR e.agent_id IS NOT NULL)
		  AND to_tsvector('english', b.value) @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(to_tsvector('english', b.value), plainto_tsquery('english', $2)) DESC
		LIMIT $3`, agentID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: search archival: %w", err)
	}
	defer rows.Close()

	var out []*Block
	for rows.Next() {
		b := &Block{}
		var typ string
		var perm int
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Label, &b.Description, &typ, &b.Value, &perm, &b.CharLimit, &b.Pinned, &b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan archival: %w", err)
		}
		b.Type = BlockType(typ)
		b.Permission = Permission(perm)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SearchArchivalVector ranks archival blocks by cosine distance to the
// query embedding using the pgvector index on memory_blocks.embedding.
// Blocks with no embedding stored are skipped by the index.
func (s *PostgresStore) SearchArchivalVector(ctx context.Context, agentID string, embedding []float32, limit int) ([]*Block, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.q(ctx).Query(ctx, `
		SELECT b.id, b.owner_id, b.label, b.description, b.type, b.value, b.permission, b.char_limit, b.pinned, b.version, b.created_at, b.updated_at
		FROM memory_blocks b
		LEFT JOIN memory_edges e ON e.block_id = b.id AND e.agent_id = $1
		WHERE b.type = 'archival' AND (b.owner_id = $1 OR e.agent_id IS NOT NULL)
		  AND b.embedding IS NOT NULL
		ORDER BY b.embedding <=> $2
		LIMIT $3`, agentID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("memory: vector search archival: %w", err)
	}
	defer rows.Close()

	var out []*Block
	for rows.Next() {
		b := &Block{}
		var typ string
		var perm int
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Label, &b.Description, &typ, &b.Value, &perm, &b.CharLimit, &b.Pinned, &b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan archival: %w", err)
		}
		b.Type = BlockType(typ)
		b.Permission = Permission(perm)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetEmbedding stores a block's embedding vector, written out-of-band by
// whichever component computed it (archival insert, import, backfill).
func (s *PostgresStore) SetEmbedding(ctx context.Context, blockID string, embedding []float32) error {
	if _, err := s.q(ctx).Exec(ctx, `
		UPDATE memory_blocks SET embedding = $1, updated_at = $2 WHERE id = $3`,
		pgvector.NewVector(embedding), time.Now().UTC(), blockID); err != nil {
		return fmt.Errorf("memory: set embedding: %w", err)
	}
	return nil
}
