// Package pgxv5 provides a pgx/v5 driver implementation for Pattern.
//
// This is the primary/recommended driver for Pattern, and the only one with
// LISTEN/NOTIFY support through a dedicated listener connection.
//
// Usage:
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	drv := pgxv5.New(pool)
//	client, _ := pattern.NewClient(drv, &pattern.ClientConfig{...})
package pgxv5

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/patternrun/pattern/driver"
)

// Driver wires a pgxpool.Pool into the generic driver.Driver[pgx.Tx] contract.
type Driver struct {
	pool  *pgxpool.Pool
	store *Store

	listenerOnce sync.Once
	listener     *Listener
}

// New constructs a Driver backed by pool. The Driver takes ownership of
// the pool: Close closes it.
func New(pool *pgxpool.Pool) *Driver {
	return &Driver{pool: pool, store: &Store{pool: pool}}
}

// Store returns the pgx/v5-backed Store.
func (d *Driver) Store() driver.Store[pgx.Tx] {
	return d.store
}

// Listener lazily acquires a dedicated pool connection on first call and
// returns the Listener bound to it; later calls return the same instance.
// Returns nil if the dedicated connection cannot be acquired, per
// driver.Driver's contract that a nil Listener means no LISTEN/NOTIFY
// support. Prefer AcquireListener when the caller can handle the error
// itself, for example when wiring notifier.NewNotifier's getListener callback.
func (d *Driver) Listener() driver.Listener {
	d.listenerOnce.Do(func() {
		l, err := d.AcquireListener(context.Background())
		if err == nil {
			d.listener = l
		}
	})
	if d.listener == nil {
		return nil
	}
	return d.listener
}

// AcquireListener acquires a fresh dedicated connection from the pool and
// returns a Listener bound to it. Unlike Listener, every call acquires a
// new connection; this is the constructor notifier.NewNotifier's reconnect loop
// should be given as its getListener callback.
func (d *Driver) AcquireListener(ctx context.Context) (*Listener, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn}, nil
}

// Notifier returns a Notifier that sends NOTIFY through the pool.
func (d *Driver) Notifier() *Notifier {
	return &Notifier{pool: d.pool}
}

// BeginTx starts a new transaction on the pool.
func (d *Driver) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return d.pool.Begin(ctx)
}

// CommitTx commits tx.
func (d *Driver) CommitTx(ctx context.Context, tx pgx.Tx) error {
	return tx.Commit(ctx)
}

// RollbackTx rolls back tx.
func (d *Driver) RollbackTx(ctx context.Context, tx pgx.Tx) error {
	return tx.Rollback(ctx)
}

// Close closes the underlying pool.
func (d *Driver) Close() error {
	d.pool.Close()
	return nil
}

var _ driver.Driver[pgx.Tx] = (*Driver)(nil)
