// Package databasesql provides a database/sql driver implementation for Pattern.
//
// This driver enables Pattern to work with any database/sql compatible driver
// (lib/pq, pgx/stdlib, etc.). It supports nested transactions via savepoints.
// It cannot support LISTEN/NOTIFY — the pool gives no dedicated connection to
// listen on — so Listener returns nil and callers fall back to polling.
//
// Usage:
//
//	import (
//	    "database/sql"
//	    _ "github.com/lib/pq"
//	    "github.com/patternrun/pattern/driver/databasesql"
//	)
//
//	db, _ := sql.Open("postgres", databaseURL)
//	drv := databasesql.New(db)
//	client, _ := pattern.NewClient(drv, &pattern.ClientConfig{...})
package databasesql

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/patternrun/pattern/driver"
)

// Driver wires a *sql.DB into the generic driver.Driver[*sql.Tx] contract.
type Driver struct {
	db    *sql.DB
	store *Store
}

// New constructs a Driver backed by db. The *sql.DB is not closed by Close;
// callers that opened it own its lifecycle.
func New(db *sql.DB) *Driver {
	return &Driver{db: db, store: &Store{db: db}}
}

// Store returns the database/sql-backed Store.
func (d *Driver) Store() driver.Store[*sql.Tx] {
	return d.store
}

// Listener returns nil: database/sql has no dedicated connection to LISTEN
// on, so callers must use their polling fallback.
func (d *Driver) Listener() driver.Listener {
	return nil
}

// GetExecutor returns the pool-level executor used when no transaction has
// been placed on the context.
func (d *Driver) GetExecutor() driver.Executor {
	return &dbExecutor{db: d.db}
}

// Notifier returns a Notifier that sends NOTIFY through d's *sql.DB.
func (d *Driver) Notifier() *Notifier {
	return &Notifier{db: d.db}
}

// BeginTx starts a new transaction on the database.
func (d *Driver) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

// CommitTx commits tx.
func (d *Driver) CommitTx(ctx context.Context, tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back tx.
func (d *Driver) RollbackTx(ctx context.Context, tx *sql.Tx) error {
	return tx.Rollback()
}

// Close closes the underlying *sql.DB.
func (d *Driver) Close() error {
	return d.db.Close()
}

// dbExecutor adapts *sql.DB to driver.Executor.
type dbExecutor struct {
	db *sql.DB
}

func (e *dbExecutor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (e *dbExecutor) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows}, nil
}

func (e *dbExecutor) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	return e.db.QueryRowContext(ctx, query, args...)
}

func (e *dbExecutor) Begin(ctx context.Context) (driver.ExecutorTx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &txExecutor{tx: tx}, nil
}

// txExecutor adapts *sql.Tx to driver.ExecutorTx. Nested Begin calls create
// savepoints instead of a second real transaction, since database/sql has no
// concept of nested transactions of its own.
type txExecutor struct {
	tx     *sql.Tx
	nested atomic.Int64
}

func (e *txExecutor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := e.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (e *txExecutor) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	rows, err := e.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows}, nil
}

func (e *txExecutor) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	return e.tx.QueryRowContext(ctx, query, args...)
}

func (e *txExecutor) Begin(ctx context.Context) (driver.ExecutorTx, error) {
	name := fmt.Sprintf("sp_%d", e.nested.Add(1))
	if _, err := e.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, err
	}
	return &savepointExecutor{txExecutor: e, name: name}, nil
}

func (e *txExecutor) Commit(ctx context.Context) error {
	return e.tx.Commit()
}

func (e *txExecutor) Rollback(ctx context.Context) error {
	return e.tx.Rollback()
}

// savepointExecutor is a nested transaction implemented as a savepoint on
// the same *sql.Tx.
type savepointExecutor struct {
	*txExecutor
	name string
}

func (e *savepointExecutor) Commit(ctx context.Context) error {
	_, err := e.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+e.name)
	return err
}

func (e *savepointExecutor) Rollback(ctx context.Context) error {
	_, err := e.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+e.name)
	return err
}

// sqlRows adapts *sql.Rows to driver.Rows, whose Close has no return value
// (matching pgx.Rows) unlike *sql.Rows.Close, which does.
type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Close()                 { _ = r.rows.Close() }
func (r *sqlRows) Err() error             { return r.rows.Err() }
func (r *sqlRows) Next() bool             { return r.rows.Next() }
func (r *sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }

var (
	_ driver.Driver[*sql.Tx] = (*Driver)(nil)
	_ driver.Executor        = (*dbExecutor)(nil)
	_ driver.ExecutorTx      = (*txExecutor)(nil)
	_ driver.ExecutorTx      = (*savepointExecutor)(nil)
	_ driver.Rows            = (*sqlRows)(nil)
)
