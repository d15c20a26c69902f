// Package storage holds the shared pgx plumbing used by the repositories:
// context-scoped transactions and postgres error classification.
package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the repositories need. pgxmock satisfies
// it too, which keeps repository tests off a live database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type txKey struct{}

type settleKey struct{}

// settleHooks collects callbacks to run once the transaction commits or
// rolls back, in reverse registration order.
type settleHooks struct {
	fns []func()
}

func (h *settleHooks) run() {
	for i := len(h.fns) - 1; i >= 0; i-- {
		h.fns[i]()
	}
}

// WithTx runs fn inside a transaction carried on the context. Nested calls
// join the outer transaction instead of opening a second one.
func WithTx(ctx context.Context, db DB, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}

	hooks := &settleHooks{}
	defer hooks.run()

	txCtx := context.WithValue(context.WithValue(ctx, txKey{}, tx), settleKey{}, hooks)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// AfterSettle registers fn to run once the transaction carried on ctx
// commits or rolls back. Reports false, without registering, when ctx
// carries no transaction; the caller must run fn itself. Used to hold
// advisory locks past commit, so rows written under a lock are visible to
// other sessions before the lock is released.
func AfterSettle(ctx context.Context, fn func()) bool {
	hooks, _ := ctx.Value(settleKey{}).(*settleHooks)
	if hooks == nil {
		return false
	}
	hooks.fns = append(hooks.fns, fn)
	return true
}

// TxFromContext returns the transaction carried on ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// Querier returns the context transaction when present, the pool otherwise.
func Querier(ctx context.Context, db DB) DB {
	if tx := TxFromContext(ctx); tx != nil {
		return txAdapter{tx}
	}
	return db
}

type txAdapter struct {
	pgx.Tx
}

func (a txAdapter) BeginTx(ctx context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return a.Tx.Begin(ctx)
}

// IsUniqueViolation reports whether err is a postgres unique constraint error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
