package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type contextKey string

const DBTxKey contextKey = "db_tx"

// ErrNoConnection is returned when a transaction is requested without a pool.
var ErrNoConnection = errors.New("no database connection")

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxFromContext retrieves the transaction stored by RunInTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// ContextWithTx stores tx in ctx so repositories pick it up.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, DBTxKey, tx)
}

// Transactor runs a function inside one database transaction. Repositories
// resolve their connection from the context, so every write issued through
// the callback's ctx commits or rolls back together.
type Transactor struct {
	pool Beginner
}

func NewTransactor(pool Beginner) *Transactor {
	return &Transactor{pool: pool}
}

// RunInTx begins a transaction, runs fn and commits if fn returns nil.
// A context that already carries a transaction is joined instead of nested.
func (t *Transactor) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	if t == nil || t.pool == nil {
		return ErrNoConnection
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful Commit is a no-op.
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ContextWithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
