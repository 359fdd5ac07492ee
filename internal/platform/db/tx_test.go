package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (f *fakeTx) Commit(context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	tx       *fakeTx
	begins   int
	beginErr error
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	b.begins++
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	return b.tx, nil
}

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestContextWithTx_NilLeavesContext(t *testing.T) {
	ctx := context.Background()
	if got := ContextWithTx(ctx, nil); got != ctx {
		t.Error("expected same context for nil tx")
	}
}

func TestRunInTx_Commits(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	tr := NewTransactor(b)

	var seen pgx.Tx
	err := tr.RunInTx(context.Background(), func(ctx context.Context) error {
		seen = TxFromContext(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != b.tx {
		t.Error("expected callback context to carry the transaction")
	}
	if !b.tx.committed {
		t.Error("expected commit")
	}
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	tr := NewTransactor(b)
	want := errors.New("patient update failed")

	err := tr.RunInTx(context.Background(), func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if b.tx.committed {
		t.Error("must not commit after callback error")
	}
	if !b.tx.rolledBack {
		t.Error("expected rollback")
	}
}

func TestRunInTx_JoinsExistingTx(t *testing.T) {
	outer := &fakeTx{}
	b := &fakeBeginner{tx: &fakeTx{}}
	tr := NewTransactor(b)

	ctx := ContextWithTx(context.Background(), outer)
	err := tr.RunInTx(ctx, func(ctx context.Context) error {
		if TxFromContext(ctx) != outer {
			t.Error("expected outer transaction to be reused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.begins != 0 {
		t.Errorf("expected no new transaction, got %d begins", b.begins)
	}
}

func TestRunInTx_NoPool(t *testing.T) {
	tr := NewTransactor(nil)
	err := tr.RunInTx(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected ErrNoConnection, got %v", err)
	}
}

func TestRunInTx_BeginError(t *testing.T) {
	b := &fakeBeginner{beginErr: errors.New("pool exhausted")}
	tr := NewTransactor(b)
	called := false
	err := tr.RunInTx(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("callback must not run without a transaction")
	}
}

func TestRunInTx_CommitError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{commitErr: errors.New("serialization failure")}}
	tr := NewTransactor(b)
	err := tr.RunInTx(context.Background(), func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected commit error to surface")
	}
}
