package pgsession

import (
	"context"
	"fmt"
)

type txState int

const (
	txOpen txState = iota
	txCommitted
	txRolledBack
)

// Transaction is a scoped BEGIN/COMMIT/ROLLBACK handle (spec.md §4.5). It
// holds a back-reference to its owning Session; unlike the source this was
// distilled from, Go has no destructor to rely on for automatic rollback,
// so callers defer Close (or, out of caution, always defer it right after
// Begin succeeds) the same way the teacher repo's sessions rely on a
// deferred Rollback in StartTransaction (octobe.go's StartTransaction).
type Transaction struct {
	session *Session
	state   txState
}

// Commit issues COMMIT.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.state != txOpen {
		return usageError("commit", fmt.Errorf("transaction is not open"))
	}
	if err := t.session.conn.Commit(ctx); err != nil {
		return connectionError(err)
	}
	t.state = txCommitted
	return nil
}

// Rollback issues ROLLBACK.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.state != txOpen {
		return usageError("rollback", fmt.Errorf("transaction is not open"))
	}
	if err := t.session.conn.Rollback(ctx); err != nil {
		return connectionError(err)
	}
	t.state = txRolledBack
	return nil
}

// Savepoint issues SAVEPOINT name.
func (t *Transaction) Savepoint(ctx context.Context, name string) error {
	if t.state != txOpen {
		return usageError("savepoint", fmt.Errorf("transaction is not open"))
	}
	return connectionErrorOrNil(t.session.conn.Savepoint(ctx, name))
}

// Release issues RELEASE SAVEPOINT name.
func (t *Transaction) Release(ctx context.Context, name string) error {
	if t.state != txOpen {
		return usageError("release", fmt.Errorf("transaction is not open"))
	}
	return connectionErrorOrNil(t.session.conn.ReleaseSavepoint(ctx, name))
}

// RollbackTo issues ROLLBACK TO SAVEPOINT name.
func (t *Transaction) RollbackTo(ctx context.Context, name string) error {
	if t.state != txOpen {
		return usageError("rollback_to", fmt.Errorf("transaction is not open"))
	}
	return connectionErrorOrNil(t.session.conn.RollbackToSavepoint(ctx, name))
}

// Close implements the automatic-rollback contract: any path out of the
// enclosing scope that did not call Commit rolls back. Safe to call after
// an explicit Commit or Rollback (it then does nothing).
func (t *Transaction) Close(ctx context.Context) error {
	if t.state != txOpen {
		return nil
	}
	return t.Rollback(ctx)
}

func connectionErrorOrNil(err error) error {
	if err == nil {
		return nil
	}
	return connectionError(err)
}
