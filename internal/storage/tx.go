package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maestro-lcm/lcm/internal/lcmerrors"
)

// TxMode selects the BEGIN mode SQLite uses to acquire the write lock, per
// the concurrency model in spec §5: writers that must not interleave (every
// convstore write, compaction commits, integrity repair) run immediate;
// deferred is a plain database/sql transaction. Retrieval reads
// (describe/grep/expand) open no transaction.
type TxMode int

const (
	TxDeferred TxMode = iota
	TxImmediate
)

func (m TxMode) String() string {
	if m == TxImmediate {
		return "IMMEDIATE"
	}
	return "DEFERRED"
}

const (
	maxBusyRetries  = 5
	busyRetryBase   = 20 * time.Millisecond
	busyRetryJitter = 15 * time.Millisecond
)

// Querier is the subset of *sql.Tx and *sql.Conn that every storage-layer
// query is written against, so the same query helpers work whether WithTx
// opened a stdlib transaction (TxDeferred) or a raw BEGIN IMMEDIATE on a
// dedicated connection (TxImmediate - database/sql has no portable way to
// request SQLite's IMMEDIATE lock through BeginTx).
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction opened with the given mode, retrying
// on SQLITE_BUSY with linear backoff up to maxBusyRetries times before
// surfacing lcmerrors.ErrBusy. fn's error causes a rollback; a nil return
// commits.
func (b *Backend) WithTx(ctx context.Context, mode TxMode, fn func(Querier) error) error {
	if b.closed {
		return lcmerrors.ErrClosed
	}

	var lastErr error
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return lcmerrors.ErrCancelled
			case <-time.After(busyRetryBase*time.Duration(attempt) + busyRetryJitter):
			}
		}

		err := b.runTx(ctx, mode, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		b.log.Warn("sqlite busy, retrying (attempt %d/%d)", attempt+1, maxBusyRetries)
	}
	return fmt.Errorf("%w: %v", lcmerrors.ErrBusy, lastErr)
}

func (b *Backend) runTx(ctx context.Context, mode TxMode, fn func(Querier) error) error {
	if mode == TxImmediate {
		return b.runImmediate(ctx, fn)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *Backend) runImmediate(ctx context.Context, fn func(Querier) error) error {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}

	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	return nil
}

// Savepoint runs fn nested inside an existing transaction, rolling back only
// the savepoint (not the whole outer transaction) when fn fails, so work
// done earlier in the same outer transaction stays intact.
func Savepoint(ctx context.Context, q Querier, name string, fn func() error) error {
	name = sanitizeSavepointName(name)
	if _, err := q.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("storage: create savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("storage: rollback savepoint %s: %w (original error: %v)", name, rbErr, err)
		}
		return err
	}
	_, err := q.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

func sanitizeSavepointName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "sp"
	}
	return b.String()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") || errors.Is(err, lcmerrors.ErrBusy)
}
