package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const maxBusyRetries = 3

// isBusy reports whether err is an SQLite lock contention error.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// runTx executes fn in a transaction, retrying on SQLite lock contention
// with 100/200/300 ms pauses.
func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.retryBusy(ctx, func() error { return s.txOnce(ctx, nil, fn) })
}

// runReadTx executes fn in a snapshot transaction. SQLite transactions are
// already serializable; PostgreSQL needs repeatable read to keep one
// snapshot across statements.
func (s *Store) runReadTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var opts *sql.TxOptions
	if s.dialect.Numbered {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return s.retryBusy(ctx, func() error { return s.txOnce(ctx, opts, fn) })
}

func (s *Store) retryBusy(ctx context.Context, attempt func() error) error {
	var err error
	for i := range maxBusyRetries {
		if err = attempt(); err == nil || !isBusy(err) {
			return err
		}
		if i == maxBusyRetries-1 {
			break
		}
		t := time.NewTimer(time.Duration(100*(i+1)) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("waiting for database lock: %w", ctx.Err())
		case <-t.C:
		}
	}
	return err
}

func (s *Store) txOnce(ctx context.Context, opts *sql.TxOptions, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
