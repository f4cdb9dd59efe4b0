package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	logx "taskd/pkg/logx"
)

// Open opens (creating if needed) the SQLite database and applies the schema.
func Open(cfg Config, log logx.Logger) (*sql.DB, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}

// WithTx runs fn inside a transaction. fn's error rolls back; otherwise the
// transaction commits. Callers must use tx exclusively inside fn: the pool
// holds a single connection, so touching db from fn would deadlock.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	if db == nil {
		return ErrDisabled
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
