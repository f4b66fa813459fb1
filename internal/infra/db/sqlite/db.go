// Package sqlite is a single-file referral store for single-node deployments.
// One connection serialises writers, so the conditional increment in Record
// cannot interleave.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/ports/repository"
)

var _ repository.TransactionManager = (*DB)(nil)

// DB wraps the database connection and provides the transaction manager.
type DB struct {
	conn *sql.DB
}

// Open creates the database file if needed and initializes the schema.
func Open(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_txlock=immediate"
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS referral_codes (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			owner_user_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			expires_at TEXT NULL,
			max_uses INTEGER NULL CHECK (max_uses IS NULL OR max_uses > 0),
			use_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			CHECK (max_uses IS NULL OR use_count <= max_uses)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_referral_codes_owner_active ON referral_codes(owner_user_id) WHERE status = 'ACTIVE'`,
		`CREATE INDEX IF NOT EXISTS idx_referral_codes_status_updated ON referral_codes(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS referral_redemptions (
			id TEXT PRIMARY KEY,
			referral_code TEXT NOT NULL,
			owner_user_id TEXT NOT NULL,
			new_user_id TEXT NOT NULL UNIQUE,
			redeemed_at TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			points_owner INTEGER NOT NULL DEFAULT 0,
			points_new_user INTEGER NOT NULL DEFAULT 0,
			settled_at TEXT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_owner ON referral_redemptions(owner_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_code ON referral_redemptions(referral_code)`,
	}
	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// WithTx runs fn in a transaction and passes the *sql.Tx as tx.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return wrapErr("commit", tx.Commit())
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) executor(tx repository.Tx) (querier, error) {
	switch v := tx.(type) {
	case *sql.Tx:
		return v, nil
	case nil:
		return db.conn, nil
	default:
		return nil, domain.ErrInvalidExecContext
	}
}

// inTx reuses the caller's transaction or opens one.
func (db *DB) inTx(ctx context.Context, tx repository.Tx, fn func(q querier) error) error {
	if t, ok := tx.(*sql.Tx); ok {
		return fn(t)
	}
	if tx != nil {
		return domain.ErrInvalidExecContext
	}
	return db.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return fn(tx.(*sql.Tx))
	})
}

// Fixed-width UTC timestamps so TEXT comparison matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) { return time.Parse(tsLayout, s) }

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// uniqueViolation reports a UNIQUE failure and the column list sqlite names.
func uniqueViolation(err error) (string, bool) {
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return se.Error(), true
	}
	return "", false
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || domain.IsBusinessFailure(err) || errors.Is(err, domain.ErrStoreFailure) {
		return err
	}
	return fmt.Errorf("%w: sqlite %s: %v", domain.ErrStoreFailure, op, err)
}
