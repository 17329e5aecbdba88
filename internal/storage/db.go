package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

// Common errors returned by repositories.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// DB is the query surface repositories run on. *sql.DB and *sql.Tx both
// satisfy it, so repository methods compose into transactions.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Open connects to the configured relational store and verifies the
// connection. SQLite paths get their parent directory created.
//
// Repositories share one SQL dialect with $N placeholders. Postgres
// binds them by number, but the sqlite driver treats them as named
// parameters indexed by first appearance — so every query must keep
// its placeholders in appearance order.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, faults.Wrap(faults.KindConfiguration, err, "create database directory")
			}
		}
		dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_foreign_keys=on&_busy_timeout=5000",
			cfg.SQLite.Path, cfg.SQLite.JournalMode)
		db, err = sql.Open("sqlite3", dsn)
		if err == nil {
			maxConns := cfg.SQLite.MaxOpenConns
			if maxConns < 1 {
				maxConns = 1
			}
			db.SetMaxOpenConns(maxConns)
		}
	case "postgres":
		db, err = sql.Open("postgres", cfg.Postgres.DSN)
		if err == nil {
			db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
			db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
			db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
		}
	default:
		return nil, faults.Newf(faults.KindConfiguration, "unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "open database")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, faults.Wrap(faults.KindDatabaseError, err, "ping database")
	}

	return db, nil
}

// InTx runs fn inside a transaction, committing on nil error.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "commit transaction")
	}
	return nil
}

// jsonArg renders a JSON column argument as text. Empty maps and arrays are
// stored as their empty literal so scans never see NULL.
func jsonArg(raw []byte, emptyLiteral string) string {
	if len(raw) == 0 {
		return emptyLiteral
	}
	return string(raw)
}

// jsonText scans a JSON column into a RawMessage. Postgres hands the
// value over as []byte, the sqlite driver as string; both are accepted.
type jsonText struct {
	dst *json.RawMessage
}

func (j jsonText) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*j.dst = nil
	case []byte:
		*j.dst = append(json.RawMessage(nil), v...)
	case string:
		*j.dst = json.RawMessage(v)
	default:
		return fmt.Errorf("storage: cannot scan %T into a JSON column", src)
	}
	return nil
}

// placeholder returns the $N positional placeholder for a 1-based
// argument index. Used when a query is assembled with a variable
// number of arguments.
func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// isUniqueViolation reports whether err is a unique or primary key
// constraint failure from either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
