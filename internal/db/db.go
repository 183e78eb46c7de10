// Package db owns the SQLite handle shared by the session and message stores.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pressly/goose/v3"

	"github.com/comigor/chatbroker/internal/logger"
	"github.com/comigor/chatbroker/internal/shared"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps a SQLite database connection with query helpers.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the SQLite database at dbPath and applies pending migrations.
// Every pooled connection enables foreign keys so message deletes cascade.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", dbPath)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.L.Info("sqlite database ready", "path", dbPath)
	return &DB{conn: conn, path: dbPath}, nil
}

// Conn returns the underlying database connection.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Ping checks the connection is still usable.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// WithTx executes fn within a transaction, rolling back if fn returns an error.
// Failures to begin, commit or roll back carry shared.ErrStorageFailure; errors
// from fn are returned as they are.
func (d *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(shared.ErrStorageFailure, fmt.Errorf("beginning transaction: %w", err))
	}

	if err := fn(tx); err != nil {
		// A cancelled context has already rolled the transaction back.
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, shared.ErrStorageFailure, fmt.Errorf("rolling back transaction: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Join(shared.ErrStorageFailure, fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// ExecContext executes a query that doesn't return rows.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.conn.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.conn.QueryRowContext(ctx, query, args...)
}
