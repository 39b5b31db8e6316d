package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	apperrors "github.com/shizukutanaka/nftfence/internal/errors"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup finds no row.
var ErrNotFound = errors.New("not found")

// DB represents the database connection
type DB struct {
	logger             *zap.Logger
	db                 *sql.DB
	path               string
	slowQueryThreshold time.Duration
}

// Config represents database configuration
type Config struct {
	Path               string        `yaml:"path"`
	BusyTimeout        time.Duration `yaml:"busy_timeout"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// Open opens (creating if necessary) the SQLite database and applies
// pending migrations. Failures are StorageErrors.
func Open(logger *zap.Logger, config Config) (*DB, error) {
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if config.SlowQueryThreshold <= 0 {
		config.SlowQueryThreshold = 100 * time.Millisecond
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, apperrors.StorageError("failed to create database directory", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL",
		config.Path, config.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperrors.StorageError("failed to open database", err)
	}

	// One writer; every invocation already runs under the scheduler lock.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.StorageError("failed to ping database", err)
	}

	d := &DB{
		logger:             logger.Named("database"),
		db:                 db,
		path:               config.Path,
		slowQueryThreshold: config.SlowQueryThreshold,
	}

	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, apperrors.StorageError("failed to migrate database", err)
	}

	d.logger.Debug("Database opened", zap.String("path", config.Path))

	return d, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Execute executes a query without returning results
func (d *DB) Execute(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := d.db.ExecContext(ctx, query, args...)
	d.logSlow(query, time.Since(start))
	return result, err
}

// Query executes a query and returns rows
func (d *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	d.logSlow(query, time.Since(start))
	return rows, err
}

// QueryRow executes a query and returns a single row
func (d *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

func (d *DB) logSlow(query string, duration time.Duration) {
	if duration > d.slowQueryThreshold {
		d.logger.Warn("Slow query",
			zap.String("query", query),
			zap.Duration("duration", duration),
		)
	}
}

// Transaction runs fn inside a transaction, committing on success.
func (d *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.Error("Rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Vacuum compacts the database file.
func (d *DB) Vacuum(ctx context.Context) error {
	if _, err := d.Execute(ctx, "VACUUM"); err != nil {
		return apperrors.StorageError("failed to vacuum database", err)
	}
	return nil
}

func (d *DB) tableExists(ctx context.Context, tableName string) bool {
	var name string
	err := d.QueryRow(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", tableName).Scan(&name)
	return err == nil
}
