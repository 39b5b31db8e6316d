package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Migration represents a database migration
type Migration struct {
	ID    int
	Name  string
	UpSQL string
}

var migrations = []Migration{
	{
		ID:   1,
		Name: "create_blacklist_table",
		UpSQL: `CREATE TABLE IF NOT EXISTS blacklist (
			ip TEXT NOT NULL PRIMARY KEY,
			pattern TEXT NOT NULL DEFAULT '',
			incidents INTEGER NOT NULL DEFAULT 0,
			matchcount INTEGER NOT NULL DEFAULT 0,
			first INTEGER NOT NULL,
			last INTEGER NOT NULL,
			ports TEXT NOT NULL DEFAULT 'all',
			useall INTEGER NOT NULL DEFAULT 0,
			multiple INTEGER NOT NULL DEFAULT 0,
			isdnsbl INTEGER NOT NULL DEFAULT 0
		);`,
	},
	{
		ID:    2,
		Name:  "create_blacklist_last_index",
		UpSQL: `CREATE INDEX IF NOT EXISTS blacklist_last_ix ON blacklist(last);`,
	},
	{
		ID:   3,
		Name: "create_filepos_table",
		UpSQL: `CREATE TABLE IF NOT EXISTS filepos (
			file TEXT NOT NULL PRIMARY KEY,
			linesig TEXT NOT NULL,
			posn INTEGER NOT NULL,
			ts INTEGER NOT NULL
		);`,
	},
}

// migrate applies all pending migrations
func (d *DB) migrate(ctx context.Context) error {
	if !d.tableExists(ctx, "migrations") {
		_, err := d.Execute(ctx, `CREATE TABLE migrations (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`)
		if err != nil {
			return fmt.Errorf("failed to create migrations table: %w", err)
		}
	}

	applied, err := d.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Name] {
			continue
		}

		d.logger.Info("Applying migration", zap.String("name", migration.Name))

		if _, err := d.Execute(ctx, migration.UpSQL); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Name, err)
		}

		_, err := d.Execute(ctx,
			`INSERT INTO migrations (id, name) VALUES (?, ?)`,
			migration.ID, migration.Name,
		)
		if err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Name, err)
		}
	}

	return nil
}

func (d *DB) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := d.Query(ctx, `SELECT name FROM migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan migration name: %w", err)
		}
		applied[name] = true
	}

	return applied, rows.Err()
}
