package database

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/shizukutanaka/nftfence/internal/errors"
)

// PositionRepository stores log file scan positions in the filepos table.
type PositionRepository struct {
	db *DB
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Get returns the stored position for file or ErrNotFound.
func (r *PositionRepository) Get(ctx context.Context, file string) (*Position, error) {
	pos := &Position{File: file}
	err := r.db.QueryRow(ctx,
		`SELECT linesig, posn, ts FROM filepos WHERE file = ?`, file,
	).Scan(&pos.Digest, &pos.Offset, &pos.Timestamp)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, apperrors.StorageError("failed to get file position", err).WithContext("file", file)
	}
	if pos.Offset < 0 {
		return nil, apperrors.StorageError("invalid stored file position", nil).WithContext("file", file)
	}

	return pos, nil
}

// Set inserts or replaces the position for pos.File.
func (r *PositionRepository) Set(ctx context.Context, pos *Position) error {
	_, err := r.db.Execute(ctx,
		`INSERT INTO filepos (file, linesig, posn, ts) VALUES (?, ?, ?, ?)
		 ON CONFLICT(file) DO UPDATE SET linesig = excluded.linesig, posn = excluded.posn, ts = excluded.ts`,
		pos.File, pos.Digest, pos.Offset, pos.Timestamp,
	)
	if err != nil {
		return apperrors.StorageError("failed to set file position", err).WithContext("file", pos.File)
	}
	return nil
}
