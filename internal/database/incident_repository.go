package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/shizukutanaka/nftfence/internal/errors"
)

const incidentColumns = `ip, pattern, incidents, matchcount, first, last, ports, useall, multiple, isdnsbl`

// IncidentRepository stores IncidentRecords in the blacklist table.
type IncidentRepository struct {
	db *DB
}

// NewIncidentRepository creates a new incident repository
func NewIncidentRepository(db *DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(s rowScanner) (*IncidentRecord, error) {
	var row incidentRow
	err := s.Scan(
		&row.ip,
		&row.pattern,
		&row.incidents,
		&row.matchcount,
		&row.first,
		&row.last,
		&row.ports,
		&row.useall,
		&row.multiple,
		&row.isdnsbl,
	)
	if err != nil {
		return nil, err
	}
	record, err := row.toRecord()
	if err != nil {
		return nil, apperrors.StorageError("invalid stored incident", err)
	}
	return record, nil
}

// Get returns the record for address or ErrNotFound.
func (r *IncidentRepository) Get(ctx context.Context, address string) (*IncidentRecord, error) {
	query := `SELECT ` + incidentColumns + ` FROM blacklist WHERE ip = ?`

	record, err := scanIncident(r.db.QueryRow(ctx, query, address))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if apperrors.IsType(err, apperrors.ErrorTypeStorage) {
			return nil, err
		}
		return nil, apperrors.StorageError("failed to get incident", err)
	}

	return record, nil
}

// Insert stores a new record.
func (r *IncidentRepository) Insert(ctx context.Context, record *IncidentRecord) error {
	row := fromRecord(record)
	query := `INSERT INTO blacklist (` + incidentColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.Execute(ctx, query,
		row.ip, row.pattern, row.incidents, row.matchcount,
		row.first, row.last, row.ports, row.useall, row.multiple, row.isdnsbl,
	)
	if err != nil {
		return apperrors.StorageError("failed to insert incident", err).WithContext("address", record.Address)
	}

	return nil
}

// Update rewrites every mutable column of an existing record.
func (r *IncidentRepository) Update(ctx context.Context, record *IncidentRecord) error {
	row := fromRecord(record)
	query := `UPDATE blacklist SET pattern = ?, incidents = ?, matchcount = ?,
			  first = ?, last = ?, ports = ?, useall = ?, multiple = ?, isdnsbl = ?
			  WHERE ip = ?`

	result, err := r.db.Execute(ctx, query,
		row.pattern, row.incidents, row.matchcount, row.first, row.last,
		row.ports, row.useall, row.multiple, row.isdnsbl, row.ip,
	)
	if err != nil {
		return apperrors.StorageError("failed to update incident", err).WithContext("address", record.Address)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return apperrors.StorageError("failed to update incident", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// SetUseAll marks the record as blocking every port, stores its ports as
// all and updates last seen.
func (r *IncidentRepository) SetUseAll(ctx context.Context, address string, last int64) error {
	_, err := r.db.Execute(ctx, `UPDATE blacklist SET useall = 1, ports = 'all', last = ? WHERE ip = ?`, last, address)
	if err != nil {
		return apperrors.StorageError("failed to set useall", err).WithContext("address", address)
	}
	return nil
}

// Delete removes one record. Deleting a missing address is not an error.
func (r *IncidentRepository) Delete(ctx context.Context, address string) error {
	if _, err := r.db.Execute(ctx, `DELETE FROM blacklist WHERE ip = ?`, address); err != nil {
		return apperrors.StorageError("failed to delete incident", err).WithContext("address", address)
	}
	return nil
}

// DeleteMany removes the given addresses in one transaction and returns
// the number of rows deleted.
func (r *IncidentRepository) DeleteMany(ctx context.Context, addresses []string) (int, error) {
	if len(addresses) == 0 {
		return 0, nil
	}

	deleted := 0
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM blacklist WHERE ip = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, address := range addresses {
			result, err := stmt.ExecContext(ctx, address)
			if err != nil {
				return fmt.Errorf("failed to delete %s: %w", address, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, apperrors.StorageError("failed to delete incidents", err)
	}

	return deleted, nil
}

// ListActive returns records seen at or after since with at least
// minMatches matches.
func (r *IncidentRepository) ListActive(ctx context.Context, since int64, minMatches int) ([]*IncidentRecord, error) {
	query := `SELECT ` + incidentColumns + ` FROM blacklist
			  WHERE last >= ? AND matchcount >= ? ORDER BY ip`
	return r.list(ctx, query, since, minMatches)
}

// ListDeletionCandidates returns the addresses last seen before the given
// time. Non-zero incidentsLE and matchesLE further restrict the result to
// records at or below those counts.
func (r *IncidentRepository) ListDeletionCandidates(ctx context.Context, before int64, incidentsLE, matchesLE int) ([]string, error) {
	where := []string{"last < ?"}
	args := []interface{}{before}
	if incidentsLE != 0 {
		where = append(where, "incidents <= ?")
		args = append(args, incidentsLE)
	}
	if matchesLE != 0 {
		where = append(where, "matchcount <= ?")
		args = append(args, matchesLE)
	}

	query := `SELECT ip FROM blacklist WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ip`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.StorageError("failed to list deletion candidates", err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, apperrors.StorageError("failed to scan address", err)
		}
		addresses = append(addresses, ip)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StorageError("failed to list deletion candidates", err)
	}

	return addresses, nil
}

// All returns every record, most recently seen first.
func (r *IncidentRepository) All(ctx context.Context) ([]*IncidentRecord, error) {
	return r.list(ctx, `SELECT `+incidentColumns+` FROM blacklist ORDER BY last DESC, ip`)
}

// Count returns the number of stored records.
func (r *IncidentRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM blacklist`).Scan(&n); err != nil {
		return 0, apperrors.StorageError("failed to count incidents", err)
	}
	return n, nil
}

func (r *IncidentRepository) list(ctx context.Context, query string, args ...interface{}) ([]*IncidentRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.StorageError("failed to list incidents", err)
	}
	defer rows.Close()

	var records []*IncidentRecord
	for rows.Next() {
		record, err := scanIncident(rows)
		if err != nil {
			if apperrors.IsType(err, apperrors.ErrorTypeStorage) {
				return nil, err
			}
			return nil, apperrors.StorageError("failed to scan incident", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.StorageError("failed to list incidents", err)
	}

	return records, nil
}
