package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetWorker retrieves the worker registered under identity, or nil.
func (t *Tx) GetWorker(identity string) (*Worker, error) {
	w := &Worker{}
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT identity, checksum, codehash, registered_at, updated_at
		 FROM workers WHERE identity = ?`, identity,
	).Scan(&w.Identity, &w.Checksum, &w.Codehash, &w.RegisteredAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// PutWorker stores w, replacing checksum and codehash of any existing record
// for the same identity. registered_at keeps its first value.
func (t *Tx) PutWorker(w *Worker, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO workers (identity, checksum, codehash, registered_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
			checksum = excluded.checksum,
			codehash = excluded.codehash,
			updated_at = excluded.updated_at`,
		w.Identity, w.Checksum, w.Codehash, at.UTC(), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put worker: %w", err)
	}
	return nil
}

// ListWorkers returns all workers ordered by identity.
func (t *Tx) ListWorkers() ([]Worker, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT identity, checksum, codehash, registered_at, updated_at
		 FROM workers ORDER BY identity`,
	)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.Identity, &w.Checksum, &w.Codehash, &w.RegisteredAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}
