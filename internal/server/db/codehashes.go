package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ApproveCodehash adds codehash to the allow-list. Returns false when it was
// already present; the original approval time is kept.
func (t *Tx) ApproveCodehash(codehash string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO approved_codehashes (codehash, approved_at) VALUES (?, ?)
		 ON CONFLICT(codehash) DO NOTHING`,
		codehash, at.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("approve codehash: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RevokeCodehash removes codehash. Returns true if a row was deleted.
func (t *Tx) RevokeCodehash(codehash string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM approved_codehashes WHERE codehash = ?`, codehash)
	if err != nil {
		return false, fmt.Errorf("revoke codehash: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (t *Tx) IsApproved(codehash string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT 1 FROM approved_codehashes WHERE codehash = ?`, codehash,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check codehash: %w", err)
	}
	return true, nil
}

// ListCodehashes returns the allow-list ordered by codehash.
func (t *Tx) ListCodehashes() ([]ApprovedCodehash, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT codehash, approved_at FROM approved_codehashes ORDER BY codehash`,
	)
	if err != nil {
		return nil, fmt.Errorf("list codehashes: %w", err)
	}
	defer rows.Close()

	var out []ApprovedCodehash
	for rows.Next() {
		var c ApprovedCodehash
		if err := rows.Scan(&c.Codehash, &c.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan codehash: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
