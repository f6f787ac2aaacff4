package db

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const metaOwner = "owner"

// ErrOwnerAlreadySet is returned by SetOwner when an owner is already stored.
var ErrOwnerAlreadySet = errors.New("contract owner already set")

// Owner returns the stored owner identity, or "" before initialization.
func (t *Tx) Owner() (string, error) {
	var owner string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM contract_meta WHERE key = ?`, metaOwner,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get owner: %w", err)
	}
	return owner, nil
}

// SetOwner records the owner. It fails if an owner is already stored.
func (t *Tx) SetOwner(owner string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO contract_meta (key, value) VALUES (?, ?)`, metaOwner, owner,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return ErrOwnerAlreadySet
		}
		return fmt.Errorf("set owner: %w", err)
	}
	return nil
}
