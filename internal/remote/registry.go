// Package remote implements the remembered-remote registry and background
// reconciliation worker (C7): the set of other databases a local handle
// knows how to reach by friendly name, and the long-lived loop that syncs
// against them whenever a change stamp fires or a product changes.
package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tonimelisma/settingsengine/internal/enginerr"
)

// Remembered is one row of the remembered-remote list (spec §4.7):
// `(FriendlyName, SyncByDefault, Path)` stored under the local database's
// self-product.
type Remembered struct {
	ID            int64
	FriendlyName  string
	SyncByDefault bool
	Path          string
}

// Registry wraps the database_index table that backs the remembered-remote
// list. It is local-only: a remote handle never carries one.
type Registry struct {
	db *sql.DB
}

// NewRegistry constructs a Registry bound to db.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Remember records (or updates) a remote under friendlyName. Grounded on
// cfgrmote.cpp's CfgRememberDatabase: remembering an already-known
// friendly name toggles SyncByDefault and overwrites the path in place
// rather than requiring a Forget first.
func (r *Registry) Remember(ctx context.Context, friendlyName, path string, syncByDefault bool) (Remembered, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO database_index (friendly_name, sync_by_default, path)
		VALUES (?, ?, ?)
		ON CONFLICT(friendly_name) DO UPDATE SET sync_by_default = excluded.sync_by_default, path = excluded.path
	`, friendlyName, boolToInt(syncByDefault), path)
	if err != nil {
		return Remembered{}, fmt.Errorf("remote: remembering %q: %w", friendlyName, err)
	}

	return r.FindByFriendlyName(ctx, friendlyName)
}

// Forget removes friendlyName from the remembered-remote list. Callers are
// responsible for deregistering it from a running worker's watch set.
func (r *Registry) Forget(ctx context.Context, friendlyName string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM database_index WHERE friendly_name = ?`, friendlyName)
	if err != nil {
		return fmt.Errorf("remote: forgetting %q: %w", friendlyName, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remote: forgetting %q: %w", friendlyName, err)
	}

	if n == 0 {
		return enginerr.New(enginerr.NotFound, "remote.forget", nil)
	}

	return nil
}

// FindByFriendlyName looks up one remembered remote.
func (r *Registry) FindByFriendlyName(ctx context.Context, friendlyName string) (Remembered, error) {
	var rem Remembered

	var syncByDefault int

	err := r.db.QueryRowContext(ctx, `
		SELECT id, friendly_name, sync_by_default, path FROM database_index WHERE friendly_name = ?
	`, friendlyName).Scan(&rem.ID, &rem.FriendlyName, &syncByDefault, &rem.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return Remembered{}, enginerr.New(enginerr.NotFound, "remote.find", err)
	}

	if err != nil {
		return Remembered{}, fmt.Errorf("remote: finding %q: %w", friendlyName, err)
	}

	rem.SyncByDefault = syncByDefault != 0

	return rem, nil
}

// Enumerate lists every remembered remote.
func (r *Registry) Enumerate(ctx context.Context) ([]Remembered, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, friendly_name, sync_by_default, path FROM database_index ORDER BY friendly_name`)
	if err != nil {
		return nil, fmt.Errorf("remote: enumerating: %w", err)
	}
	defer rows.Close()

	var out []Remembered

	for rows.Next() {
		var rem Remembered

		var syncByDefault int

		if err := rows.Scan(&rem.ID, &rem.FriendlyName, &syncByDefault, &rem.Path); err != nil {
			return nil, fmt.Errorf("remote: scanning: %w", err)
		}

		rem.SyncByDefault = syncByDefault != 0

		out = append(out, rem)
	}

	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
