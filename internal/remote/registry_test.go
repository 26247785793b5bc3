package remote

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const testSchema = `
CREATE TABLE database_index (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	friendly_name TEXT NOT NULL,
	sync_by_default INTEGER NOT NULL DEFAULT 1,
	path TEXT NOT NULL
);
CREATE UNIQUE INDEX database_index_friendly_name ON database_index (friendly_name);
`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	return NewRegistry(db)
}

func TestRemember_CreatesThenUpdatesInPlace(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rem, err := r.Remember(ctx, "laptop", "/mnt/laptop", true)
	require.NoError(t, err)
	assert.Equal(t, "laptop", rem.FriendlyName)
	assert.True(t, rem.SyncByDefault)

	// Remembering the same friendly name again toggles in place rather
	// than erroring or creating a second row.
	rem2, err := r.Remember(ctx, "laptop", "/mnt/laptop-renamed", false)
	require.NoError(t, err)
	assert.Equal(t, rem.ID, rem2.ID)
	assert.Equal(t, "/mnt/laptop-renamed", rem2.Path)
	assert.False(t, rem2.SyncByDefault)

	all, err := r.Enumerate(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestForget_RemovesRow(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Remember(ctx, "desktop", "/mnt/desktop", true)
	require.NoError(t, err)

	require.NoError(t, r.Forget(ctx, "desktop"))

	_, err = r.FindByFriendlyName(ctx, "desktop")
	require.Error(t, err)
}

func TestForget_UnknownFriendlyNameIsNotFound(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Forget(context.Background(), "nope")
	require.Error(t, err)
}

func TestEnumerate_OrdersByFriendlyName(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Remember(ctx, "zed", "/z", true)
	require.NoError(t, err)
	_, err = r.Remember(ctx, "alpha", "/a", true)
	require.NoError(t, err)

	all, err := r.Enumerate(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].FriendlyName)
	assert.Equal(t, "zed", all[1].FriendlyName)
}
