package product

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const testSchema = `
CREATE TABLE product_index (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	public_key TEXT NOT NULL,
	registered INTEGER NOT NULL DEFAULT 0,
	is_legacy INTEGER NOT NULL DEFAULT 0,
	legacy_sequence INTEGER,
	UNIQUE(name, version, public_key)
);`

func newTestRegistry(t *testing.T) (*Registry, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	return NewRegistry(db), db
}

func TestValidateVersion(t *testing.T) {
	require.NoError(t, ValidateVersion("0.0.0.0"))
	require.NoError(t, ValidateVersion("1.2.3.4"))
	require.Error(t, ValidateVersion("1.2.3"))
	require.Error(t, ValidateVersion("1.2.3.4.5"))
	require.Error(t, ValidateVersion("1.2.3.x"))
	require.Error(t, ValidateVersion("-1.2.3.4"))
}

func TestValidatePublicKey(t *testing.T) {
	require.NoError(t, ValidatePublicKey("0123456789abcdef"))
	require.Error(t, ValidatePublicKey("0123456789ABCDEF"))
	require.Error(t, ValidatePublicKey("short"))
	require.Error(t, ValidatePublicKey("0123456789abcdefg"))
}

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("contoso.app"))
	require.Error(t, ValidateName(""))
}

func TestIsLegacy(t *testing.T) {
	assert.True(t, IsLegacy(LegacyPublicKey))
	assert.False(t, IsLegacy("0123456789abcdef"))
}

func TestEnsureCreated_CreatesThenFindsSameRow(t *testing.T) {
	reg, db := newTestRegistry(t)
	ctx := context.Background()

	tx, err := db.Begin()
	require.NoError(t, err)

	id1, isLegacy, err := reg.EnsureCreated(ctx, tx, "contoso.app", "1.0.0.0", "0123456789abcdef", false)
	require.NoError(t, err)
	assert.False(t, isLegacy)

	id2, _, err := reg.EnsureCreated(ctx, tx, "contoso.app", "1.0.0.0", "0123456789abcdef", false)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	require.NoError(t, tx.Commit())
}

func TestEnsureCreated_RejectsLegacyWithoutFlag(t *testing.T) {
	reg, db := newTestRegistry(t)
	ctx := context.Background()

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	_, _, err = reg.EnsureCreated(ctx, tx, "legacy.app", "1.0.0.0", LegacyPublicKey, false)
	require.Error(t, err)
}

func TestEnsureCreated_AllowsLegacyWithFlag(t *testing.T) {
	reg, db := newTestRegistry(t)
	ctx := context.Background()

	tx, err := db.Begin()
	require.NoError(t, err)

	id, isLegacy, err := reg.EnsureCreated(ctx, tx, "legacy.app", "1.0.0.0", LegacyPublicKey, true)
	require.NoError(t, err)
	assert.True(t, isLegacy)
	assert.NotZero(t, id)

	require.NoError(t, tx.Commit())
}

func TestEnsureCreated_RejectsInvalidVersion(t *testing.T) {
	reg, db := newTestRegistry(t)
	ctx := context.Background()

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	_, _, err = reg.EnsureCreated(ctx, tx, "contoso.app", "1.2.3", "0123456789abcdef", false)
	require.Error(t, err)
}

func TestRegister_SetsRegisteredFlag(t *testing.T) {
	reg, db := newTestRegistry(t)
	ctx := context.Background()

	tx, err := db.Begin()
	require.NoError(t, err)

	id, err := reg.Register(ctx, tx, "contoso.app", "1.0.0.0", "0123456789abcdef", true)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	p, err := reg.FindByAppID(ctx, db, id)
	require.NoError(t, err)
	assert.True(t, p.Registered)
}

func TestIsRegistered_FallsBackToAdminLookup(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	registered, err := reg.IsRegistered(ctx, "unknown.app", "1.0.0.0", "0123456789abcdef", func() (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, registered)

	registered, err = reg.IsRegistered(ctx, "unknown.app", "1.0.0.0", "0123456789abcdef", nil)
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestEnumerate_ListsAllRows(t *testing.T) {
	reg, db := newTestRegistry(t)
	ctx := context.Background()

	tx, err := db.Begin()
	require.NoError(t, err)
	_, _, err = reg.EnsureCreated(ctx, tx, "a.app", "1.0.0.0", "0123456789abcdef", false)
	require.NoError(t, err)
	_, _, err = reg.EnsureCreated(ctx, tx, "b.app", "2.0.0.0", "fedcba9876543210", false)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	all, err := reg.Enumerate(ctx, db)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteRow_RemovesProduct(t *testing.T) {
	reg, db := newTestRegistry(t)
	ctx := context.Background()

	tx, err := db.Begin()
	require.NoError(t, err)
	id, _, err := reg.EnsureCreated(ctx, tx, "a.app", "1.0.0.0", "0123456789abcdef", false)
	require.NoError(t, err)
	require.NoError(t, reg.DeleteRow(ctx, tx, id))
	require.NoError(t, tx.Commit())

	_, err = reg.FindByAppID(ctx, db, id)
	require.Error(t, err)
}
