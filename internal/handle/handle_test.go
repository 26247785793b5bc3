package handle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_BootstrapsSchemaAndSelfProduct(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	h, err := Open(ctx, dir, Options{})
	require.NoError(t, err)
	defer h.Close()

	assert.NotEmpty(t, h.EndpointGuid)
	assert.NotZero(t, h.CfgAppId)
	assert.DirExists(t, filepath.Join(dir, streamsDirName))
}

func TestOpen_EndpointGuidStableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	h1, err := Open(ctx, dir, Options{})
	require.NoError(t, err)
	guid := h1.EndpointGuid
	require.NoError(t, h1.Close())

	h2, err := Open(ctx, dir, Options{})
	require.NoError(t, err)
	defer h2.Close()

	assert.Equal(t, guid, h2.EndpointGuid)
}

func TestLockUnlock_IsReentrant(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	h, err := Open(ctx, dir, Options{})
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Lock(ctx))
	require.NoError(t, h.Lock(ctx))
	assert.Equal(t, 2, h.LockDepth())

	require.NoError(t, h.Unlock())
	assert.Equal(t, 1, h.LockDepth())

	require.NoError(t, h.Unlock())
	assert.Equal(t, 0, h.LockDepth())
}

func TestUnlock_RefreshesLastModifiedOnlyAtOuterDepth(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	h, err := Open(ctx, dir, Options{})
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Lock(ctx))
	require.NoError(t, h.Lock(ctx))
	h.UpdateLastModified = true

	require.NoError(t, h.Unlock())
	assert.True(t, h.UpdateLastModified, "inner unlock must not run release side effects")

	before := h.LastModified
	require.NoError(t, h.Unlock())
	assert.False(t, h.UpdateLastModified)
	assert.True(t, h.LastModified.After(before))
}

func TestOpen_AdminSchemaOnlyHasProductTable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	h, err := Open(ctx, dir, Options{Admin: true})
	require.NoError(t, err)
	defer h.Close()

	var count int
	err = h.SceDb.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'admin_product_index'`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
