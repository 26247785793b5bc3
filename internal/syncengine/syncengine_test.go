package syncengine

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/settingsengine/internal/handle"
	"github.com/tonimelisma/settingsengine/internal/legacy"
	"github.com/tonimelisma/settingsengine/internal/product"
	"github.com/tonimelisma/settingsengine/internal/value"
	"github.com/tonimelisma/settingsengine/pkg/filetime"
)

func openTestHandle(t *testing.T, isRemote bool) *handle.Handle {
	t.Helper()

	h, err := handle.Open(context.Background(), t.TempDir(), handle.Options{IsRemote: isRemote})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	return h
}

func writeValue(t *testing.T, h *handle.Handle, name string, v value.Value) {
	t.Helper()

	err := h.WithTx(context.Background(), func(tx *sql.Tx) error {
		return h.Values.Write(context.Background(), tx, h.CfgAppId, name, v, true)
	})
	require.NoError(t, err)
}

// S1 (convergence): A sets vol=40, B sets vol=70 (independently, no shared
// lineage). Sync reports a conflict; resolving Remote makes both sides 70,
// with A's history recording both values and B's history just the one it
// always had.
func TestSync_S1_ConflictThenResolveRemote(t *testing.T) {
	ctx := context.Background()
	a := openTestHandle(t, false)
	b := openTestHandle(t, true)

	writeValue(t, a, "vol", value.Dword(40, a.EndpointGuid, filetime.Ticks(100)))
	writeValue(t, b, "vol", value.Dword(70, b.EndpointGuid, filetime.Ticks(200)))

	conflicts, err := Sync(ctx, a, b)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Len(t, conflicts[0].Values, 1)

	cv := conflicts[0].Values[0]
	assert.Equal(t, "vol", cv.Name)
	require.Len(t, cv.LocalHistory, 1)
	require.Len(t, cv.RemoteHistory, 1)
	assert.EqualValues(t, 40, cv.LocalHistory[0].Dword)
	assert.EqualValues(t, 70, cv.RemoteHistory[0].Dword)

	require.NoError(t, Resolve(ctx, a, b, conflicts[0], map[string]Resolution{"vol": Remote}, legacy.Manifest{}))

	// b is a remote handle: its store connection is open only while locked.
	require.NoError(t, b.Lock(ctx))
	defer b.Unlock()

	gotA, err := a.Values.Read(ctx, a.CfgAppId, "vol")
	require.NoError(t, err)
	assert.EqualValues(t, 70, gotA.Dword)

	gotB, err := b.Values.Read(ctx, b.CfgAppId, "vol")
	require.NoError(t, err)
	assert.EqualValues(t, 70, gotB.Dword)

	histA, err := a.Values.EnumerateHistory(ctx, a.CfgAppId, "vol")
	require.NoError(t, err)
	require.Len(t, histA, 2)
	assert.EqualValues(t, 40, histA[0].Dword)
	assert.EqualValues(t, 70, histA[1].Dword)

	histB, err := b.Values.EnumerateHistory(ctx, b.CfgAppId, "vol")
	require.NoError(t, err)
	require.Len(t, histB, 1)
}

// S2 (subsumption): A writes "name" twice, B starts empty. Sync transfers
// A's whole history into B without a conflict.
func TestSync_S2_EmptySideSubsumesWholeHistory(t *testing.T) {
	ctx := context.Background()
	a := openTestHandle(t, false)
	b := openTestHandle(t, true)

	writeValue(t, a, "name", value.String("alpha", a.EndpointGuid, filetime.Ticks(100)))
	writeValue(t, a, "name", value.String("beta", a.EndpointGuid, filetime.Ticks(200)))

	conflicts, err := Sync(ctx, a, b)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	require.NoError(t, b.Lock(ctx))
	defer b.Unlock()

	hist, err := b.Values.EnumerateHistory(ctx, b.CfgAppId, "name")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "alpha", hist[0].String)
	assert.Equal(t, "beta", hist[1].String)

	current, err := b.Values.Read(ctx, b.CfgAppId, "name")
	require.NoError(t, err)
	assert.Equal(t, "beta", current.String)
}

// S3 (tombstone): a deleted value propagates to the other side as its
// current value, a tombstone.
func TestSync_S3_TombstonePropagates(t *testing.T) {
	ctx := context.Background()
	a := openTestHandle(t, false)
	b := openTestHandle(t, true)

	writeValue(t, a, "tmp", value.Dword(1, a.EndpointGuid, filetime.Ticks(100)))

	_, err := Sync(ctx, a, b)
	require.NoError(t, err)

	writeValue(t, a, "tmp", value.Deleted(a.EndpointGuid, filetime.Ticks(200)))

	conflicts, err := Sync(ctx, a, b)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	require.NoError(t, b.Lock(ctx))
	defer b.Unlock()

	got, err := b.Values.Read(ctx, b.CfgAppId, "tmp")
	require.NoError(t, err)
	assert.True(t, got.IsTombstone())
}

// Sync(A,B); Sync(A,B) must converge to an empty conflict list the second
// time (idempotence law, spec §8).
func TestSync_RepeatedSyncConverges(t *testing.T) {
	ctx := context.Background()
	a := openTestHandle(t, false)
	b := openTestHandle(t, true)

	writeValue(t, a, "k", value.Dword(1, a.EndpointGuid, filetime.Ticks(100)))

	_, err := Sync(ctx, a, b)
	require.NoError(t, err)

	conflicts, err := Sync(ctx, a, b)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

// S6 (fresh timestamp): resolving a conflict in favor of a side whose
// value is older than the target's current value still transfers it, with
// its timestamp bumped past the target's current when.
func TestResolve_S6_FreshTimestampBump(t *testing.T) {
	ctx := context.Background()
	a := openTestHandle(t, false)
	b := openTestHandle(t, true)

	writeValue(t, a, "k", value.Dword(1, a.EndpointGuid, filetime.Ticks(90)))
	writeValue(t, b, "k", value.Dword(2, b.EndpointGuid, filetime.Ticks(100)))

	conflicts, err := Sync(ctx, a, b)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	require.NoError(t, Resolve(ctx, a, b, conflicts[0], map[string]Resolution{"k": Local}, legacy.Manifest{}))

	require.NoError(t, b.Lock(ctx))
	defer b.Unlock()

	row, err := b.Values.FindRow(ctx, b.CfgAppId, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 1, row.LongValue)
	assert.EqualValues(t, filetime.Ticks(100).Add(freshTimestampBump), row.When)
}

// Resolving a conflict on a legacy product also runs the legacy adapter's
// write path against local, so the external file backing the manifest
// entry picks up the resolved value (spec §4.6/§4.8).
func TestResolve_LegacyConflict_RunsAdapterPush(t *testing.T) {
	ctx := context.Background()
	a := openTestHandle(t, false)
	b := openTestHandle(t, true)

	const name, version, pubkey = "LegacyApp", "1.0.0.0", product.LegacyPublicKey

	var appIDA, appIDB uint32

	require.NoError(t, a.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		appIDA, _, err = a.Products.EnsureCreated(ctx, tx, name, version, pubkey, true)
		return err
	}))

	require.NoError(t, b.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		appIDB, _, err = b.Products.EnsureCreated(ctx, tx, name, version, pubkey, true)
		return err
	}))

	require.NoError(t, a.WithTx(ctx, func(tx *sql.Tx) error {
		return a.Values.Write(ctx, tx, appIDA, "cfg", value.String("local-value", a.EndpointGuid, filetime.Ticks(100)), true)
	}))

	require.NoError(t, b.WithTx(ctx, func(tx *sql.Tx) error {
		return b.Values.Write(ctx, tx, appIDB, "cfg", value.String("remote-value", b.EndpointGuid, filetime.Ticks(200)), true)
	}))

	conflicts, err := Sync(ctx, a, b)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	tmpFile := filepath.Join(t.TempDir(), "cfg.txt")
	manifest := legacy.Manifest{Entries: []legacy.ManifestEntry{
		{Name: "cfg", Source: legacy.FileSource{Path: tmpFile}},
	}}

	require.NoError(t, Resolve(ctx, a, b, conflicts[0], map[string]Resolution{"cfg": Local}, manifest))

	data, err := os.ReadFile(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, "local-value", string(data))
}
