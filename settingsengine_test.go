package settingsengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/settingsengine/internal/enginerr"
	"github.com/tonimelisma/settingsengine/internal/legacy"
	"github.com/tonimelisma/settingsengine/internal/product"
	"github.com/tonimelisma/settingsengine/internal/syncengine"
	"github.com/tonimelisma/settingsengine/internal/value"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	e, err := Init(context.Background(), Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Uninit() })

	return e
}

func TestSetGetDword_RoundTrips(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.SetProduct(context.Background(), "MyApp", "1.0.0.0", "0123456789abcdef", false))
	require.NoError(t, e.SetDword(context.Background(), "vol", 42))

	got, err := e.GetDword(context.Background(), "vol")
	require.NoError(t, err)
	assert.EqualValues(t, 42, got)
}

func TestGet_BeforeSetProduct_ReturnsBadState(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.GetDword(context.Background(), "vol")
	require.Error(t, err)

	kind, ok := enginerr.Of(err)
	require.True(t, ok)
	assert.Equal(t, enginerr.BadState, kind)
}

func TestGet_WrongType_ReturnsTypeMismatch(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.SetProduct(context.Background(), "MyApp", "1.0.0.0", "0123456789abcdef", false))
	require.NoError(t, e.SetString(context.Background(), "k", "x"))

	_, err := e.GetDword(context.Background(), "k")
	require.Error(t, err)

	kind, ok := enginerr.Of(err)
	require.True(t, ok)
	assert.Equal(t, enginerr.TypeMismatch, kind)
}

func TestDeleteValue_ThenGet_ReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.SetProduct(context.Background(), "MyApp", "1.0.0.0", "0123456789abcdef", false))
	require.NoError(t, e.SetBool(context.Background(), "flag", true))
	require.NoError(t, e.DeleteValue(context.Background(), "flag"))

	_, err := e.GetBool(context.Background(), "flag")
	require.Error(t, err)

	kind, ok := enginerr.Of(err)
	require.True(t, ok)
	assert.Equal(t, enginerr.NotFound, kind)
}

func TestEndpointGUID_StableAcrossUninitInit(t *testing.T) {
	dir := t.TempDir()

	e1, err := Init(context.Background(), Options{Dir: dir})
	require.NoError(t, err)
	guid := e1.EndpointGUID()
	require.NoError(t, e1.Uninit())

	e2, err := Init(context.Background(), Options{Dir: dir})
	require.NoError(t, err)
	defer e2.Uninit()

	assert.Equal(t, guid, e2.EndpointGUID())
}

func TestSyncThenResolve_ConvergesToRemoteValue(t *testing.T) {
	local := newTestEngine(t)

	remoteDir := t.TempDir()
	require.NoError(t, local.OpenRemoteDatabase(context.Background(), "peer", remoteDir, true))

	require.NoError(t, local.SetProduct(context.Background(), "MyApp", "1.0.0.0", "0123456789abcdef", false))
	require.NoError(t, local.SetDword(context.Background(), "vol", 40))

	require.NoError(t, local.Sync(context.Background()))

	conflicts := local.PendingConflicts("peer")
	if len(conflicts) == 0 {
		return
	}

	choices := map[string]syncengine.Resolution{"vol": syncengine.Local}
	require.NoError(t, local.Resolve(context.Background(), "peer", conflicts[0], choices, legacy.Manifest{}))
}

func TestForgetProduct_RemovesRegistration(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.SetProduct(context.Background(), "Gone", "1.0.0.0", "0123456789abcdef", false))
	require.NoError(t, e.SetString(context.Background(), "k", "v"))

	require.NoError(t, e.ForgetProduct(context.Background(), "Gone", "1.0.0.0", "0123456789abcdef"))

	_, err := e.local.Products.FindRow(context.Background(), e.local.SceDb, "Gone", "1.0.0.0", "0123456789abcdef")
	require.Error(t, err)
}

// S5: forgetting a legacy product writes a tombstone under the self-
// product's legacy-manifest key, so peer databases forget it on sync.
func TestForgetProduct_Legacy_WritesManifestTombstone(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	manifest := legacy.Manifest{Entries: []legacy.ManifestEntry{
		{Name: "setting", Source: legacy.FileSource{Path: t.TempDir() + "/setting.txt"}},
	}}

	require.NoError(t, e.PullLegacyProduct(ctx, "LegacyApp", "1.0.0.0", product.LegacyPublicKey, manifest))

	require.NoError(t, e.ForgetProduct(ctx, "LegacyApp", "1.0.0.0", product.LegacyPublicKey))

	manifestName := product.LegacyManifestValueName("LegacyApp")

	row, err := e.local.Values.FindRow(ctx, e.local.CfgAppId, manifestName)
	require.NoError(t, err)

	v, err := value.DecodeRow(row)
	require.NoError(t, err)
	assert.True(t, v.IsTombstone())
}
