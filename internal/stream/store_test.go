package stream

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/settingsengine/internal/value"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testSchema = `
CREATE TABLE binary_content (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	refcount INTEGER NOT NULL,
	delta_from_id INTEGER,
	compression INTEGER NOT NULL,
	raw_size INTEGER NOT NULL,
	hash BLOB NOT NULL UNIQUE
);`

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	st, err := NewStore(db, t.TempDir(), 0, discardLogger())
	require.NoError(t, err)

	return st, db
}

func TestWrite_IsIdempotentPerHash(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0}, 1024)

	tx, err := db.Begin()
	require.NoError(t, err)

	id1, err := st.Write(ctx, tx, payload)
	require.NoError(t, err)

	id2, err := st.Write(ctx, tx, payload)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	require.NoError(t, tx.Commit())

	refcount, err := st.Refcount(ctx, id1)
	require.NoError(t, err)
	require.EqualValues(t, 2, refcount)
}

func TestWriteRead_RoundTrip(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	payload := []byte("settings engine payload, repeated repeated repeated repeated")

	tx, err := db.Begin()
	require.NoError(t, err)

	id, err := st.Write(ctx, tx, payload)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	got, err := st.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestWrite_ZeroByteBlob(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	tx, err := db.Begin()
	require.NoError(t, err)

	id, err := st.Write(ctx, tx, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	got, err := st.Read(ctx, id)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDecRef_DeletesRowAndQueuesFile(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	payload := []byte("gone soon")

	tx, err := db.Begin()
	require.NoError(t, err)

	id, err := st.Write(ctx, tx, payload)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	hash := value.Sum(payload)
	_, statErr := os.Stat(st.path(hash))
	require.NoError(t, statErr)

	tx, err = db.Begin()
	require.NoError(t, err)
	require.NoError(t, st.DecRef(ctx, tx, id))
	require.NoError(t, tx.Commit())

	_, err = st.findRow(ctx, db, id)
	require.Error(t, err)

	st.DrainPendingDeletes(ctx)
	_, statErr = os.Stat(st.path(hash))
	require.True(t, os.IsNotExist(statErr))
}

func TestCodecThreshold_LargePayloadUsesCab(t *testing.T) {
	st, db := newTestStore(t)
	st.threshold = 16
	ctx := context.Background()

	payload := bytes.Repeat([]byte("a"), 1024)

	tx, err := db.Begin()
	require.NoError(t, err)

	id, err := st.Write(ctx, tx, payload)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	row, err := st.findRow(ctx, db, id)
	require.NoError(t, err)
	require.Equal(t, CodecCab, row.Codec)

	hash := value.Sum(payload)
	raw, err := os.ReadFile(filepath.Join(st.dir, filepath.Base(st.path(hash))))
	require.NoError(t, err)
	require.Less(t, len(raw), len(payload))

	got, err := st.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
