// Package stream implements the content-addressed binary stream store
// (C2): a refcounted table of blob payloads, written once per distinct
// hash and compressed by a pluggable codec, with payload bytes living as
// files under the database's Streams directory rather than inside the
// relational store.
package stream

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tonimelisma/settingsengine/internal/enginerr"
	"github.com/tonimelisma/settingsengine/internal/value"
)

// defaultCodecThreshold is used when the caller passes a threshold <= 0,
// as handle.Open does (spec §4.2's "simple size/compressibility
// heuristic"). The engine config's store settings are not passed here.
const defaultCodecThreshold = 4096

// streamDirPermissions matches the database directory's own permissions;
// blob payloads are only ever readable/writable by the owning user.
const streamDirPermissions = 0o700
const streamFilePermissions = 0o600

// Row mirrors the binary_content table (spec §6).
type Row struct {
	ID           int64
	Refcount     uint32
	DeltaFromID  sql.NullInt64
	Codec        Codec
	RawSize      int64
	Hash         value.Hash
}

// Store is the content-addressed blob store for one database handle.
type Store struct {
	db        *sql.DB
	dir       string
	threshold int64
	logger    *slog.Logger

	mu             sync.Mutex
	pendingDeletes []value.Hash
}

// NewStore opens the stream store rooted at dir (the sibling "Streams"
// directory next to the database file). threshold <= 0 uses the default.
func NewStore(db *sql.DB, dir string, threshold int64, logger *slog.Logger) (*Store, error) {
	if threshold <= 0 {
		threshold = defaultCodecThreshold
	}

	if err := os.MkdirAll(dir, streamDirPermissions); err != nil {
		return nil, fmt.Errorf("stream: creating streams directory %s: %w", dir, err)
	}

	return &Store{db: db, dir: dir, threshold: threshold, logger: logger}, nil
}

func (s *Store) path(hash value.Hash) string {
	return filepath.Join(s.dir, hex.EncodeToString(hash[:]))
}

// Write stores data under its content hash, idempotently: if a row with
// the same hash already exists its refcount is incremented and its id
// returned, otherwise the payload is encoded and a new row is inserted.
// Must be called within tx so the caller's write transaction covers both
// the row and (implicitly) the refcount bump.
func (s *Store) Write(ctx context.Context, tx *sql.Tx, data []byte) (int64, error) {
	hash := value.Sum(data)

	var id int64

	err := tx.QueryRowContext(ctx, `SELECT id FROM binary_content WHERE hash = ?`, hash[:]).Scan(&id)
	switch {
	case err == nil:
		if _, incErr := tx.ExecContext(ctx, `UPDATE binary_content SET refcount = refcount + 1 WHERE id = ?`, id); incErr != nil {
			return 0, fmt.Errorf("stream: incrementing refcount for existing hash: %w", incErr)
		}

		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return 0, fmt.Errorf("stream: looking up hash: %w", err)
	}

	codec := chooseCodec(data, s.threshold)

	encoded, err := encode(codec, data)
	if err != nil {
		return 0, err
	}

	// A heuristic "compressible" guess can still lose to DEFLATE framing
	// overhead on already-dense data; keep whichever encoding is smaller.
	if codec != CodecNone && len(encoded) >= len(data) {
		codec = CodecNone
		encoded = data
	}

	if err := os.WriteFile(s.path(hash), encoded, streamFilePermissions); err != nil {
		return 0, fmt.Errorf("stream: writing payload file: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO binary_content (refcount, delta_from_id, compression, raw_size, hash)
		VALUES (1, NULL, ?, ?, ?)`, int(codec), len(data), hash[:])
	if err != nil {
		os.Remove(s.path(hash))

		return 0, fmt.Errorf("stream: inserting stream row: %w", err)
	}

	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("stream: reading inserted id: %w", err)
	}

	return id, nil
}

// Read reconstructs the original payload for streamID.
func (s *Store) Read(ctx context.Context, streamID int64) ([]byte, error) {
	row, err := s.findRow(ctx, s.db, streamID)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.path(row.Hash))
	if err != nil {
		return nil, fmt.Errorf("stream: reading payload file for stream %d: %w", streamID, err)
	}

	data, err := decode(row.Codec, raw)
	if err != nil {
		return nil, fmt.Errorf("stream: decoding stream %d: %w", streamID, err)
	}

	return data, nil
}

func (s *Store) findRow(ctx context.Context, q queryer, streamID int64) (Row, error) {
	var row Row

	var hashBytes []byte

	var deltaFrom sql.NullInt64

	err := q.QueryRowContext(ctx, `
		SELECT id, refcount, delta_from_id, compression, raw_size, hash
		FROM binary_content WHERE id = ?`, streamID).
		Scan(&row.ID, &row.Refcount, &deltaFrom, &row.Codec, &row.RawSize, &hashBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, enginerr.New(enginerr.NotFound, "stream.find", err)
	}

	if err != nil {
		return Row{}, fmt.Errorf("stream: finding stream %d: %w", streamID, err)
	}

	row.DeltaFromID = deltaFrom
	copy(row.Hash[:], hashBytes)

	return row, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// IncRef bumps a stream's refcount by one, e.g. when a second value row
// starts referencing an already-stored blob.
func (s *Store) IncRef(ctx context.Context, tx *sql.Tx, streamID int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE binary_content SET refcount = refcount + 1 WHERE id = ?`, streamID); err != nil {
		return fmt.Errorf("stream: incrementing refcount for stream %d: %w", streamID, err)
	}

	return nil
}

// DecRef drops a stream's refcount by one inside tx. If it reaches zero
// the row is deleted immediately (so invariant 2 — refcount equals the
// referencing-row count — holds without waiting for a file sweep) and the
// stream's hash is queued on the store for best-effort file deletion once
// the owning handle unlocks (spec §4.2).
func (s *Store) DecRef(ctx context.Context, tx *sql.Tx, streamID int64) error {
	hash, deleted, err := s.decRefHash(ctx, tx, streamID)
	if err != nil {
		return err
	}

	if deleted {
		s.mu.Lock()
		s.pendingDeletes = append(s.pendingDeletes, hash)
		s.mu.Unlock()
	}

	return nil
}

// DrainPendingDeletes best-effort deletes the payload files for streams
// whose refcount reached zero since the last drain. Called when the
// owning handle unlocks (spec §4.2); a failed deletion is logged, not
// raised, since the row is already gone and a later pass can retry.
func (s *Store) DrainPendingDeletes(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	pending := s.pendingDeletes
	s.pendingDeletes = nil
	s.mu.Unlock()

	for _, hash := range pending {
		s.DeleteFile(hash)
	}
}

// decRefHash decrements streamID's refcount and, if it reaches zero,
// deletes the row and returns its hash so the caller can schedule the
// file for deletion without a second lookup after the row is gone.
func (s *Store) decRefHash(ctx context.Context, tx *sql.Tx, streamID int64) (hash value.Hash, deleted bool, err error) {
	var refcount uint32

	var hashBytes []byte

	if err := tx.QueryRowContext(ctx, `SELECT hash FROM binary_content WHERE id = ?`, streamID).Scan(&hashBytes); err != nil {
		return value.Hash{}, false, fmt.Errorf("stream: reading hash for stream %d: %w", streamID, err)
	}

	copy(hash[:], hashBytes)

	if err := tx.QueryRowContext(ctx, `
		UPDATE binary_content SET refcount = refcount - 1 WHERE id = ?
		RETURNING refcount`, streamID).Scan(&refcount); err != nil {
		return value.Hash{}, false, fmt.Errorf("stream: decrementing refcount for stream %d: %w", streamID, err)
	}

	if refcount > 0 {
		return hash, false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM binary_content WHERE id = ?`, streamID); err != nil {
		return value.Hash{}, false, fmt.Errorf("stream: deleting zero-refcount row %d: %w", streamID, err)
	}

	return hash, true, nil
}

// DeleteFile removes the on-disk payload for hash. Failures are logged at
// WARN (spec §4.2: "a failure is logged, not raised").
func (s *Store) DeleteFile(hash value.Hash) {
	if err := os.Remove(s.path(hash)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete stream payload file",
			slog.String("path", s.path(hash)), slog.Any("error", err))
	}
}

// Refcount returns the current refcount for streamID, for tests and the
// maintenance pass.
func (s *Store) Refcount(ctx context.Context, streamID int64) (uint32, error) {
	row, err := s.findRow(ctx, s.db, streamID)
	if err != nil {
		return 0, err
	}

	return row.Refcount, nil
}
