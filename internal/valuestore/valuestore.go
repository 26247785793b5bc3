// Package valuestore implements the per-product value store (C4): the
// current-value table and its append-only history log for a single
// database handle, plus the idempotent write path that keeps both in
// sync with the stream store's refcounts.
package valuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tonimelisma/settingsengine/internal/enginerr"
	"github.com/tonimelisma/settingsengine/internal/stream"
	"github.com/tonimelisma/settingsengine/internal/value"
)

// Store is the value_index / value_index_history pair for one database.
type Store struct {
	db      *sql.DB
	streams *stream.Store
}

// New wraps db and its stream store as a value Store.
func New(db *sql.DB, streams *stream.Store) *Store {
	return &Store{db: db, streams: streams}
}

// Read returns the current value for (appID, name).
func (s *Store) Read(ctx context.Context, appID uint32, name string) (value.Value, error) {
	row, err := s.findCurrentRow(ctx, s.db, appID, name)
	if err != nil {
		return value.Value{}, err
	}

	v, err := value.DecodeRow(row)
	if err != nil {
		return value.Value{}, err
	}

	if v.Kind == value.KindBlob && v.BlobStreamID != 0 && len(v.BlobData) == 0 {
		data, err := s.streams.Read(ctx, v.BlobStreamID)
		if err != nil {
			return value.Value{}, err
		}

		v.BlobData = data
	}

	return v, nil
}

// FindRow returns the raw current row for (appID, name), for callers (sync,
// legacy adapter) that need the row shape directly instead of a decoded
// Value.
func (s *Store) FindRow(ctx context.Context, appID uint32, name string) (value.Row, error) {
	return s.findCurrentRow(ctx, s.db, appID, name)
}

func (s *Store) findCurrentRow(ctx context.Context, q queryer, appID uint32, name string) (value.Row, error) {
	var row value.Row

	var blobHash []byte

	err := q.QueryRowContext(ctx, `
		SELECT id, app_id, name, type, blob_size, blob_hash, blob_content_id,
		       string, long, longlong, bool, when_ticks, by, last_history_id
		FROM value_index WHERE app_id = ? AND name = ?`, appID, name).
		Scan(&row.ID, &row.AppID, &row.Name, &row.Type, &row.BlobSize, &blobHash, &row.BlobContentID,
			&row.StringValue, &row.LongValue, &row.LongLongValue, &row.BoolValue,
			&row.When, &row.By, &row.LastHistoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return value.Row{}, enginerr.New(enginerr.NotFound, "valuestore.find_row", err)
	}

	if err != nil {
		return value.Row{}, fmt.Errorf("valuestore: finding current row: %w", err)
	}

	row.BlobHash = blobHash

	return row, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Write is the pivot operation (spec §4.4): it finds or inserts the
// current row for (appID, name), no-ops if the incoming value is
// structurally identical to the current one (the idempotence guarantee),
// otherwise copies the old current row into history and overwrites it
// with the incoming value, rebalancing stream refcounts as it goes.
// Must be called within tx.
func (s *Store) Write(ctx context.Context, tx *sql.Tx, appID uint32, name string, v value.Value, updateLastHistory bool) error {
	old, err := s.findCurrentRow(ctx, tx, appID, name)

	hadOld := true

	if err != nil {
		if kind, ok := enginerr.Of(err); ok && kind == enginerr.NotFound {
			hadOld = false
		} else {
			return err
		}
	}

	if hadOld {
		oldValue, decodeErr := value.DecodeRow(old)
		if decodeErr != nil {
			return decodeErr
		}

		if value.Compare(oldValue, v, true) {
			return nil
		}
	}

	if v.Kind == value.KindBlob {
		streamID, err := s.streams.Write(ctx, tx, v.BlobData)
		if err != nil {
			return fmt.Errorf("valuestore: writing blob stream: %w", err)
		}

		v.BlobStreamID = streamID
	}

	var newHistoryID int64

	if hadOld {
		newHistoryID, err = s.insertHistoryRow(ctx, tx, old)
		if err != nil {
			return err
		}

		if old.Type == value.KindBlob && old.BlobContentID != 0 {
			if err := s.streams.IncRef(ctx, tx, old.BlobContentID); err != nil {
				return fmt.Errorf("valuestore: incrementing refcount for history copy: %w", err)
			}
		}
	}

	row := value.EncodeRow(appID, name, v)
	row.LastHistoryID = old.LastHistoryID

	if updateLastHistory && hadOld {
		row.LastHistoryID = newHistoryID
	}

	if hadOld {
		if _, err := tx.ExecContext(ctx, `
			UPDATE value_index SET type = ?, blob_size = ?, blob_hash = ?, blob_content_id = ?,
			       string = ?, long = ?, longlong = ?, bool = ?, when_ticks = ?, by = ?, last_history_id = ?
			WHERE app_id = ? AND name = ?`,
			int(row.Type), row.BlobSize, row.BlobHash, row.BlobContentID,
			row.StringValue, row.LongValue, row.LongLongValue, row.BoolValue, int64(row.When), row.By, row.LastHistoryID,
			appID, name); err != nil {
			return fmt.Errorf("valuestore: updating current row: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO value_index (app_id, name, type, blob_size, blob_hash, blob_content_id,
			                          string, long, longlong, bool, when_ticks, by, last_history_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			appID, name, int(row.Type), row.BlobSize, row.BlobHash, row.BlobContentID,
			row.StringValue, row.LongValue, row.LongLongValue, row.BoolValue, int64(row.When), row.By); err != nil {
			return fmt.Errorf("valuestore: inserting current row: %w", err)
		}
	}

	if hadOld && old.Type == value.KindBlob && old.BlobContentID != 0 {
		if err := s.streams.DecRef(ctx, tx, old.BlobContentID); err != nil {
			return fmt.Errorf("valuestore: decrementing refcount for superseded current row: %w", err)
		}
	}

	return nil
}

func (s *Store) insertHistoryRow(ctx context.Context, tx *sql.Tx, row value.Row) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO value_index_history (app_id, name, type, blob_size, blob_hash, blob_content_id,
		                                  string, long, longlong, bool, when_ticks, by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.AppID, row.Name, int(row.Type), row.BlobSize, row.BlobHash, row.BlobContentID,
		row.StringValue, row.LongValue, row.LongLongValue, row.BoolValue, int64(row.When), row.By)
	if err != nil {
		return 0, fmt.Errorf("valuestore: inserting history row: %w", err)
	}

	return res.LastInsertId()
}

// NamedValue pairs a key name with its current value, since Value itself
// carries no name (spec §4.1 keys the value model by (AppId, Name)
// externally).
type NamedValue struct {
	Name  string
	Value value.Value
}

// EnumerateValues lists the current row for every key under appID,
// optionally filtered to a single Kind.
func (s *Store) EnumerateValues(ctx context.Context, appID uint32, ofType *value.Kind) ([]NamedValue, error) {
	query := `
		SELECT id, app_id, name, type, blob_size, blob_hash, blob_content_id,
		       string, long, longlong, bool, when_ticks, by, last_history_id
		FROM value_index WHERE app_id = ?`

	args := []any{appID}

	if ofType != nil {
		query += ` AND type = ?`
		args = append(args, int(*ofType))
	}

	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("valuestore: enumerating values: %w", err)
	}
	defer rows.Close()

	var out []NamedValue

	for rows.Next() {
		var row value.Row

		var blobHash []byte

		if err := rows.Scan(&row.ID, &row.AppID, &row.Name, &row.Type, &row.BlobSize, &blobHash, &row.BlobContentID,
			&row.StringValue, &row.LongValue, &row.LongLongValue, &row.BoolValue,
			&row.When, &row.By, &row.LastHistoryID); err != nil {
			return nil, fmt.Errorf("valuestore: scanning value row: %w", err)
		}

		row.BlobHash = blobHash

		v, err := value.DecodeRow(row)
		if err != nil {
			return nil, err
		}

		out = append(out, NamedValue{Name: row.Name, Value: v})
	}

	return out, rows.Err()
}

// ListNames returns every key name with a current row under appID, used
// by the sync engine to build the per-product key union without paying
// for a full value decode.
func (s *Store) ListNames(ctx context.Context, appID uint32) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM value_index WHERE app_id = ?`, appID)
	if err != nil {
		return nil, fmt.Errorf("valuestore: listing names: %w", err)
	}
	defer rows.Close()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("valuestore: scanning name: %w", err)
		}

		names = append(names, name)
	}

	return names, rows.Err()
}

// EnumerateHistory returns the full history for (appID, name), oldest
// first, including the current value as its final element.
func (s *Store) EnumerateHistory(ctx context.Context, appID uint32, name string) ([]value.Value, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app_id, name, type, blob_size, blob_hash, blob_content_id,
		       string, long, longlong, bool, when_ticks, by, 0
		FROM value_index_history WHERE app_id = ? AND name = ? ORDER BY id`, appID, name)
	if err != nil {
		return nil, fmt.Errorf("valuestore: enumerating history: %w", err)
	}

	var out []value.Value

	for rows.Next() {
		var row value.Row

		var blobHash []byte

		if err := rows.Scan(&row.ID, &row.AppID, &row.Name, &row.Type, &row.BlobSize, &blobHash, &row.BlobContentID,
			&row.StringValue, &row.LongValue, &row.LongLongValue, &row.BoolValue,
			&row.When, &row.By, &row.LastHistoryID); err != nil {
			rows.Close()

			return nil, fmt.Errorf("valuestore: scanning history row: %w", err)
		}

		row.BlobHash = blobHash

		v, err := value.DecodeRow(row)
		if err != nil {
			rows.Close()

			return nil, err
		}

		if v.Kind == value.KindBlob && v.BlobStreamID != 0 {
			data, err := s.streams.Read(ctx, v.BlobStreamID)
			if err != nil {
				rows.Close()

				return nil, err
			}

			v.BlobData = data
		}

		out = append(out, v)
	}

	if err := rows.Err(); err != nil {
		rows.Close()

		return nil, err
	}

	rows.Close()

	current, err := s.findCurrentRow(ctx, s.db, appID, name)
	if err != nil {
		if kind, ok := enginerr.Of(err); ok && kind == enginerr.NotFound {
			return out, nil
		}

		return nil, err
	}

	v, err := value.DecodeRow(current)
	if err != nil {
		return nil, err
	}

	if v.Kind == value.KindBlob && v.BlobStreamID != 0 {
		data, err := s.streams.Read(ctx, v.BlobStreamID)
		if err != nil {
			return nil, err
		}

		v.BlobData = data
	}

	return append(out, v), nil
}

// Forget drops every history and current row for (appID, name), releasing
// each referenced stream's refcount (spec §4.4).
func (s *Store) Forget(ctx context.Context, tx *sql.Tx, appID uint32, name string) error {
	historyRows, err := tx.QueryContext(ctx, `
		SELECT blob_content_id FROM value_index_history
		WHERE app_id = ? AND name = ? AND type = ? ORDER BY id DESC`,
		appID, name, int(value.KindBlob))
	if err != nil {
		return fmt.Errorf("valuestore: listing history blob refs: %w", err)
	}

	var blobStreamIDs []int64

	for historyRows.Next() {
		var id int64
		if err := historyRows.Scan(&id); err != nil {
			historyRows.Close()

			return fmt.Errorf("valuestore: scanning history blob ref: %w", err)
		}

		if id != 0 {
			blobStreamIDs = append(blobStreamIDs, id)
		}
	}

	if err := historyRows.Err(); err != nil {
		historyRows.Close()

		return err
	}

	historyRows.Close()

	var currentBlobID sql.NullInt64

	err = tx.QueryRowContext(ctx, `
		SELECT blob_content_id FROM value_index
		WHERE app_id = ? AND name = ? AND type = ?`, appID, name, int(value.KindBlob)).Scan(&currentBlobID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("valuestore: reading current blob ref: %w", err)
	}

	if currentBlobID.Valid && currentBlobID.Int64 != 0 {
		blobStreamIDs = append(blobStreamIDs, currentBlobID.Int64)
	}

	for _, id := range blobStreamIDs {
		if err := s.streams.DecRef(ctx, tx, id); err != nil {
			return fmt.Errorf("valuestore: releasing stream %d: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM value_index_history WHERE app_id = ? AND name = ?`, appID, name); err != nil {
		return fmt.Errorf("valuestore: deleting history rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM value_index WHERE app_id = ? AND name = ?`, appID, name); err != nil {
		return fmt.Errorf("valuestore: deleting current row: %w", err)
	}

	return nil
}

// ForgetProduct removes every key belonging to appID.
func (s *Store) ForgetProduct(ctx context.Context, tx *sql.Tx, appID uint32) error {
	names, err := s.namesForProduct(ctx, tx, appID)
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := s.Forget(ctx, tx, appID, name); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) namesForProduct(ctx context.Context, tx *sql.Tx, appID uint32) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM value_index WHERE app_id = ?`, appID)
	if err != nil {
		return nil, fmt.Errorf("valuestore: listing product keys: %w", err)
	}
	defer rows.Close()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("valuestore: scanning product key: %w", err)
		}

		names = append(names, name)
	}

	return names, rows.Err()
}
