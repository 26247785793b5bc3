// Package handle implements the database handle (C5): the single entry
// point a client holds open against one settings database, whether local
// or a remote reached over a shared filesystem namespace. It bootstraps
// the external store, tracks the endpoint GUID, and provides the
// re-entrant locking and change-stamp discipline the rest of the engine
// builds on.
package handle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/settingsengine/internal/enginerr"
	"github.com/tonimelisma/settingsengine/internal/product"
	"github.com/tonimelisma/settingsengine/internal/stream"
	"github.com/tonimelisma/settingsengine/internal/valuestore"
)

// SelfProductName, SelfProductVersion and SelfProductPublicKey identify the
// well-known self-product (spec §3's "wzCfgProductId") under which the
// engine stores its own per-endpoint metadata: the remembered-database
// list and legacy-manifest tombstones.
const (
	SelfProductName      = "wzCfgProductId"
	SelfProductVersion   = "1.0.0.0"
	SelfProductPublicKey = "00000000005e1fc6"
)

// storeFileName, streamsDirName and changesFileName are the on-disk layout
// named in spec §6.
const (
	storeFileName   = "settings.sdf"
	streamsDirName  = "Streams"
	changesFileName = "settings.changes"
)

const dirPermissions = 0o700

// Worker is the background reconciliation loop (C7) a local handle owns.
// It is defined here, not implemented here, to avoid an import cycle
// between handle and remote; the engine wires a concrete worker in after
// construction via SetWorker.
type Worker interface {
	Start()
	Stop()
}

// Handle is one open database — local or remote — plus the cached
// metadata and services the rest of the engine needs to operate on it.
type Handle struct {
	Dir          string
	StreamsDir   string
	SceDb        *sql.DB
	EndpointGuid string
	CfgAppId     uint32

	IsRemote       bool
	SyncByDefault  bool
	ChangesStampPath string

	UpdateLastModified bool
	LastModified       time.Time

	Products *product.Registry
	Values   *valuestore.Store
	Streams  *stream.Store

	lock   *reentrantLock
	logger *slog.Logger

	// AdminHandle is a slot for a machine-wide admin database handle.
	// Nothing in this module sets or reads it, and product.IsRegistered's
	// admin fallback is not connected to it.
	AdminHandle *Handle

	// OpenRemotes tracks remote handles opened for this local handle's
	// lifetime, so Uninit can close them all.
	OpenRemotes []*Handle

	// BackgroundWorker is nil until the engine calls SetWorker; local
	// handles only (spec §4.5's "launch the background worker (local
	// handles only)").
	BackgroundWorker Worker

	path string // remote handles only: filesystem path, for reopen
}

// Options configures Open.
type Options struct {
	IsRemote      bool
	SyncByDefault bool
	Admin         bool // open the reduced admin_product_index-only schema
	Logger        *slog.Logger
}

// Open bootstraps a handle rooted at dir, in the order spec §4.5 names:
// resolve directories, open or create the store file, read or generate
// the endpoint GUID, ensure the self-product exists. The background
// worker is not started here — callers wire it with SetWorker after
// construction and start it with Worker.Start.
func Open(ctx context.Context, dir string, opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("handle: creating database directory %s: %w", dir, err)
	}

	streamsDir := filepath.Join(dir, streamsDirName)

	dbPath := filepath.Join(dir, storeFileName)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, enginerr.New(enginerr.Corruption, "handle.open", fmt.Errorf("opening store file %s: %w", dbPath, err))
	}

	if err := setPragmas(ctx, db, logger); err != nil {
		db.Close()
		return nil, enginerr.New(enginerr.Corruption, "handle.open", err)
	}

	if opts.Admin {
		if err := runAdminMigrations(ctx, db, logger); err != nil {
			db.Close()
			return nil, enginerr.New(enginerr.Corruption, "handle.open", err)
		}

		return &Handle{
			Dir:    dir,
			SceDb:  db,
			logger: logger,
			lock:   newReentrantLock(),
		}, nil
	}

	if err := runStoreMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, enginerr.New(enginerr.Corruption, "handle.open", err)
	}

	streamStore, err := stream.NewStore(db, streamsDir, 0, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	guid, err := readOrCreateEndpointGUID(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	h := &Handle{
		Dir:              dir,
		StreamsDir:       streamsDir,
		SceDb:            db,
		EndpointGuid:     guid,
		IsRemote:         opts.IsRemote,
		SyncByDefault:    opts.SyncByDefault,
		ChangesStampPath: filepath.Join(dir, changesFileName),
		Products:         product.NewRegistry(db),
		Streams:          streamStore,
		Values:           valuestore.New(db, streamStore),
		lock:             newReentrantLock(),
		logger:           logger,
		path:             dir,
	}

	appID, _, err := ensureSelfProduct(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	h.CfgAppId = appID

	return h, nil
}

func ensureSelfProduct(ctx context.Context, db *sql.DB) (uint32, bool, error) {
	reg := product.NewRegistry(db)

	var appID uint32

	var isLegacy bool

	err := withTx(ctx, db, func(tx *sql.Tx) error {
		var txErr error

		appID, isLegacy, txErr = reg.EnsureCreated(ctx, tx, SelfProductName, SelfProductVersion, SelfProductPublicKey, false)

		return txErr
	})

	return appID, isLegacy, err
}

func readOrCreateEndpointGUID(ctx context.Context, db *sql.DB) (string, error) {
	var guid string

	err := db.QueryRowContext(ctx, `SELECT endpoint_guid FROM summary_data LIMIT 1`).Scan(&guid)
	if err == nil {
		return guid, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("handle: reading endpoint guid: %w", err)
	}

	guid = uuid.NewString()

	if _, err := db.ExecContext(ctx, `INSERT INTO summary_data (endpoint_guid) VALUES (?)`, guid); err != nil {
		return "", fmt.Errorf("handle: writing endpoint guid: %w", err)
	}

	return guid, nil
}

// withTx runs fn inside a transaction, rolling back on any error or panic
// and committing otherwise (spec §5's guaranteed-rollback discipline).
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("handle: beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}

		if err != nil {
			tx.Rollback()

			return
		}

		err = tx.Commit()
	}()

	err = fn(tx)

	return err
}

// WithTx exposes the same guaranteed-rollback transaction helper to
// callers outside this package (sync engine, legacy adapter) that need to
// compose multiple store operations atomically.
func (h *Handle) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return withTx(ctx, h.SceDb, fn)
}

// Lock acquires the handle's re-entrant critical section. On the
// outermost acquisition of a remote handle it reopens the store
// connection if a prior Unlock closed it (spec §4.5), and rebinds
// Products, Values and Streams to the reopened connection.
func (h *Handle) Lock(ctx context.Context) error {
	outer := h.lock.Lock()

	if outer && h.IsRemote && h.SceDb == nil {
		db, err := sql.Open("sqlite", filepath.Join(h.path, storeFileName))
		if err != nil {
			h.lock.Unlock()

			return enginerr.New(enginerr.NotConnected, "handle.lock", err)
		}

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			h.lock.Unlock()

			return enginerr.New(enginerr.NotConnected, "handle.lock", err)
		}

		streamStore, err := stream.NewStore(db, h.StreamsDir, 0, h.logger)
		if err != nil {
			db.Close()
			h.lock.Unlock()

			return err
		}

		h.SceDb = db
		h.Products = product.NewRegistry(db)
		h.Streams = streamStore
		h.Values = valuestore.New(db, streamStore)
	}

	return nil
}

// Unlock releases one level of the handle's critical section. On the
// outermost release it closes a remote handle's store connection and, if
// UpdateLastModified was set by a successful sync, refreshes LastModified
// and the on-disk change stamp (spec §4.5).
func (h *Handle) Unlock() error {
	outer := h.lock.Unlock()
	if !outer {
		return nil
	}

	if h.UpdateLastModified {
		h.LastModified = time.Now()
		h.UpdateLastModified = false

		if err := touchChangeStamp(h.ChangesStampPath); err != nil {
			return err
		}
	}

	if h.Streams != nil {
		h.Streams.DrainPendingDeletes(context.Background())
	}

	if h.IsRemote && h.SceDb != nil {
		err := h.SceDb.Close()
		h.SceDb = nil

		if err != nil {
			return fmt.Errorf("handle: closing remote store connection: %w", err)
		}
	}

	return nil
}

// LockDepth reports the current reentrancy depth, for tests and
// diagnostics.
func (h *Handle) LockDepth() int { return h.lock.Depth() }

// SetWorker attaches a background worker to a local handle. It does not
// start it; the caller calls Worker.Start() once ready (spec §4.7's
// start-gate event).
func (h *Handle) SetWorker(w Worker) { h.BackgroundWorker = w }

// Close releases every resource the handle owns: any open remotes, the
// background worker, and the store connection itself.
func (h *Handle) Close() error {
	if h.BackgroundWorker != nil {
		h.BackgroundWorker.Stop()
	}

	for _, remote := range h.OpenRemotes {
		remote.Close()
	}

	if h.SceDb == nil {
		return nil
	}

	err := h.SceDb.Close()
	h.SceDb = nil

	return err
}
