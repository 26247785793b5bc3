// Package settingsengine is a convenience wrapper around the engine's
// internal packages (internal/handle, internal/product, internal/
// valuestore, internal/syncengine, internal/remote), presenting the
// public API surface as one instance-owned type instead of scattering
// the handle/registry/store trio across every caller.
package settingsengine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tonimelisma/settingsengine/internal/enginerr"
	"github.com/tonimelisma/settingsengine/internal/handle"
	"github.com/tonimelisma/settingsengine/internal/legacy"
	"github.com/tonimelisma/settingsengine/internal/product"
	"github.com/tonimelisma/settingsengine/internal/remote"
	"github.com/tonimelisma/settingsengine/internal/syncengine"
	"github.com/tonimelisma/settingsengine/internal/value"
	"github.com/tonimelisma/settingsengine/pkg/filetime"
)

// Options configures Init. Dir is the on-disk home for this endpoint's
// database and blob store; Logger is threaded into every internal
// constructor (nil selects a discard logger).
type Options struct {
	Dir    string
	Logger *slog.Logger
}

// BackgroundStatusFunc receives lifecycle notifications as (kind,
// payload) — the engine-level analogue of the original
// BackgroundStatus(kind, payload) callback. The engine emits one kind,
// "remote_opened" (payload: the friendly name), from OpenRemoteDatabase;
// the background worker emits no notifications.
type BackgroundStatusFunc func(kind string, payload any)

// ConflictsFoundFunc is invoked by Engine.Sync, once per open remote
// whose pass produced conflicts, with those conflicts. Passes the
// background worker runs on its own do not invoke it.
type ConflictsFoundFunc func(remoteName string, conflicts []syncengine.ConflictProduct)

// Engine is one initialized endpoint: its local handle, remembered-remote
// registry, and background worker. The zero value is not usable; construct
// with Init.
type Engine struct {
	mu sync.Mutex

	local    *handle.Handle
	remotes  *remote.Registry
	worker   *remote.Worker
	logger   *slog.Logger
	openRmts map[string]*handle.Handle

	currentAppID uint32
	haveProduct  bool

	onStatus    BackgroundStatusFunc
	onConflicts ConflictsFoundFunc
}

// Init opens (creating if necessary) the local database at opts.Dir,
// constructs the remembered-remote registry and background worker, and
// returns a ready-to-use Engine. The background worker is NOT started;
// call StartWorker once every desired remote has been added.
func Init(ctx context.Context, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(nilWriter{}, nil))
	}

	h, err := handle.Open(ctx, opts.Dir, handle.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("settingsengine: init: %w", err)
	}

	reg := remote.NewRegistry(h.SceDb)
	worker := remote.NewWorker(h, logger)

	e := &Engine{
		local:    h,
		remotes:  reg,
		worker:   worker,
		logger:   logger,
		openRmts: make(map[string]*handle.Handle),
	}

	return e, nil
}

// Uninit stops the background worker (if started) and closes the local
// handle and every remote handle opened via OpenRemoteDatabase. It is an
// error to use the Engine after calling Uninit.
func (e *Engine) Uninit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error

	for name, rh := range e.openRmts {
		if err := rh.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("settingsengine: closing remote %q: %w", name, err)
		}
	}

	e.openRmts = map[string]*handle.Handle{}

	if err := e.local.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("settingsengine: closing local handle: %w", err)
	}

	return firstErr
}

// EndpointGUID returns this endpoint's stable identifier (spec invariant:
// stable across Uninit/Init on the same Dir).
func (e *Engine) EndpointGUID() string { return e.local.EndpointGuid }

// DB exposes the local handle's raw database connection for callers (the
// CLI's verify command) that need to run ad-hoc consistency queries the
// public API does not otherwise expose.
func (e *Engine) DB() *sql.DB { return e.local.SceDb }

// OnBackgroundStatus registers the lifecycle callback. Pass nil to
// disable.
func (e *Engine) OnBackgroundStatus(fn BackgroundStatusFunc) { e.onStatus = fn }

// OnConflictsFound registers the per-remote conflict callback. Pass nil
// to disable.
func (e *Engine) OnConflictsFound(fn ConflictsFoundFunc) { e.onConflicts = fn }

func (e *Engine) notify(kind string, payload any) {
	if e.onStatus != nil {
		e.onStatus(kind, payload)
	}
}

// StartWorker launches the background reconciliation loop. Call only
// after every remote the caller wants watched has been opened via
// OpenRemoteDatabase/OpenKnownRemoteDatabase, so the worker's first pass
// already sees the full watch set (spec.md §4.7's "start-gate" — see
// DESIGN.md).
func (e *Engine) StartWorker() {
	e.local.SetWorker(e.worker)
	e.worker.Start()
}

// StopWorker halts the background reconciliation loop and waits for it
// to drain.
func (e *Engine) StopWorker() {
	e.local.SetWorker(nil)
	e.worker.Stop()
}

// SetProduct selects the product every subsequent {Get,Set}*/DeleteValue/
// EnumerateValues call targets, registering it (as unregistered/legacy
// per allowLegacyCreate) if it does not already exist locally.
func (e *Engine) SetProduct(ctx context.Context, name, version, pubkey string, allowLegacyCreate bool) error {
	var appID uint32

	err := e.local.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		appID, _, txErr = e.local.Products.EnsureCreated(ctx, tx, name, version, pubkey, allowLegacyCreate)
		return txErr
	})
	if err != nil {
		return fmt.Errorf("settingsengine: set_product: %w", err)
	}

	e.currentAppID = appID
	e.haveProduct = true

	return nil
}

func (e *Engine) requireProduct(op string) error {
	if !e.haveProduct {
		return enginerr.New(enginerr.BadState, op, fmt.Errorf("SetProduct must be called before %s", op))
	}

	return nil
}

// GetDword, GetQword, GetBool, GetString, GetBlob read the current value
// of name under the selected product, returning enginerr.NotFound for a
// tombstone or absent key and enginerr.TypeMismatch if name holds a
// different variant.

func (e *Engine) GetDword(ctx context.Context, name string) (uint32, error) {
	v, err := e.getTyped(ctx, name, value.KindDword, "get_dword")
	if err != nil {
		return 0, err
	}

	return v.Dword, nil
}

func (e *Engine) GetQword(ctx context.Context, name string) (uint64, error) {
	v, err := e.getTyped(ctx, name, value.KindQword, "get_qword")
	if err != nil {
		return 0, err
	}

	return v.Qword, nil
}

func (e *Engine) GetBool(ctx context.Context, name string) (bool, error) {
	v, err := e.getTyped(ctx, name, value.KindBool, "get_bool")
	if err != nil {
		return false, err
	}

	return v.Bool, nil
}

func (e *Engine) GetString(ctx context.Context, name string) (string, error) {
	v, err := e.getTyped(ctx, name, value.KindString, "get_string")
	if err != nil {
		return "", err
	}

	return v.String, nil
}

func (e *Engine) GetBlob(ctx context.Context, name string) ([]byte, error) {
	v, err := e.getTyped(ctx, name, value.KindBlob, "get_blob")
	if err != nil {
		return nil, err
	}

	return v.BlobData, nil
}

func (e *Engine) getTyped(ctx context.Context, name string, want value.Kind, op string) (value.Value, error) {
	if err := e.requireProduct(op); err != nil {
		return value.Value{}, err
	}

	v, err := e.local.Values.Read(ctx, e.currentAppID, name)
	if err != nil {
		return value.Value{}, err
	}

	if v.IsTombstone() {
		return value.Value{}, enginerr.New(enginerr.NotFound, op, fmt.Errorf("%q is deleted", name))
	}

	if v.Kind != want {
		return value.Value{}, enginerr.New(enginerr.TypeMismatch, op,
			fmt.Errorf("%q holds kind %v, not %v", name, v.Kind, want))
	}

	return v, nil
}

// SetDword, SetQword, SetBool, SetString, SetBlob write a new current
// value for name under the selected product. Writing the same value
// twice is idempotent (no new history entry).

func (e *Engine) SetDword(ctx context.Context, name string, val uint32) error {
	return e.set(ctx, name, value.Dword(val, e.local.EndpointGuid, filetime.Now()), "set_dword")
}

func (e *Engine) SetQword(ctx context.Context, name string, val uint64) error {
	return e.set(ctx, name, value.Qword(val, e.local.EndpointGuid, filetime.Now()), "set_qword")
}

func (e *Engine) SetBool(ctx context.Context, name string, val bool) error {
	return e.set(ctx, name, value.Bool(val, e.local.EndpointGuid, filetime.Now()), "set_bool")
}

func (e *Engine) SetString(ctx context.Context, name, val string) error {
	return e.set(ctx, name, value.String(val, e.local.EndpointGuid, filetime.Now()), "set_string")
}

func (e *Engine) SetBlob(ctx context.Context, name string, data []byte) error {
	return e.set(ctx, name, value.Blob(data, e.local.EndpointGuid, filetime.Now()), "set_blob")
}

func (e *Engine) set(ctx context.Context, name string, v value.Value, op string) error {
	if err := e.requireProduct(op); err != nil {
		return err
	}

	return e.local.WithTx(ctx, func(tx *sql.Tx) error {
		return e.local.Values.Write(ctx, tx, e.currentAppID, name, v, true)
	})
}

// DeleteValue tombstones name under the selected product. Idempotent:
// deleting an already-deleted or absent key is not an error.
func (e *Engine) DeleteValue(ctx context.Context, name string) error {
	if err := e.requireProduct("delete_value"); err != nil {
		return err
	}

	return e.local.WithTx(ctx, func(tx *sql.Tx) error {
		return e.local.Values.Write(ctx, tx, e.currentAppID, name,
			value.Deleted(e.local.EndpointGuid, filetime.Now()), true)
	})
}

// EnumerateValues lists every current (non-tombstone decision left to the
// caller) value under the selected product.
func (e *Engine) EnumerateValues(ctx context.Context) ([]NamedValue, error) {
	if err := e.requireProduct("enumerate_values"); err != nil {
		return nil, err
	}

	rows, err := e.local.Values.EnumerateValues(ctx, e.currentAppID, nil)
	if err != nil {
		return nil, err
	}

	out := make([]NamedValue, len(rows))
	for i, r := range rows {
		out[i] = NamedValue{Name: r.Name, Value: r.Value}
	}

	return out, nil
}

// NamedValue pairs a key name with its value, re-exported from
// internal/valuestore so callers outside this module never import it
// directly.
type NamedValue struct {
	Name  string
	Value value.Value
}

// EnumeratePastValues returns the full history of name, oldest first,
// including the current value as the final element.
func (e *Engine) EnumeratePastValues(ctx context.Context, name string) ([]value.Value, error) {
	if err := e.requireProduct("enumerate_past_values"); err != nil {
		return nil, err
	}

	return e.local.Values.EnumerateHistory(ctx, e.currentAppID, name)
}

// Product mirrors internal/product.Product for external callers.
type Product = product.Product

// EnumerateProducts lists every product registered on the local handle.
func (e *Engine) EnumerateProducts(ctx context.Context) ([]Product, error) {
	return e.local.Products.Enumerate(ctx, e.local.SceDb)
}

// RegisterProduct marks (name, version, pubkey) as registered, creating
// it if it does not already exist.
func (e *Engine) RegisterProduct(ctx context.Context, name, version, pubkey string) (uint32, error) {
	var appID uint32

	err := e.local.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		appID, txErr = e.local.Products.Register(ctx, tx, name, version, pubkey, true)
		return txErr
	})

	return appID, err
}

// UnregisterProduct marks (name, version, pubkey) as unregistered without
// deleting its values (contrast with ForgetProduct).
func (e *Engine) UnregisterProduct(ctx context.Context, name, version, pubkey string) error {
	return e.local.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := e.local.Products.Register(ctx, tx, name, version, pubkey, false)
		return err
	})
}

// IsProductRegistered reports whether (name, version, pubkey) is
// currently registered.
func (e *Engine) IsProductRegistered(ctx context.Context, name, version, pubkey string) (bool, error) {
	return e.local.Products.IsRegistered(ctx, name, version, pubkey, nil)
}

// ForgetProduct deletes the product row, every value under it, and
// releases every stream referenced only by it (spec S5). If p was a
// legacy product, it also writes a tombstone under the self-product's
// legacy-manifest key so that peer databases forget the product on their
// next sync (spec §4.2).
func (e *Engine) ForgetProduct(ctx context.Context, name, version, pubkey string) error {
	p, err := e.local.Products.FindRow(ctx, e.local.SceDb, name, version, pubkey)
	if err != nil {
		return err
	}

	names, err := e.local.Values.ListNames(ctx, p.AppID)
	if err != nil {
		return err
	}

	return e.local.WithTx(ctx, func(tx *sql.Tx) error {
		for _, n := range names {
			if err := e.local.Values.Forget(ctx, tx, p.AppID, n); err != nil {
				return err
			}
		}

		if err := e.local.Products.DeleteRow(ctx, tx, p.AppID); err != nil {
			return err
		}

		if p.IsLegacy {
			manifestName := product.LegacyManifestValueName(p.Name)
			tombstone := value.Deleted(e.local.EndpointGuid, filetime.Now())

			if err := e.local.Values.Write(ctx, tx, e.local.CfgAppId, manifestName, tombstone, true); err != nil {
				return fmt.Errorf("tombstoning legacy manifest for %q: %w", p.Name, err)
			}
		}

		return nil
	})
}

// RememberRemoteDatabase stores friendlyName -> path in the remembered-
// remote registry without opening it.
func (e *Engine) RememberRemoteDatabase(ctx context.Context, friendlyName, path string, syncByDefault bool) error {
	_, err := e.remotes.Remember(ctx, friendlyName, path, syncByDefault)
	return err
}

// ForgetRemoteDatabase removes friendlyName from the remembered-remote
// registry and, if currently watched by the worker, un-watches it.
func (e *Engine) ForgetRemoteDatabase(ctx context.Context, friendlyName string) error {
	if err := e.remotes.Forget(ctx, friendlyName); err != nil {
		return err
	}

	e.worker.RemoveRemote(friendlyName)

	e.mu.Lock()
	defer e.mu.Unlock()

	if rh, ok := e.openRmts[friendlyName]; ok {
		delete(e.openRmts, friendlyName)
		return rh.Close()
	}

	return nil
}

// OpenRemoteDatabase opens (creating if necessary) a remote database at
// path, remembers it under friendlyName, and adds it to the worker's
// watch set.
func (e *Engine) OpenRemoteDatabase(ctx context.Context, friendlyName, path string, syncByDefault bool) error {
	rh, err := handle.Open(ctx, path, handle.Options{IsRemote: true, SyncByDefault: syncByDefault, Logger: e.logger})
	if err != nil {
		return fmt.Errorf("settingsengine: opening remote %q: %w", friendlyName, err)
	}

	if _, err := e.remotes.Remember(ctx, friendlyName, path, syncByDefault); err != nil {
		rh.Close()
		return err
	}

	e.mu.Lock()
	e.openRmts[friendlyName] = rh
	e.mu.Unlock()

	e.worker.AddRemote(friendlyName, rh)
	e.notify("remote_opened", friendlyName)

	return nil
}

// OpenKnownRemoteDatabase opens a previously-remembered remote by its
// friendly name, looking up its path in the registry.
func (e *Engine) OpenKnownRemoteDatabase(ctx context.Context, friendlyName string) error {
	r, err := e.remotes.FindByFriendlyName(ctx, friendlyName)
	if err != nil {
		return err
	}

	return e.OpenRemoteDatabase(ctx, friendlyName, r.Path, r.SyncByDefault)
}

// RemoteDisconnect closes the open handle for friendlyName and removes it
// from the worker's watch set, without forgetting it — a subsequent
// OpenKnownRemoteDatabase can reconnect it.
func (e *Engine) RemoteDisconnect(friendlyName string) error {
	e.worker.RemoveRemote(friendlyName)

	e.mu.Lock()
	defer e.mu.Unlock()

	rh, ok := e.openRmts[friendlyName]
	if !ok {
		return nil
	}

	delete(e.openRmts, friendlyName)

	return rh.Close()
}

// EnumDatabaseList lists every remembered remote.
func (e *Engine) EnumDatabaseList(ctx context.Context) ([]remote.Remembered, error) {
	return e.remotes.Enumerate(ctx)
}

// Sync runs one reconciliation pass against every currently-watched
// remote and returns the per-remote errors combined. The conflicts each
// remote produced are kept for PendingConflicts and also delivered
// through OnConflictsFound if registered.
func (e *Engine) Sync(ctx context.Context) error {
	err := e.worker.Sync(ctx)

	if e.onConflicts != nil {
		e.mu.Lock()
		names := make([]string, 0, len(e.openRmts))
		for name := range e.openRmts {
			names = append(names, name)
		}
		e.mu.Unlock()

		for _, name := range names {
			if conflicts := e.worker.PendingConflicts(name); len(conflicts) > 0 {
				e.onConflicts(name, conflicts)
			}
		}
	}

	return err
}

// PendingConflicts returns the conflicts from friendlyName's most recent
// sync pass.
func (e *Engine) PendingConflicts(friendlyName string) []syncengine.ConflictProduct {
	return e.worker.PendingConflicts(friendlyName)
}

// Resolve applies choices to conflict, a value previously returned via
// PendingConflicts/OnConflictsFound, against the remote identified by
// friendlyName. If conflict's product is a legacy product, manifest is
// run through the legacy adapter's write path so that filesystem/
// registry state reflects the resolution (spec §4.6/§4.8); pass an empty
// legacy.Manifest{} when the caller has no manifest for this product.
func (e *Engine) Resolve(ctx context.Context, friendlyName string, conflict syncengine.ConflictProduct, choices map[string]syncengine.Resolution, manifest legacy.Manifest) error {
	e.mu.Lock()
	rh, ok := e.openRmts[friendlyName]
	e.mu.Unlock()

	if !ok {
		return enginerr.New(enginerr.NotConnected, "resolve", fmt.Errorf("remote %q is not open", friendlyName))
	}

	return syncengine.Resolve(ctx, e.local, rh, conflict, choices, manifest)
}

// PullLegacyProduct runs one legacy-adapter Pull pass for a product whose
// manifest is provided by the caller (the engine has no built-in
// knowledge of any specific legacy product's manifest).
func (e *Engine) PullLegacyProduct(ctx context.Context, name, version, pubkey string, manifest legacy.Manifest) error {
	var appID uint32

	err := e.local.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		appID, _, txErr = e.local.Products.EnsureCreated(ctx, tx, name, version, pubkey, true)
		return txErr
	})
	if err != nil {
		return err
	}

	return legacy.New(e.local, appID).Pull(ctx, manifest)
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }
