package legacy

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tonimelisma/settingsengine/internal/enginerr"
	"github.com/tonimelisma/settingsengine/internal/handle"
	"github.com/tonimelisma/settingsengine/internal/value"
	"github.com/tonimelisma/settingsengine/pkg/filetime"
)

// Adapter bridges one legacy product's external state (registry/file/INI)
// to the value store. Its contract with the core is narrow (spec §4.8):
// it calls Values.Write, Values.Read, Streams.Read (via Values.Read's lazy
// blob load), and Values.ListNames — it never touches history directly.
type Adapter struct {
	h     *handle.Handle
	appID uint32
}

// New constructs an Adapter for the legacy product identified by appID on
// h (typically obtained from product.Registry.EnsureCreated with
// allowLegacyCreate=true).
func New(h *handle.Handle, appID uint32) *Adapter {
	return &Adapter{h: h, appID: appID}
}

// Pull reads every entry in manifest, writing each observed datum as a
// value, and tombstones any manifest-known name that no longer resolves
// (the per-session `values_seen` pattern of the original detect.cpp:
// everything the manifest still produces is "seen"; everything it no
// longer produces is deleted).
func (a *Adapter) Pull(ctx context.Context, manifest Manifest) error {
	seen := make(map[string]bool, len(manifest.Entries))

	for _, entry := range manifest.Entries {
		data, ok, err := entry.Source.Read(ctx)
		if err != nil {
			return fmt.Errorf("legacy: pulling %q: %w", entry.Name, err)
		}

		if !ok {
			continue
		}

		seen[entry.Name] = true

		if err := a.writeIfChanged(ctx, entry.Name, value.String(string(data), a.h.EndpointGuid, filetime.Now())); err != nil {
			return fmt.Errorf("legacy: writing %q: %w", entry.Name, err)
		}
	}

	for _, entry := range manifest.Entries {
		if seen[entry.Name] {
			continue
		}

		if err := a.tombstoneIfPresent(ctx, entry.Name); err != nil {
			return fmt.Errorf("legacy: tombstoning %q: %w", entry.Name, err)
		}
	}

	return nil
}

// writeIfChanged skips the write entirely when the stored value already
// matches, avoiding a spurious history entry on every pull of unchanged
// external state.
func (a *Adapter) writeIfChanged(ctx context.Context, name string, v value.Value) error {
	current, err := a.h.Values.Read(ctx, a.appID, name)
	if err == nil && value.Compare(current, v, true) {
		return nil
	}

	if err != nil && !isNotFound(err) {
		return err
	}

	return a.h.WithTx(ctx, func(tx *sql.Tx) error {
		return a.h.Values.Write(ctx, tx, a.appID, name, v, true)
	})
}

func (a *Adapter) tombstoneIfPresent(ctx context.Context, name string) error {
	_, err := a.h.Values.Read(ctx, a.appID, name)
	if isNotFound(err) {
		return nil
	}

	if err != nil {
		return err
	}

	return a.h.WithTx(ctx, func(tx *sql.Tx) error {
		return a.h.Values.Write(ctx, tx, a.appID, name, value.Deleted(a.h.EndpointGuid, filetime.Now()), true)
	})
}

// Push routes every non-tombstone value tagged with this legacy product's
// AppId to its manifest entry's Source writer (spec §4.8's "consumes each
// value ... and routes it to the matching registry writer or file
// writer"). Names in the store with no matching manifest entry are left
// untouched — they belong to an entry manifest revision this adapter
// instance does not know about.
func (a *Adapter) Push(ctx context.Context, manifest Manifest) error {
	byName := make(map[string]Source, len(manifest.Entries))
	for _, e := range manifest.Entries {
		byName[e.Name] = e.Source
	}

	names, err := a.h.Values.ListNames(ctx, a.appID)
	if err != nil {
		return fmt.Errorf("legacy: listing values: %w", err)
	}

	for _, name := range names {
		src, ok := byName[name]
		if !ok {
			continue
		}

		v, err := a.h.Values.Read(ctx, a.appID, name)
		if err != nil {
			return fmt.Errorf("legacy: reading %q: %w", name, err)
		}

		if v.IsTombstone() {
			continue
		}

		if err := src.Write(ctx, []byte(v.String)); err != nil {
			return fmt.Errorf("legacy: pushing %q: %w", name, err)
		}
	}

	return nil
}

func isNotFound(err error) bool {
	kind, ok := enginerr.Of(err)
	return ok && kind == enginerr.NotFound
}
