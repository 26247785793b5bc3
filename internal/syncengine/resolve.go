package syncengine

import (
	"context"
	"fmt"

	"github.com/tonimelisma/settingsengine/internal/handle"
	"github.com/tonimelisma/settingsengine/internal/legacy"
)

// Resolution is the client's choice for one conflicted key (spec §4.6).
type Resolution int

const (
	// Skip leaves both sides as they are.
	Skip Resolution = iota
	// Local transfers the local side's history into remote.
	Local
	// Remote transfers the remote side's history into local.
	Remote
)

// Resolve applies the client's per-key choices for one conflicted
// product, transferring the chosen side's history into the other side in
// chronological order and honoring the fresh-timestamp rule, exactly as a
// subsumption-driven transfer would (spec §4.6's "Conflict resolution").
// If the conflicted product is a legacy product, manifest is also run
// through the legacy adapter's write path against local, so that
// filesystem/registry state reflects the resolution (spec §4.6/§4.8); an
// empty manifest is a harmless no-op for callers with no manifest to
// hand.
func Resolve(ctx context.Context, local, remote *handle.Handle, conflict ConflictProduct, choices map[string]Resolution, manifest legacy.Manifest) error {
	if err := local.Lock(ctx); err != nil {
		return err
	}
	defer local.Unlock()

	if err := remote.Lock(ctx); err != nil {
		return err
	}
	defer remote.Unlock()

	localProduct, err := local.Products.FindRow(ctx, local.SceDb, conflict.Name, conflict.Version, conflict.PublicKey)
	if err != nil {
		return fmt.Errorf("syncengine: resolving: local product lookup: %w", err)
	}

	remoteProduct, err := remote.Products.FindRow(ctx, remote.SceDb, conflict.Name, conflict.Version, conflict.PublicKey)
	if err != nil {
		return fmt.Errorf("syncengine: resolving: remote product lookup: %w", err)
	}

	for _, cv := range conflict.Values {
		switch choices[cv.Name] {
		case Local:
			if err := transferHistory(ctx, remote, remoteProduct.AppID, cv.Name, cv.LocalHistory); err != nil {
				return err
			}
		case Remote:
			if err := transferHistory(ctx, local, localProduct.AppID, cv.Name, cv.RemoteHistory); err != nil {
				return err
			}
		case Skip:
			// leave both sides as-is
		}
	}

	local.UpdateLastModified = true
	remote.UpdateLastModified = true

	if localProduct.IsLegacy {
		adapter := legacy.New(local, localProduct.AppID)
		if err := adapter.Push(ctx, manifest); err != nil {
			return fmt.Errorf("syncengine: resolving: legacy push: %w", err)
		}
	}

	return nil
}
