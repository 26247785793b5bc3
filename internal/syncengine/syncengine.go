// Package syncengine implements cross-database history reconciliation and
// conflict detection (C6): given two database handles, it brings every
// product's values to a common point through history subsumption, falling
// back to a conflict report for keys that genuinely diverged.
package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tonimelisma/settingsengine/internal/enginerr"
	"github.com/tonimelisma/settingsengine/internal/handle"
	"github.com/tonimelisma/settingsengine/internal/product"
	"github.com/tonimelisma/settingsengine/internal/value"
	"github.com/tonimelisma/settingsengine/pkg/filetime"
)

// freshTimestampBump is the amount a transferred head value's When is
// advanced by when it would otherwise fall behind the target's current
// value (spec §4.6).
const freshTimestampBump = 5 * time.Second

// ConflictValue is one key whose two sides diverged and neither subsumes
// the other; the histories are trimmed to the point of divergence.
type ConflictValue struct {
	Name          string
	LocalHistory  []value.Value
	RemoteHistory []value.Value
}

// ConflictProduct groups conflicted keys under the product they belong to.
type ConflictProduct struct {
	Name      string
	Version   string
	PublicKey string
	Values    []ConflictValue
}

type productIdentity struct {
	name, version, pubkey string
}

// Sync reconciles every product in local and remote, locking local first
// and remote second per spec §4.5's cross-handle convention, and releasing
// in the reverse order. It returns the conflicts that require user
// resolution; a nil slice means full convergence.
func Sync(ctx context.Context, local, remote *handle.Handle) ([]ConflictProduct, error) {
	if err := local.Lock(ctx); err != nil {
		return nil, err
	}
	defer local.Unlock()

	if err := remote.Lock(ctx); err != nil {
		return nil, err
	}
	defer remote.Unlock()

	conflicts, err := syncAllProducts(ctx, local, remote)
	if err != nil {
		return nil, err
	}

	local.UpdateLastModified = true
	remote.UpdateLastModified = true

	return conflicts, nil
}

func syncAllProducts(ctx context.Context, local, remote *handle.Handle) ([]ConflictProduct, error) {
	localProducts, err := local.Products.Enumerate(ctx, local.SceDb)
	if err != nil {
		return nil, err
	}

	remoteProducts, err := remote.Products.Enumerate(ctx, remote.SceDb)
	if err != nil {
		return nil, err
	}

	localByIdentity := make(map[productIdentity]product.Product, len(localProducts))
	for _, p := range localProducts {
		localByIdentity[productIdentity{p.Name, p.Version, p.PublicKey}] = p
	}

	remoteByIdentity := make(map[productIdentity]product.Product, len(remoteProducts))
	for _, p := range remoteProducts {
		remoteByIdentity[productIdentity{p.Name, p.Version, p.PublicKey}] = p
	}

	union := make(map[productIdentity]struct{}, len(localByIdentity)+len(remoteByIdentity))
	for id := range localByIdentity {
		union[id] = struct{}{}
	}

	for id := range remoteByIdentity {
		union[id] = struct{}{}
	}

	var conflicts []ConflictProduct

	for id := range union {
		pLocal, hasLocal := localByIdentity[id]
		pRemote, hasRemote := remoteByIdentity[id]

		appIDLocal, appIDRemote, err := ensureBothSides(ctx, local, remote, id, pLocal, hasLocal, pRemote, hasRemote)
		if err != nil {
			return nil, err
		}

		if appIDLocal == 0 || appIDRemote == 0 {
			// Neither side is authoritative enough to create the product
			// on the other (spec §4.6 step 1): nothing to reconcile yet.
			continue
		}

		values, err := reconcileProduct(ctx, local, appIDLocal, remote, appIDRemote)
		if err != nil {
			return nil, err
		}

		if len(values) > 0 {
			conflicts = append(conflicts, ConflictProduct{Name: id.name, Version: id.version, PublicKey: id.pubkey, Values: values})
		}
	}

	return conflicts, nil
}

// ensureBothSides runs product.set_current on both handles: a product
// present on only one side is created on the other only when it is
// registered there, or is a legacy product (assumed to carry a manifest,
// per the legacy adapter's contract) — never for an arbitrary unregistered
// product (spec §4.6 step 1).
func ensureBothSides(ctx context.Context, local, remote *handle.Handle, id productIdentity, pLocal product.Product, hasLocal bool, pRemote product.Product, hasRemote bool) (uint32, uint32, error) {
	if hasLocal && hasRemote {
		return pLocal.AppID, pRemote.AppID, nil
	}

	if hasLocal && !hasRemote {
		if !pLocal.Registered && !pLocal.IsLegacy {
			return pLocal.AppID, 0, nil
		}

		var appID uint32

		err := remote.WithTx(ctx, func(tx *sql.Tx) error {
			var txErr error
			appID, _, txErr = remote.Products.EnsureCreated(ctx, tx, id.name, id.version, id.pubkey, pLocal.IsLegacy)

			return txErr
		})
		if err != nil {
			return 0, 0, fmt.Errorf("syncengine: creating product on remote: %w", err)
		}

		return pLocal.AppID, appID, nil
	}

	// !hasLocal && hasRemote
	if !pRemote.Registered && !pRemote.IsLegacy {
		return 0, pRemote.AppID, nil
	}

	var appID uint32

	err := local.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		appID, _, txErr = local.Products.EnsureCreated(ctx, tx, id.name, id.version, id.pubkey, pRemote.IsLegacy)

		return txErr
	})
	if err != nil {
		return 0, 0, fmt.Errorf("syncengine: creating product on local: %w", err)
	}

	return appID, pRemote.AppID, nil
}

func reconcileProduct(ctx context.Context, local *handle.Handle, appIDLocal uint32, remote *handle.Handle, appIDRemote uint32) ([]ConflictValue, error) {
	names, err := unionNames(ctx, local, appIDLocal, remote, appIDRemote)
	if err != nil {
		return nil, err
	}

	var conflicts []ConflictValue

	for _, name := range names {
		cv, err := reconcileKey(ctx, local, appIDLocal, remote, appIDRemote, name)
		if err != nil {
			return nil, err
		}

		if cv != nil {
			conflicts = append(conflicts, *cv)
		}
	}

	return conflicts, nil
}

func unionNames(ctx context.Context, local *handle.Handle, appIDLocal uint32, remote *handle.Handle, appIDRemote uint32) ([]string, error) {
	localNames, err := local.Values.ListNames(ctx, appIDLocal)
	if err != nil {
		return nil, err
	}

	remoteNames, err := remote.Values.ListNames(ctx, appIDRemote)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(localNames)+len(remoteNames))

	var out []string

	for _, n := range localNames {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}

	for _, n := range remoteNames {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}

	return out, nil
}

// reconcileKey reconciles one (appIDLocal, appIDRemote, name) triple per
// spec §4.6 step 3, returning a non-nil ConflictValue only if the two
// sides genuinely diverged.
func reconcileKey(ctx context.Context, local *handle.Handle, appIDLocal uint32, remote *handle.Handle, appIDRemote uint32, name string) (*ConflictValue, error) {
	localHistory, err := local.Values.EnumerateHistory(ctx, appIDLocal, name)
	if err != nil {
		return nil, err
	}

	remoteHistory, err := remote.Values.EnumerateHistory(ctx, appIDRemote, name)
	if err != nil {
		return nil, err
	}

	if len(remoteHistory) == 0 && len(localHistory) > 0 {
		return nil, transferHistory(ctx, remote, appIDRemote, name, localHistory)
	}

	if len(localHistory) == 0 && len(remoteHistory) > 0 {
		return nil, transferHistory(ctx, local, appIDLocal, name, remoteHistory)
	}

	if len(localHistory) == 0 && len(remoteHistory) == 0 {
		return nil, nil
	}

	currentLocal := localHistory[len(localHistory)-1]
	currentRemote := remoteHistory[len(remoteHistory)-1]

	if value.Compare(currentLocal, currentRemote, false) {
		return nil, nil
	}

	if idx, ok := subsumptionPoint(remoteHistory, localHistory); ok {
		return nil, transferHistory(ctx, remote, appIDRemote, name, localHistory[idx+1:])
	}

	if idx, ok := subsumptionPoint(localHistory, remoteHistory); ok {
		return nil, transferHistory(ctx, local, appIDLocal, name, remoteHistory[idx+1:])
	}

	p := commonPrefixLen(localHistory, remoteHistory)

	return &ConflictValue{
		Name:          name,
		LocalHistory:  localHistory[p:],
		RemoteHistory: remoteHistory[p:],
	}, nil
}

// subsumptionPoint reports whether target is subsumed by source: target's
// last entry appears somewhere in source's history, matching by (type,
// payload, when, by). If target's last two entries are identical except
// for by (duplicate writes from different endpoints), the check retries
// against the preceding entry, bounded by target's length (spec §4.6).
func subsumptionPoint(target, source []value.Value) (int, bool) {
	last := len(target) - 1

	for last >= 0 {
		for i := len(source) - 1; i >= 0; i-- {
			if value.Compare(target[last], source[i], false) {
				return i, true
			}
		}

		if last == 0 {
			break
		}

		if !duplicateModuloBy(target[last], target[last-1]) {
			break
		}

		last--
	}

	return 0, false
}

// duplicateModuloBy reports whether a and b are the same value and
// timestamp written by two different endpoints.
func duplicateModuloBy(a, b value.Value) bool {
	return value.Compare(a, b, true) && a.When.Compare(b.When) == 0 && a.By != b.By
}

// commonPrefixLen returns the length of the longest prefix where a and b
// agree structurally and on metadata, used to trim a conflict report to
// the post-divergence-point histories (spec §4.6, grounded on the
// original engine's ConflictGetList).
func commonPrefixLen(a, b []value.Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	i := 0
	for i < n && value.Compare(a[i], b[i], false) {
		i++
	}

	return i
}

// transferHistory writes entries (oldest first) into target under
// (appID, name), applying the fresh-timestamp rule (spec §4.6): an entry
// that would fall behind target's current When is skipped unless it is
// the last entry in the batch, in which case its When is bumped by
// freshTimestampBump past the later of the two current timestamps so it
// becomes the new head.
func transferHistory(ctx context.Context, target *handle.Handle, appID uint32, name string, entries []value.Value) error {
	if len(entries) == 0 {
		return nil
	}

	headWhen, hasCurrent, err := currentWhen(ctx, target, appID, name)
	if err != nil {
		return err
	}

	return target.WithTx(ctx, func(tx *sql.Tx) error {
		for i, e := range entries {
			isLast := i == len(entries)-1

			if hasCurrent && e.When.Compare(headWhen) < 0 {
				if !isLast {
					continue
				}

				bumped := headWhen
				if e.When.Compare(bumped) > 0 {
					bumped = e.When
				}

				e.When = bumped.Add(freshTimestampBump)
			}

			if err := target.Values.Write(ctx, tx, appID, name, e, true); err != nil {
				return fmt.Errorf("syncengine: transferring %q: %w", name, err)
			}

			headWhen = e.When
			hasCurrent = true
		}

		return nil
	})
}

func currentWhen(ctx context.Context, h *handle.Handle, appID uint32, name string) (filetime.Ticks, bool, error) {
	row, err := h.Values.FindRow(ctx, appID, name)
	if err != nil {
		if kind, ok := enginerr.Of(err); ok && kind == enginerr.NotFound {
			return 0, false, nil
		}

		return 0, false, err
	}

	return row.When, true, nil
}
