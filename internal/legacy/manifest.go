// Package legacy implements the legacy-product adapter (spec §4.8): the
// external collaborator that projects registry keys, files, and INI
// entries onto the same value model every other product uses, so a
// pre-existing application's on-disk state can participate in sync
// without being rewritten to call the engine directly.
package legacy

import "context"

// Source is one piece of external state a manifest entry reads from and
// writes back to — a registry value, a whole file, or one INI key,
// depending on the concrete implementation wired into a ManifestEntry.
type Source interface {
	// Read observes the current external value. ok is false if the
	// backing key/file/entry does not currently exist.
	Read(ctx context.Context) (data []byte, ok bool, err error)
	// Write persists data back to the external location.
	Write(ctx context.Context, data []byte) error
}

// ManifestEntry binds one value name to the external Source that backs
// it (spec §4.8: "reads the product's manifest (registry keys, files, INI
// files) and writes each observed datum as a value").
type ManifestEntry struct {
	Name   string
	Source Source
}

// Manifest is the full set of external data points one legacy product
// projects into the value store.
type Manifest struct {
	Entries []ManifestEntry
}
