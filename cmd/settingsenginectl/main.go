// Command settingsenginectl is a CLI surface over the settings engine's
// public API (spec.md §6): product registration, value inspection,
// remote database management, and sync/conflict resolution.
package main

import (
	"errors"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errConflictsRemain) || errors.Is(err, errVerifyMismatch) {
			os.Exit(1)
		}

		exitOnError(err)
	}
}
