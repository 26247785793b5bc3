package main

import (
	"os"
	"path/filepath"
)

const appDirName = "settingsengine"

// defaultDataDir returns the directory the engine's local database and
// blob store live in when --dir is not given. The engine's config and
// data directories are not required to match (engineconfig.DefaultConfigDir
// resolves config.toml's location separately), but colocating them under
// the user's config root keeps a single place to look during development.
func defaultDataDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, appDirName, "data"), nil
}
