package engineconfig

import (
	"os"
	"path/filepath"
)

// appName is the directory name used under the platform config directory.
const appName = "settingsengine"

// configFileName is the default config file's base name.
const configFileName = "config.toml"

// DefaultConfigDir returns the platform-specific directory for the engine's
// config file, via os.UserConfigDir (XDG_CONFIG_HOME on Linux, Application
// Support on macOS, %AppData% on Windows).
func DefaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}

	return filepath.Join(dir, appName)
}

// DefaultConfigPath returns the full path to the default engine config file.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}
