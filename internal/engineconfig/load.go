package engineconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Decoding starts from DefaultConfig so any section or
// field the file omits keeps its default.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading engine config file", "path", path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading engine config file %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing engine config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("engine config file %s: unknown key %q", path, undecoded[0].String())
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("engine config validation failed: %w", err)
	}

	logger.Debug("engine config file parsed successfully", "path", path)

	return cfg, nil
}

// LoadOrDefault reads path if it exists, otherwise returns DefaultConfig.
// This supports the zero-config case: the engine runs with sane defaults
// until an operator drops a config file in place.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("engine config file not found, using defaults", "path", path)

		return DefaultConfig(), nil
	}

	return Load(path, logger)
}
