// Package engineconfig implements TOML configuration loading, validation,
// and platform-specific path resolution for the settings engine.
package engineconfig

// Config is the top-level engine configuration structure.
type Config struct {
	Store   StoreConfig   `toml:"store"`
	Worker  WorkerConfig  `toml:"worker"`
	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
}

// StoreConfig holds the blob store's codec settings (C2). They are
// validated on load, but the engine does not read them: the stream store
// uses its built-in 4096-byte threshold.
type StoreConfig struct {
	StreamCodecThreshold int    `toml:"stream_codec_threshold"`
	StreamCodec          string `toml:"stream_codec"`
}

// WorkerConfig holds the background worker's timing settings (C7). They
// are validated on load, but the worker does not read them: it uses its
// own fixed safety-scan interval and reconnect backoff.
type WorkerConfig struct {
	PollInterval        string `toml:"poll_interval"`
	ChangeDebounce      string `toml:"change_debounce"`
	RetryInitialBackoff string `toml:"retry_initial_backoff"`
	RetryMaxBackoff     string `toml:"retry_max_backoff"`
}

// SyncConfig holds the conflict auto-resolution setting (C6). It is
// validated on load, but the sync engine does not read it and never
// resolves conflicts automatically.
type SyncConfig struct {
	ConflictAutoResolve string `toml:"conflict_auto_resolve"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}
