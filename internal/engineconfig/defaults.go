package engineconfig

// Default values for configuration options, chosen to work for most
// deployments without requiring a config file at all.
const (
	defaultStreamCodecThreshold = 4096
	defaultStreamCodec          = "cab"

	defaultPollInterval        = "30s"
	defaultChangeDebounce      = "250ms"
	defaultRetryInitialBackoff = "1s"
	defaultRetryMaxBackoff     = "30s"

	defaultConflictAutoResolve = "none"

	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// DefaultConfig returns a Config populated with all default values. This is
// the starting point for TOML decoding, so unset fields in a partial config
// file retain their defaults, and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			StreamCodecThreshold: defaultStreamCodecThreshold,
			StreamCodec:          defaultStreamCodec,
		},
		Worker: WorkerConfig{
			PollInterval:        defaultPollInterval,
			ChangeDebounce:      defaultChangeDebounce,
			RetryInitialBackoff: defaultRetryInitialBackoff,
			RetryMaxBackoff:     defaultRetryMaxBackoff,
		},
		Sync: SyncConfig{
			ConflictAutoResolve: defaultConflictAutoResolve,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
