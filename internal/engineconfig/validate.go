package engineconfig

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks a fully-defaulted Config for internal consistency,
// accumulating every violation it finds (rather than failing on the
// first) so a user fixing their config file sees every problem at once.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateStore(cfg.Store)...)
	errs = append(errs, validateWorker(cfg.Worker)...)
	errs = append(errs, validateSync(cfg.Sync)...)
	errs = append(errs, validateLogging(cfg.Logging)...)

	return errors.Join(errs...)
}

func validateStore(s StoreConfig) []error {
	var errs []error

	if s.StreamCodecThreshold < 0 {
		errs = append(errs, fmt.Errorf("store.stream_codec_threshold must be >= 0, got %d", s.StreamCodecThreshold))
	}

	switch s.StreamCodec {
	case "none", "cab":
	default:
		errs = append(errs, fmt.Errorf("store.stream_codec must be \"none\" or \"cab\", got %q", s.StreamCodec))
	}

	return errs
}

func validateWorker(w WorkerConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("worker.poll_interval", w.PollInterval, time.Second)...)
	errs = append(errs, validateDurationMin("worker.change_debounce", w.ChangeDebounce, 0)...)
	errs = append(errs, validateDurationMin("worker.retry_initial_backoff", w.RetryInitialBackoff, time.Millisecond)...)
	errs = append(errs, validateDurationMin("worker.retry_max_backoff", w.RetryMaxBackoff, time.Millisecond)...)

	initial, iErr := time.ParseDuration(w.RetryInitialBackoff)
	max, mErr := time.ParseDuration(w.RetryMaxBackoff)
	if iErr == nil && mErr == nil && initial > max {
		errs = append(errs, fmt.Errorf("worker.retry_initial_backoff (%s) must not exceed worker.retry_max_backoff (%s)", w.RetryInitialBackoff, w.RetryMaxBackoff))
	}

	return errs
}

func validateSync(s SyncConfig) []error {
	switch s.ConflictAutoResolve {
	case "none", "local", "remote":
		return nil
	default:
		return []error{fmt.Errorf("sync.conflict_auto_resolve must be \"none\", \"local\", or \"remote\", got %q", s.ConflictAutoResolve)}
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validLogFormats = map[string]bool{"text": true, "json": true}

func validateLogging(l LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level must be one of debug/info/warn/error, got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format must be \"text\" or \"json\", got %q", l.LogFormat))
	}

	return errs
}

// validateDurationMin parses field as a time.Duration and requires it to be
// at least min. A parse failure and a too-small value are both reported.
func validateDurationMin(field, value string, min time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < min {
		return []error{fmt.Errorf("%s must be >= %s, got %s", field, min, d)}
	}

	return nil
}
