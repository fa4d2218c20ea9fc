package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written as "1s" / "100ms" in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the coordinator tunables persisted in config.toml.
type Config struct {
	// StorageDir is the directory holding the state database, the log file
	// and the single-instance lock.
	StorageDir string `toml:"storage_dir"`

	// UserID and UserName identify the local user on optimistic cache
	// entries and reaction toggles.
	UserID   string `toml:"user_id"`
	UserName string `toml:"user_name"`

	MaxQueueSize int `toml:"max_queue_size"`
	MaxCacheSize int `toml:"max_cache_size"`

	MaxRetries     int      `toml:"max_retries"`
	RetryBaseDelay Duration `toml:"retry_base_delay"`
	RetryMaxDelay  Duration `toml:"retry_max_delay"`
	RetryJitter    bool     `toml:"retry_jitter"`

	// DrainGap is the pause inserted between consecutive sends of the same
	// chat while draining.
	DrainGap Duration `toml:"drain_gap"`

	// PersistDebounce coalesces write-through saves.
	PersistDebounce Duration `toml:"persist_debounce"`

	// TypingTTL clears a typing indicator that never received a stop event.
	TypingTTL Duration `toml:"typing_ttl"`

	// QuotaBytes caps the total size of persisted state. Zero means the
	// backing store's own limit applies.
	QuotaBytes int64 `toml:"quota_bytes"`
}

// Default returns the coordinator defaults.
func Default() Config {
	return Config{
		MaxQueueSize:    100,
		MaxCacheSize:    1000,
		MaxRetries:      3,
		RetryBaseDelay:  Duration(time.Second),
		RetryMaxDelay:   Duration(30 * time.Second),
		RetryJitter:     true,
		DrainGap:        Duration(100 * time.Millisecond),
		PersistDebounce: Duration(100 * time.Millisecond),
		TypingTTL:       Duration(4 * time.Second),
	}
}

// Load reads config from the given path, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
