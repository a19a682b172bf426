// Package config loads the parleyd server configuration from a TOML file,
// filling in defaults for anything the file leaves unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Multi-session policies for a username that is already online.
const (
	MultiSessionAllow  = "allow"
	MultiSessionReject = "reject"
)

// Duration wraps time.Duration so TOML values can be written as "24h", "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds the parleyd runtime settings.
type Config struct {
	ListenAddr       string   `toml:"listen_addr"`
	DataDir          string   `toml:"data_dir"`
	HistoryLimit     int      `toml:"history_limit"`
	MaxMessageLen    int      `toml:"max_message_len"`
	TypingPreviewLen int      `toml:"typing_preview_len"`
	Retention        Duration `toml:"retention"`
	RetentionSweep   Duration `toml:"retention_sweep"`
	CallRingTimeout  Duration `toml:"call_ring_timeout"`
	MultiSession     string   `toml:"multi_session"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		ListenAddr:       ":3001",
		DataDir:          defaultDataDir(),
		HistoryLimit:     100,
		MaxMessageLen:    500,
		TypingPreviewLen: 50,
		Retention:        Duration{24 * time.Hour},
		RetentionSweep:   Duration{time.Hour},
		CallRingTimeout:  Duration{30 * time.Second},
		MultiSession:     MultiSessionAllow,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley"
	}
	return filepath.Join(home, ".parley")
}

// Load reads config from path on top of defaults. A missing file is not an
// error: the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

// Validate checks field values that cannot be repaired by defaulting.
func (c *Config) Validate() error {
	switch c.MultiSession {
	case MultiSessionAllow, MultiSessionReject:
	default:
		return fmt.Errorf("invalid multi_session %q: must be %q or %q", c.MultiSession, MultiSessionAllow, MultiSessionReject)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive, got %d", c.HistoryLimit)
	}
	if c.MaxMessageLen <= 0 {
		return fmt.Errorf("max_message_len must be positive, got %d", c.MaxMessageLen)
	}
	if c.TypingPreviewLen <= 0 {
		return fmt.Errorf("typing_preview_len must be positive, got %d", c.TypingPreviewLen)
	}
	return nil
}

// DBPath returns the SQLite database location under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "parley.db")
}

// LogPath returns the daemon log file location under the data dir.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "parleyd.log")
}
