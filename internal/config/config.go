// Package config loads the engine configuration from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/quarterlit/sitecap/internal/dayreset"
)

// Duration is a time.Duration that unmarshals from strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// ResetTime wraps dayreset.ResetTime for "HH:MM" TOML values. Presence is
// tracked explicitly so a configured "00:00" is not mistaken for an unset
// field and replaced by the default.
type ResetTime struct {
	dayreset.ResetTime
	set bool
}

func (rt *ResetTime) UnmarshalText(text []byte) error {
	v, err := dayreset.Parse(string(text))
	if err != nil {
		return err
	}
	rt.ResetTime = v
	rt.set = true
	return nil
}

// Config is the engine configuration.
type Config struct {
	DataDir      string    `toml:"data_dir"`
	RulesFile    string    `toml:"rules_file"`
	ResetTime    ResetTime `toml:"reset_time"`
	TickInterval Duration  `toml:"tick_interval"`
	SyncInterval Duration  `toml:"sync_interval"`
	SyncEndpoint string    `toml:"sync_endpoint"`
	UserID       string    `toml:"user_id"`
	// BrowserPID is the host browser process to watch; 0 disables the
	// liveness probe.
	BrowserPID int `toml:"browser_pid"`
	// ScreenLockEvents enables the D-Bus screensaver watch that maps lock
	// and unlock to window focus events.
	ScreenLockEvents bool `toml:"screenlock_events"`
	Debug            bool `toml:"debug"`
}

// Load reads and validates a config file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.SetDefault()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefault fills unset fields with production defaults.
func (c *Config) SetDefault() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.DataDir = filepath.Join(home, ".local", "share", "sitecap")
	}
	if c.RulesFile == "" {
		c.RulesFile = filepath.Join(c.DataDir, "rules.json")
	}
	if !c.ResetTime.set {
		c.ResetTime = ResetTime{ResetTime: dayreset.Default}
	}
	if c.TickInterval <= 0 {
		c.TickInterval = Duration(time.Second)
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = Duration(30 * time.Second)
	}
	if c.UserID == "" {
		c.UserID = "local"
	}
}

// Validate enforces cross-field constraints.
func (c *Config) Validate() error {
	// Syncing is amortized over many ticks; a sync interval at or under
	// the tick interval defeats that.
	if c.SyncInterval <= c.TickInterval {
		return fmt.Errorf("sync_interval (%s) must be greater than tick_interval (%s)",
			time.Duration(c.SyncInterval), time.Duration(c.TickInterval))
	}
	return nil
}
