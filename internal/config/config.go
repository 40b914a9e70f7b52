package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TokenEnv overrides the Discord token from the config file.
const TokenEnv = "CHANMIRROR_DISCORD_TOKEN"

// Duration is a time.Duration written as a string such as "30m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chanmirror/config.toml.
type Config struct {
	DefaultInstance string        `toml:"default_instance"`
	Store           StoreConfig   `toml:"store"`
	Discord         DiscordConfig `toml:"discord"`
	Sync            SyncConfig    `toml:"sync"`
}

type StoreConfig struct {
	// Backend is "sqlite" or "file".
	Backend string `toml:"backend"`
}

type DiscordConfig struct {
	Token      string `toml:"token"`
	APIBase    string `toml:"api_base"`
	GatewayURL string `toml:"gateway_url"`
	Intents    int    `toml:"intents"`
	// Live disables the gateway when false; channels are then only synced
	// by passes.
	Live bool `toml:"live"`
}

type SyncConfig struct {
	Channels           []string `toml:"channels"`
	SweepInterval      Duration `toml:"sweep_interval"`
	SweepParallelism   int      `toml:"sweep_parallelism"`
	RecentGapWindow    Duration `toml:"recent_gap_window"`
	FreshnessThreshold Duration `toml:"freshness_threshold"`
	CatchupOverlap     Duration `toml:"catchup_overlap"`
	DefaultOverlap     Duration `toml:"default_overlap"`
	FetchTimeout       Duration `toml:"fetch_timeout"`
	MaxRetries         int      `toml:"max_retries"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Backend: "sqlite"},
		Discord: DiscordConfig{
			APIBase:    "https://discord.com/api/v10",
			GatewayURL: "wss://gateway.discord.gg/?v=10&encoding=json",
			Intents:    46593,
			Live:       true,
		},
		Sync: SyncConfig{
			SweepInterval:      Duration{30 * time.Minute},
			SweepParallelism:   4,
			RecentGapWindow:    Duration{24 * time.Hour},
			FreshnessThreshold: Duration{5 * time.Minute},
			CatchupOverlap:     Duration{5 * time.Minute},
			DefaultOverlap:     Duration{180 * time.Minute},
			FetchTimeout:       Duration{30 * time.Second},
			MaxRetries:         5,
		},
	}
}

// Load reads config from the given path over the defaults. Returns error if
// the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		cfg.applyEnv()
		return cfg, nil
	}
	return cfg, err
}

func (c *Config) applyEnv() {
	if tok := os.Getenv(TokenEnv); tok != "" {
		c.Discord.Token = tok
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "sqlite", "file":
	default:
		errs = append(errs, fmt.Errorf("store.backend must be sqlite or file, got %q", c.Store.Backend))
	}
	durations := map[string]Duration{
		"sync.sweep_interval":      c.Sync.SweepInterval,
		"sync.recent_gap_window":   c.Sync.RecentGapWindow,
		"sync.freshness_threshold": c.Sync.FreshnessThreshold,
		"sync.fetch_timeout":       c.Sync.FetchTimeout,
	}
	for _, key := range slices.Sorted(maps.Keys(durations)) {
		if durations[key].Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Sync.CatchupOverlap.Duration < 0 || c.Sync.DefaultOverlap.Duration < 0 {
		errs = append(errs, errors.New("sync overlaps must not be negative"))
	}
	if c.Sync.SweepParallelism < 1 {
		errs = append(errs, errors.New("sync.sweep_parallelism must be at least 1"))
	}
	if c.Sync.MaxRetries < 0 {
		errs = append(errs, errors.New("sync.max_retries must not be negative"))
	}
	seen := map[string]bool{}
	for _, id := range c.Sync.Channels {
		if id == "" || seen[id] {
			errs = append(errs, fmt.Errorf("sync.channels: empty or duplicate id %q", id))
		}
		seen[id] = true
	}
	return errors.Join(errs...)
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
