// Package config loads process-level configuration from the environment.
//
// Only process knobs live here: state directories, the listen address, and
// service limits. Runtime settings that users edit through the API (schedule,
// selected sources, timeouts) are persisted in the store and default via
// store.Defaults, which derives the directory defaults from this package.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the epg-merge process configuration.
// Call LoadEnvFile(".env") before Load() to use a .env file.
type Config struct {
	ConfigDir string // app.db and the optional settings seed; CONFIG_DIR
	DataDir   string // tmp/current/archives/channels/epg_cache; DATA_DIR

	Addr     string // facade listen address
	BaseURL  string // external base URL used in notification links; optional
	MaxConns int    // cap on concurrent facade connections

	UpstreamURL string  // feed share origin; "" = the built-in default
	FetchRate   float64 // upstream requests per second
	FetchBurst  int

	MemoryCapMB  int    // soft cap on merge resident memory; warn when exceeded
	MountPoint   string // guide filesystem mountpoint; "" = disabled
	SettingsSeed string // YAML settings seed path; "" = <config>/settings.yaml

	LogLevel string
}

// Load reads config from environment with platform-sensible defaults.
func Load() *Config {
	c := &Config{
		ConfigDir:    getEnv("CONFIG_DIR", defaultConfigDir()),
		DataDir:      getEnv("DATA_DIR", defaultDataDir()),
		Addr:         getEnv("EPG_MERGE_ADDR", ":8675"),
		BaseURL:      os.Getenv("EPG_MERGE_BASE_URL"),
		MaxConns:     getEnvInt("EPG_MERGE_MAX_CONNS", 64),
		UpstreamURL:  os.Getenv("EPG_MERGE_UPSTREAM"),
		FetchRate:    getEnvFloat("EPG_MERGE_FETCH_RATE", 4),
		FetchBurst:   getEnvInt("EPG_MERGE_FETCH_BURST", 4),
		MemoryCapMB:  getEnvInt("EPG_MERGE_MEMORY_CAP_MB", 512),
		MountPoint:   os.Getenv("EPG_MERGE_MOUNT"),
		SettingsSeed: os.Getenv("EPG_MERGE_SETTINGS_SEED"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 64
	}
	if c.FetchRate <= 0 {
		c.FetchRate = 4
	}
	if c.FetchBurst <= 0 {
		c.FetchBurst = 4
	}
	if c.MemoryCapMB <= 0 {
		c.MemoryCapMB = 512
	}
	return c
}

// Debug reports whether debug-level log lines should be emitted.
func (c *Config) Debug() bool { return strings.EqualFold(c.LogLevel, "debug") }

// DBPath is the SQLite store location.
func (c *Config) DBPath() string { return filepath.Join(c.ConfigDir, "app.db") }

// SeedPath returns the YAML settings seed path (explicit or conventional).
func (c *Config) SeedPath() string {
	if c.SettingsSeed != "" {
		return c.SettingsSeed
	}
	return filepath.Join(c.ConfigDir, "settings.yaml")
}

// Default data subdirectories. These seed the corresponding store settings;
// the running values always come from the settings view.
func (c *Config) TmpDir() string      { return filepath.Join(c.DataDir, "tmp") }
func (c *Config) CurrentDir() string  { return filepath.Join(c.DataDir, "current") }
func (c *Config) ArchiveDir() string  { return filepath.Join(c.DataDir, "archives") }
func (c *Config) ChannelsDir() string { return filepath.Join(c.DataDir, "channels") }
func (c *Config) CacheDir() string    { return filepath.Join(c.DataDir, "epg_cache") }

// EnsureDirs creates the config and data trees.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.ConfigDir, c.DataDir,
		c.TmpDir(), c.CurrentDir(), c.ArchiveDir(), c.ChannelsDir(), c.CacheDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func defaultConfigDir() string {
	if base, err := os.UserConfigDir(); err == nil && base != "" {
		return filepath.Join(base, "epg-merge")
	}
	return "./config"
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", "epg-merge")
	}
	return "./data"
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultVal
}
