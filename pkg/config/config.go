package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// AppName is the application name used in paths
	AppName = "gostrata"
)

// Config holds all daemon configuration.
type Config struct {
	// Paths
	DataDir   string // Base data directory (XDG_DATA_HOME/gostrata)
	ConfigDir string // Config directory (XDG_CONFIG_HOME/gostrata)
	CacheDir  string // Cache directory (XDG_CACHE_HOME/gostrata)

	// Derived paths
	DBPath     string // SQLite journal path
	KeyfileDir string // Pool keyfiles directory

	// Server
	APIAddress string

	// Logging
	LogLevel string

	// Engine
	DeviceGlobs  []string      // candidate device patterns for the recovery scan
	PollInterval time.Duration // low-water poll cadence
}

// fileConfig is the optional YAML config file shape. Anything set here can
// still be overridden by environment variables.
type fileConfig struct {
	DBPath       string   `yaml:"db_path"`
	KeyfileDir   string   `yaml:"keyfile_dir"`
	APIAddress   string   `yaml:"api_address"`
	LogLevel     string   `yaml:"log_level"`
	DeviceGlobs  []string `yaml:"device_globs"`
	PollInterval string   `yaml:"poll_interval"`
}

// New creates a new Config with values from the optional config file,
// overridden by environment, falling back to defaults.
func New() (*Config, error) {
	cfg := &Config{}

	// Base directories (XDG Base Directory Specification)
	cfg.DataDir = getDataDir()
	cfg.ConfigDir = getConfigDir()
	cfg.CacheDir = getCacheDir()

	// Ensure directories exist
	os.MkdirAll(cfg.DataDir, 0755)
	os.MkdirAll(cfg.ConfigDir, 0700)
	os.MkdirAll(cfg.CacheDir, 0755)

	var file fileConfig
	if err := loadFile(filepath.Join(cfg.ConfigDir, "config.yaml"), &file); err != nil {
		return nil, err
	}

	cfg.DBPath = pick("GOSTRATA_DB_PATH", file.DBPath, filepath.Join(cfg.DataDir, "gostrata.db"))
	cfg.KeyfileDir = pick("GOSTRATA_KEYFILE_DIR", file.KeyfileDir, filepath.Join(cfg.ConfigDir, "keys"))
	cfg.APIAddress = pick("GOSTRATA_API_ADDRESS", file.APIAddress, ":8167")
	cfg.LogLevel = pick("GOSTRATA_LOG_LEVEL", file.LogLevel, "info")

	if globs := os.Getenv("GOSTRATA_DEVICE_GLOBS"); globs != "" {
		cfg.DeviceGlobs = strings.Split(globs, ",")
	} else if len(file.DeviceGlobs) > 0 {
		cfg.DeviceGlobs = file.DeviceGlobs
	} else {
		cfg.DeviceGlobs = []string{"/dev/sd*", "/dev/nvme*n*", "/dev/vd*"}
	}

	interval := pick("GOSTRATA_POLL_INTERVAL", file.PollInterval, "30s")
	d, err := time.ParseDuration(interval)
	if err != nil {
		return nil, fmt.Errorf("bad poll interval %q: %w", interval, err)
	}
	cfg.PollInterval = d

	return cfg, nil
}

// loadFile populates file from path. A missing file is not an error.
func loadFile(path string, file *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// pick returns the environment value, then the config-file value, then the
// default.
func pick(envKey, fileVal, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if fileVal != "" {
		return fileVal
	}
	return defaultVal
}

// getDataDir returns the data directory following XDG spec.
// $XDG_DATA_HOME/gostrata or ~/.local/share/gostrata
func getDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "data")
	}
	return filepath.Join(home, ".local", "share", AppName)
}

// getConfigDir returns the config directory following XDG spec.
// $XDG_CONFIG_HOME/gostrata or ~/.config/gostrata
func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "config")
	}
	return filepath.Join(home, ".config", AppName)
}

// getCacheDir returns the cache directory following XDG spec.
// $XDG_CACHE_HOME/gostrata or ~/.cache/gostrata
func getCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "cache")
	}
	return filepath.Join(home, ".cache", AppName)
}

// Keyfile returns the keyfile path for a named pool, or "" when none exists.
func (c *Config) Keyfile(poolName string) string {
	path := filepath.Join(c.KeyfileDir, poolName+".key")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// SubPath returns a path under the data directory.
func (c *Config) SubPath(parts ...string) string {
	return filepath.Join(append([]string{c.DataDir}, parts...)...)
}
