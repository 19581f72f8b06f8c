package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all conductor configuration.
// Priority: env vars > conductor.yaml > defaults.
type Config struct {
	DBPath       string `yaml:"db_path"`
	WorkflowsDir string `yaml:"workflows_dir"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // text or json
	PoolSize     int    `yaml:"pool_size"`
	TickInterval string `yaml:"tick_interval"`

	// VaultKey is a hex-encoded 32-byte master key. VaultPassphrase derives
	// the key via PBKDF2 with a salt persisted next to the database. VaultKey
	// wins when both are set; with neither, secret:// references are rejected.
	VaultKey        string `yaml:"vault_key"`
	VaultPassphrase string `yaml:"vault_passphrase"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(conductorDir(), "conductor.db"),
		WorkflowsDir: "workflows",
		LogLevel:     "info",
		LogFormat:    "text",
		PoolSize:     10,
		TickInterval: "60s",
	}
}

func conductorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

func settingsPath() string {
	return filepath.Join(conductorDir(), "conductor.yaml")
}

// loadConfig layers the config file and environment over the defaults.
// An empty path uses the default settings location.
func loadConfig(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		path = settingsPath()
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = yaml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("CONDUCTOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONDUCTOR_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CONDUCTOR_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CONDUCTOR_TICK_INTERVAL"); v != "" {
		cfg.TickInterval = v
	}
	if v := os.Getenv("CONDUCTOR_VAULT_KEY"); v != "" {
		cfg.VaultKey = v
	}
	if v := os.Getenv("CONDUCTOR_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}

	return cfg
}

// tickInterval parses the configured scheduler interval, zero on bad input.
func (c Config) tickInterval() time.Duration {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil {
		return 0
	}
	return d
}
