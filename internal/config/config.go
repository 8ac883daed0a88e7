// Package config loads the Session/Event Server's configuration from an
// optional TOML file, cobra flags, and PUSHPALS_* environment overrides, in
// that ascending order of precedence — mirroring the teacher's
// flag-plus-env-default pattern in cmd/server/main.go, generalized to also
// accept a file so deployments aren't limited to one long flag line.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full set of tunables for the server binary.
type Config struct {
	HTTPAddr           string `toml:"http_addr"`
	DBDriver           string `toml:"db_driver"`
	DBDSN              string `toml:"db_dsn"`
	LogLevel           string `toml:"log_level"`
	AuthToken          string `toml:"auth_token"`
	QueueWaitIntervalMs int64 `toml:"queue_wait_interval_ms"`
	ExecutionIntervalMs int64 `toml:"execution_interval_ms"`
	HeartbeatIntervalMs int64 `toml:"heartbeat_interval_ms"`
}

// Default returns a Config with the server's built-in defaults, used as
// the base before a file, flags, or env overrides are layered on.
func Default() Config {
	return Config{
		HTTPAddr:            ":8080",
		DBDriver:             "sqlite",
		DBDSN:                "./pushpals.db",
		LogLevel:             "info",
		AuthToken:            "",
		QueueWaitIntervalMs:  5000,
		ExecutionIntervalMs:  5000,
		HeartbeatIntervalMs:  10000,
	}
}

// LoadFile reads and merges a TOML file on top of cfg. A missing path is
// not an error — the file is optional, flags and env vars can cover
// everything.
func LoadFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg's fields from PUSHPALS_* environment variables
// when set, the highest-precedence layer.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("PUSHPALS_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("PUSHPALS_DB_DRIVER"); v != "" {
		cfg.DBDriver = v
	}
	if v := os.Getenv("PUSHPALS_DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv("PUSHPALS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PUSHPALS_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
}

// EnvOrDefault returns the value of the named environment variable, or
// defaultVal if it is unset or empty. Used to seed cobra flag defaults so
// `--help` shows the effective value for a given environment.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
