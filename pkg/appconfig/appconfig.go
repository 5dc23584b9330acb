// Package appconfig sources cargocap's own app-level settings — log level,
// color, the driver's socket poll interval, the audit database path — kept
// deliberately separate from the per-workspace policy TOML the config editor
// owns. Settings here come from environment variables prefixed CARGOCAP_
// and an optional settings file, the way pkg/config sources goneat's
// settings with viper; command-line flags are not bound here, and the cmd
// package applies its own flag overrides on top.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds every app-level (not policy) setting cargocap reads at
// startup.
type Settings struct {
	LogLevel         string        `mapstructure:"log_level"`
	JSON             bool          `mapstructure:"json"`
	NoColor          bool          `mapstructure:"no_color"`
	SocketPollInterval time.Duration `mapstructure:"socket_poll_interval"`
	HistoryDBPath    string        `mapstructure:"history_db_path"`
	SandboxKind      string        `mapstructure:"sandbox_kind"`
}

var defaults = Settings{
	LogLevel:           "info",
	JSON:               false,
	NoColor:            false,
	SocketPollInterval: 10 * time.Millisecond,
	SandboxKind:        "none",
}

// Load reads Settings from (in ascending priority) built-in defaults, a
// settings file (cargocap.yaml in the current directory or cargocap home),
// and CARGOCAP_-prefixed environment variables.
func Load() (*Settings, error) {
	v := viper.New()

	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("json", defaults.JSON)
	v.SetDefault("no_color", defaults.NoColor)
	v.SetDefault("socket_poll_interval", defaults.SocketPollInterval)
	v.SetDefault("sandbox_kind", defaults.SandboxKind)

	v.SetConfigName("cargocap")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := Home(); err == nil {
		v.AddConfigPath(home)
	}

	v.SetEnvPrefix("CARGOCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.ReadInConfig() // optional; defaults + env suffice without it

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshaling app settings: %w", err)
	}

	if s.HistoryDBPath == "" {
		home, err := Home()
		if err != nil {
			return nil, err
		}
		s.HistoryDBPath = filepath.Join(home, "history.db")
	}

	return &s, nil
}

// Home returns ~/.cargocap, creating it if necessary. CARGOCAP_HOME
// overrides the default location.
func Home() (string, error) {
	if home := os.Getenv("CARGOCAP_HOME"); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(userHome, ".cargocap")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating cargocap home directory: %w", err)
	}
	return dir, nil
}
