package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	CodexBinary  string                 `toml:"codex_binary"`
	CodexWorkdir string                 `toml:"codex_workdir"`
	Conductor    ConductorRuntimeConfig `toml:"conductor"`
	Path         string                 `toml:"-"`
}

type ConductorRuntimeConfig struct {
	DBPath             string `toml:"db_path"`
	SnapshotPath       string `toml:"snapshot_path"`
	QueueBuffer        int    `toml:"queue_buffer"`
	TaskTimeoutMS      int    `toml:"task_timeout_ms"`
	CheckTimeoutMS     int    `toml:"check_timeout_ms"`
	MaxCheckIterations int    `toml:"max_check_iterations"`
	FixerRole          string `toml:"fixer_role"`
}

// Load reads the TOML config. An empty path falls back to the default
// location; a missing file at the default location is not an error, the
// zero config works with flag and built-in defaults.
func Load(path string) (Config, error) {
	explicit := strings.TrimSpace(path) != ""
	resolved := path
	if !explicit {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor/config.toml"
	}
	return filepath.Join(home, ".conductor", "config.toml")
}
