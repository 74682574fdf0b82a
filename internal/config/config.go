// Package config loads syncd configuration from defaults, an optional JSON
// config file, and SYNCD_* environment variables, in that order of
// precedence (later wins).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	API     APIConfig     `json:"api"`
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Sync    SyncConfig    `json:"sync"`
	Log     LogConfig     `json:"log"`
}

// APIConfig points at the event-platform REST API.
type APIConfig struct {
	BaseURL        string `json:"base_url"`
	Token          string `json:"token"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ServerConfig is the local control endpoint.
type ServerConfig struct {
	Port  int    `json:"port"`
	Token string `json:"token"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir"`
}

type SyncConfig struct {
	MaxAttempts int `json:"max_attempts"`
}

type LogConfig struct {
	Level string `json:"level"`
}

func defaults() Config {
	return Config{
		API: APIConfig{
			TimeoutSeconds: 15,
		},
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Sync: SyncConfig{
			MaxAttempts: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "syncd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./syncd-data"
	}
	return filepath.Join(home, ".local", "share", "syncd")
}

// ConfigPath returns the JSON config file location:
// $XDG_CONFIG_HOME/syncd/config.json (or ~/.config/syncd/config.json).
func ConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "syncd", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "syncd-config.json")
	}
	return filepath.Join(home, ".config", "syncd", "config.json")
}

// Load reads configuration from the config file and environment.
// SYNCD_* environment variables override file values. The API base URL and
// token are required: without them the daemon cannot replay anything.
func Load() (Config, error) {
	return loadFrom(ConfigPath())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	if err := applyFile(&cfg, path); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.API.BaseURL == "" {
		return Config{}, fmt.Errorf("missing required config: API base URL. Set api.base_url in %s or SYNCD_API_BASE_URL", path)
	}
	if cfg.API.Token == "" {
		return Config{}, fmt.Errorf("missing required config: API token. Set api.token in %s or SYNCD_API_TOKEN", path)
	}
	if cfg.Server.Token == "" {
		return Config{}, fmt.Errorf("missing required config: control token. Set server.token in %s or SYNCD_CONTROL_TOKEN", path)
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("SYNCD_API_BASE_URL", &cfg.API.BaseURL)
	setString("SYNCD_API_TOKEN", &cfg.API.Token)
	setInt("SYNCD_API_TIMEOUT_SECONDS", &cfg.API.TimeoutSeconds)
	setInt("SYNCD_PORT", &cfg.Server.Port)
	setString("SYNCD_CONTROL_TOKEN", &cfg.Server.Token)
	setString("SYNCD_DATA_DIR", &cfg.Storage.DataDir)
	setInt("SYNCD_MAX_ATTEMPTS", &cfg.Sync.MaxAttempts)
	setString("SYNCD_LOG_LEVEL", &cfg.Log.Level)
}
