// Package config loads the gateway configuration. Priority is
// environment > file > defaults; the file lives at ~/.wagate/config.json
// unless WAGATE_CONFIG points elsewhere.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/wagate/wagate/internal/alert"
	"github.com/wagate/wagate/internal/httpapi"
	"github.com/wagate/wagate/internal/manager"
	"github.com/wagate/wagate/internal/policy"
	"github.com/wagate/wagate/internal/provider"
	"github.com/wagate/wagate/internal/responder"
	"github.com/wagate/wagate/internal/supervisor"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".wagate"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// StorageConfig locates the gateway's databases.
type StorageConfig struct {
	// Dir holds the sqlite files. Defaults to the config directory.
	Dir string `json:"dir" envconfig:"DIR"`
}

// GatewayDB returns the path of the main gateway database.
func (s StorageConfig) GatewayDB() string { return filepath.Join(s.Dir, "gateway.db") }

// DeviceDB returns the path of the transport device database.
func (s StorageConfig) DeviceDB() string { return filepath.Join(s.Dir, "devices.db") }

// Config is the full gateway configuration tree.
type Config struct {
	// Sessions are connected automatically at startup.
	Sessions  []string                  `json:"sessions"`
	Storage   StorageConfig             `json:"storage"`
	Manager   manager.Config            `json:"manager"`
	Policy    policy.Config             `json:"policy"`
	Provider  provider.Config           `json:"provider"`
	AutoReply responder.AutoReplyConfig `json:"autoReply"`
	Relay     responder.RelayConfig     `json:"relay"`
	Sweeps    supervisor.Config         `json:"sweeps"`
	API       httpapi.Config            `json:"api"`
	Alerts    alert.Config              `json:"alerts"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		Manager:   manager.DefaultConfig(),
		Policy:    policy.DefaultConfig(),
		AutoReply: responder.DefaultAutoReplyConfig(),
		Sweeps:    supervisor.DefaultConfig(),
		API:       httpapi.DefaultConfig(),
	}
}

// Path returns the config file location.
func Path() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("WAGATE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load reads the configuration, applying file values over defaults and
// environment values over both. A missing file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := Path()
	if err != nil {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	envconfig.Process("WAGATE_STORAGE", &cfg.Storage)
	envconfig.Process("WAGATE_MANAGER", &cfg.Manager)
	envconfig.Process("WAGATE_POLICY", &cfg.Policy)
	envconfig.Process("WAGATE_PROVIDER", &cfg.Provider)
	envconfig.Process("WAGATE_AUTOREPLY", &cfg.AutoReply)
	envconfig.Process("WAGATE_RELAY", &cfg.Relay)
	envconfig.Process("WAGATE_SWEEPS", &cfg.Sweeps)
	envconfig.Process("WAGATE_API", &cfg.API)
	envconfig.Process("WAGATE_ALERTS", &cfg.Alerts)

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = filepath.Dir(path)
	}
	return cfg, nil
}

// Save writes the configuration back to its file, creating the directory
// when needed.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
