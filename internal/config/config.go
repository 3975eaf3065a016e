package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the global ~/.privchat/config.toml.
//
// Identity is the signed-in phone number in E.164 form. An empty identity
// means no one is signed in: the daemon boots into AUTH_REQUIRED and sync
// and send operations short-circuit.
type Config struct {
	Identity       string `toml:"identity"`
	DisplayName    string `toml:"display_name"`
	HubURL         string `toml:"hub_url"`
	DefaultSession string `toml:"default_session"`
}

// DefaultHubURL is used when the config file omits hub_url.
const DefaultHubURL = "ws://127.0.0.1:7400"

// Load reads config from path. Missing file is an error; callers decide
// whether that is fatal.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.HubURL == "" {
		cfg.HubURL = DefaultHubURL
	}
	return &cfg, nil
}

// Save writes config to path, creating parent directories as needed.
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
