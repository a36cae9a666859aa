package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.swapchat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// UserID is the shared-store identity of this client. Both participants
	// derive the conversation key from these identities, so it must match the
	// identifier the counterpart knows us by.
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`

	Store StoreConfig `toml:"store"`
	Call  CallConfig  `toml:"call"`
}

// StoreConfig selects and configures the shared-store backend.
type StoreConfig struct {
	// Backend is "redis" or "memory". Memory is only useful for a single
	// process hosting both participants (tests, demos).
	Backend string `toml:"backend"`
	Addr    string `toml:"addr"`
	Prefix  string `toml:"prefix"`
}

// CallConfig carries peer-transport settings.
type CallConfig struct {
	STUNServers []string `toml:"stun_servers"`
}

// Default returns a config with usable defaults for everything but identity.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "redis",
			Addr:    "localhost:6379",
			Prefix:  "swapchat",
		},
		Call: CallConfig{
			STUNServers: []string{
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
		},
	}
}

// Load reads config from the given path. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
