package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Defaults for a locally running DevOps Pal backend.
const (
	DefaultBaseURL     = "http://localhost:5000"
	DefaultArchivePath = "devopspal.db"
)

// Environment variable names, typically provided via a .env file.
const (
	EnvBaseURL   = "DEVOPSPAL_BASE_URL"
	EnvAuthToken = "DEVOPSPAL_AUTH_TOKEN"
)

// Config holds application configuration
type Config struct {
	BaseURL        string `toml:"base_url"`        // Chat backend base URL, e.g. "http://localhost:5000"
	AuthToken      string `toml:"auth_token"`      // Optional bearer token; cookies are always carried
	TimeoutSeconds int    `toml:"timeout_seconds"` // HTTP client timeout; 0 means no timeout
	ArchivePath    string `toml:"archive_path"`    // SQLite file for the local transcript archive
	Debug          bool   `toml:"debug"`

	// ResumeSessionID replays a locally archived transcript at startup.
	// Flag-only; it never appears in the config file.
	ResumeSessionID string `toml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		ArchivePath: DefaultArchivePath,
	}
}

// Load builds a Config from defaults, an optional TOML file, and the
// environment, in that order. Flags are applied on top by the caller.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		cfg.AuthToken = v
	}

	return cfg, nil
}
