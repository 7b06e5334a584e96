// Package config loads server configuration from a TOML file, with
// sensible defaults for local development.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `toml:"listen"`

	// DBPath is the SQLite database path. ":memory:" for ephemeral runs.
	DBPath string `toml:"db_path"`

	// WebhookToken, when set, is required as a bearer token on the payment
	// webhook endpoint. Payload signature verification happens upstream at
	// the payment processor integration; this only fences off the route.
	WebhookToken string `toml:"webhook_token"`

	// AllowedOrigins configures CORS for the frontend.
	AllowedOrigins []string `toml:"allowed_origins"`

	// MetricsEnabled mounts the Prometheus /metrics endpoint.
	MetricsEnabled bool `toml:"metrics_enabled"`
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		Listen:         ":8080",
		DBPath:         "tokens.db",
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		MetricsEnabled: true,
	}
}

// Load reads the TOML file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Listen == "" {
		return cfg, fmt.Errorf("config %s: listen must not be empty", path)
	}
	if cfg.DBPath == "" {
		return cfg, fmt.Errorf("config %s: db_path must not be empty", path)
	}
	return cfg, nil
}
