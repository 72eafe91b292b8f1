// Package config handles hub configuration: the YAML settings file, CLI
// flag overrides, and validation.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the hub's runtime configuration, loaded from a YAML file per
// spec §6. Every field except Log is required; there are no implicit
// defaults for the values that ship in the file itself.
type Config struct {
	// Path is the data directory: the SQLite database (and the migrations
	// state it holds) lives under it. Log.File is opened at the path given
	// and is not placed under this directory.
	Path string `yaml:"path"`

	// PublicKey is the hub's long-term Ed25519 public key, hex-encoded.
	PublicKey string `yaml:"publicKey"`

	// PrivateKey is the hub's long-term Ed25519 private key: 64 raw bytes
	// (seed||public), hex-encoded to 128 hex characters.
	PrivateKey string `yaml:"privateKey"`

	// AllowedOrigins is the CORS allow-list for the HTTP front door.
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// APIPort is the HTTP listen port.
	APIPort int `yaml:"apiPort"`

	// MinCoreVersion is the lowest symmetryCoreVersion a joining peer may
	// advertise; anything lower (or missing) gets versionMismatch instead
	// of a joinAck (spec §4.5).
	MinCoreVersion string `yaml:"minCoreVersion"`

	// Log configures the structured logger. Optional: a zero value falls
	// back to console output at info level, the ambient logging defaults
	// every binary in this codebase ships with.
	Log LogConfig `yaml:"log"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfigPath returns the platform default config file location,
// ~/.config/symmetry/server.yaml per spec §6.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "symmetry", "server.yaml")
	}
	return filepath.Join(home, ".config", "symmetry", "server.yaml")
}

// DBPath returns the SQLite database file path under the configured data
// directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.Path, "hub.db")
}

// PublicKeyBytes decodes the hex-encoded public key.
func (c *Config) PublicKeyBytes() ([]byte, error) {
	return hex.DecodeString(c.PublicKey)
}

// PrivateKeyBytes decodes the hex-encoded private key (seed||public, 64 bytes).
func (c *Config) PrivateKeyBytes() ([]byte, error) {
	return hex.DecodeString(c.PrivateKey)
}

// Validate checks the loaded config for obvious operator mistakes. A
// malformed config aborts startup per spec §7.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Path == "" {
		return fmt.Errorf("path is required")
	}
	if cfg.PublicKey == "" {
		return fmt.Errorf("publicKey is required")
	}
	if _, err := hex.DecodeString(cfg.PublicKey); err != nil {
		return fmt.Errorf("publicKey must be hex-encoded: %w", err)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("privateKey is required")
	}
	privKey, err := hex.DecodeString(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("privateKey must be hex-encoded: %w", err)
	}
	if len(privKey) != 64 {
		return fmt.Errorf("privateKey must decode to 64 bytes (seed||public), got %d", len(privKey))
	}
	if len(cfg.AllowedOrigins) == 0 {
		return fmt.Errorf("allowedOrigins is required")
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("apiPort must be in range [1, 65535]")
	}
	if cfg.MinCoreVersion == "" {
		return fmt.Errorf("minCoreVersion is required")
	}
	return nil
}
