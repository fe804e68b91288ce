// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pairedkey.
//
// go-pairedkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads the pairkey configuration from YAML, then applies
// PAIRKEY_* environment overrides (optionally from a .env file).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-pairedkey/pkg/wrapping"
)

const (
	EnvPrefix = "PAIRKEY_"

	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"

	DriverSoftware = "software"
	DriverPKCS11   = "pkcs11"

	// DefaultSoftwarePIN is the PIN a new software key is created with.
	DefaultSoftwarePIN = "123456"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Logging  LoggingConfig  `yaml:"logging" envPrefix:"LOG_"`
	Storage  StorageConfig  `yaml:"storage" envPrefix:"STORAGE_"`
	Driver   DriverConfig   `yaml:"driver" envPrefix:"DRIVER_"`
	Secret   SecretConfig   `yaml:"secret" envPrefix:"SECRET_"`
	Database DatabaseConfig `yaml:"database" envPrefix:"DATABASE_"`
	Unlock   UnlockConfig   `yaml:"unlock" envPrefix:"UNLOCK_"`
	Agent    AgentConfig    `yaml:"agent" envPrefix:"AGENT_"`
	TLS      TLSConfig      `yaml:"tls" envPrefix:"TLS_"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // text, json
}

// StorageConfig selects where pairing records and wrapped secrets live.
type StorageConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"` // memory, file, sqlite
	Path    string `yaml:"path" env:"PATH"`
}

type DriverConfig struct {
	Type     string               `yaml:"type" env:"TYPE"` // software, pkcs11
	Software SoftwareDriverConfig `yaml:"software" envPrefix:"SOFTWARE_"`
	PKCS11   PKCS11DriverConfig   `yaml:"pkcs11" envPrefix:"PKCS11_"`
}

// SoftwareDriverConfig describes the simulated key used without
// hardware. Its state is kept under Path.
type SoftwareDriverConfig struct {
	Path      string `yaml:"path" env:"PATH"`
	Serial    string `yaml:"serial" env:"SERIAL"` // hex, 16 bytes
	Label     string `yaml:"label" env:"LABEL"`
	Algorithm string `yaml:"algorithm" env:"ALGORITHM"`
	PIN       string `yaml:"pin" env:"PIN"`
}

type PKCS11DriverConfig struct {
	Library      string        `yaml:"library" env:"LIBRARY"`
	KeyLabel     string        `yaml:"key_label" env:"KEY_LABEL"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

type SecretConfig struct {
	Length int    `yaml:"length" env:"LENGTH"`
	RNG    string `yaml:"rng" env:"RNG"` // software, credential, auto
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

type UnlockConfig struct {
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	PINAttempts       int           `yaml:"pin_attempts" env:"PIN_ATTEMPTS"`
	AttemptsPerMinute int           `yaml:"attempts_per_minute" env:"ATTEMPTS_PER_MINUTE"`
}

type AgentConfig struct {
	Listen         string `yaml:"listen" env:"LISTEN"`
	MetricsPath    string `yaml:"metrics_path" env:"METRICS_PATH"`
	RequestsPerMin int    `yaml:"requests_per_min" env:"REQUESTS_PER_MIN"`
}

// TLSConfig is used by tls-auth to verify the server.
type TLSConfig struct {
	CAFile     string `yaml:"ca_file" env:"CA_FILE"`
	ServerName string `yaml:"server_name" env:"SERVER_NAME"`
}

// DataDir is the default directory for pairkey state.
func DataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".pairkey"
	}
	return filepath.Join(dir, "pairkey")
}

// Default returns a working configuration using the software driver and
// file storage under DataDir.
func Default() *Config {
	dir := DataDir()
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{Backend: StorageFile, Path: filepath.Join(dir, "store")},
		Driver: DriverConfig{
			Type: DriverSoftware,
			Software: SoftwareDriverConfig{
				Path:      filepath.Join(dir, "softkey"),
				Label:     "pairkey software key",
				Algorithm: "ecies-p256",
				PIN:       DefaultSoftwarePIN,
			},
			PKCS11: PKCS11DriverConfig{
				KeyLabel:     "pairedkey-wrapping",
				PollInterval: 500 * time.Millisecond,
			},
		},
		Secret:   SecretConfig{Length: 32, RNG: "auto"},
		Database: DatabaseConfig{Path: filepath.Join(dir, "users.db")},
		Unlock:   UnlockConfig{Timeout: 2 * time.Minute, PINAttempts: 3, AttemptsPerMinute: 10},
		Agent:    AgentConfig{Listen: "127.0.0.1:9477", MetricsPath: "/metrics", RequestsPerMin: 120},
	}
}

var dotenvOnce sync.Once

// Load reads path over Default and applies environment overrides. An
// empty path skips the file. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	dotenvOnce.Do(func() {
		_ = godotenv.Load()
	})

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes c as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// usesRSA reports whether the configured driver wraps with RSA-OAEP.
// PKCS#11 tokens always do.
func (c *Config) usesRSA() bool {
	if c.Driver.Type == DriverPKCS11 {
		return true
	}
	return strings.HasPrefix(strings.ToLower(c.Driver.Software.Algorithm), "rsa")
}

func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return invalid("log level %q (must be debug, info, warn or error)", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		return invalid("log format %q (must be text or json)", c.Logging.Format)
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageFile, StorageSQLite:
		if c.Storage.Path == "" {
			return invalid("storage path is required for the %s backend", c.Storage.Backend)
		}
	default:
		return invalid("storage backend %q (must be memory, file or sqlite)", c.Storage.Backend)
	}

	switch c.Driver.Type {
	case DriverSoftware:
		if c.Driver.Software.Path == "" {
			return invalid("driver.software.path is required")
		}
	case DriverPKCS11:
		if c.Driver.PKCS11.Library == "" {
			return invalid("driver.pkcs11.library is required")
		}
	default:
		return invalid("driver type %q (must be software or pkcs11)", c.Driver.Type)
	}

	if c.Secret.Length < 16 || c.Secret.Length > 1024 {
		return invalid("secret length %d (must be 16 to 1024)", c.Secret.Length)
	}
	if limit := wrapping.RSAOAEPCapacity(wrapping.MinRSABits); c.usesRSA() && c.Secret.Length > limit {
		return invalid("secret length %d is too long for RSA-OAEP wrapping (at most %d)", c.Secret.Length, limit)
	}
	switch c.Secret.RNG {
	case "software", "credential", "auto":
	default:
		return invalid("secret rng %q (must be software, credential or auto)", c.Secret.RNG)
	}

	if c.Database.Path == "" {
		return invalid("database path is required")
	}
	if c.Unlock.PINAttempts < 1 {
		return invalid("unlock.pin_attempts must be at least 1")
	}
	if c.Unlock.Timeout < 0 {
		return invalid("unlock.timeout cannot be negative")
	}
	if c.Agent.Listen == "" {
		return invalid("agent.listen is required")
	}
	return nil
}
