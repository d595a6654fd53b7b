package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stratalabel/strata/pkg/telemetry"
)

// DefaultAppConfigFile is the application config looked up in the working
// directory when no path is given.
const DefaultAppConfigFile = "strata.yaml"

// Environment overrides applied after the config file.
const (
	EnvStore    = "STRATA_STORE"
	EnvLock     = "STRATA_LOCK"
	EnvLogLevel = "LOG_LEVEL"
)

// DefaultLockTTL bounds how long a crashed run keeps its lock.
const DefaultLockTTL = 10 * time.Minute

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Store: "sqlite://strata.db",
		Lock: LockConfig{
			Bucket: "strata_locks",
			TTL:    DefaultLockTTL,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// LoadAppConfig reads the application config at path. An empty path reads
// strata.yaml if present and falls back to defaults otherwise. Environment
// overrides are applied before validation.
func LoadAppConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultAppConfigFile
	}

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case stderrors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)

	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.DefaultConfig()
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = DefaultLockTTL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvStore); ok && v != "" {
		c.Store = v
	}
	if v, ok := lookup(EnvLock); ok && v != "" {
		c.Lock.URL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		if c.Telemetry == nil {
			c.Telemetry = telemetry.DefaultConfig()
		}
		c.Telemetry.Logging.Level = v
	}
}

// Validate checks the config's struct tags and its telemetry section.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", structErrors(err, DefaultAppConfigFile))
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry config: %w", err)
		}
	}
	return nil
}
