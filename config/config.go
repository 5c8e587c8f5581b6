// Package config loads service settings, builds the logger and opens the database.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every setting the server reads at startup.
type Config struct {
	Port            string        `yaml:"port" validate:"required,numeric"`
	Env             Environment   `yaml:"env" validate:"oneof=development production"`
	LogLevel        string        `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	DatabaseURL     string        `yaml:"databaseUrl"`
	AllowedOrigins  []string      `yaml:"allowedOrigins" validate:"dive,required"`
	SessionPolicy   string        `yaml:"sessionPolicy" validate:"oneof=auto-create strict"`
	SessionIDLength int           `yaml:"sessionIdLength" validate:"min=4,max=64"`
	StoreTimeout    time.Duration `yaml:"storeTimeout" validate:"gt=0"`
	DebounceWindow  time.Duration `yaml:"debounceWindow" validate:"gt=0"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Port:            "8080",
		Env:             Development,
		SessionPolicy:   "auto-create",
		SessionIDLength: 9,
		StoreTimeout:    2 * time.Second,
		DebounceWindow:  50 * time.Millisecond,
		AllowedOrigins:  []string{"http://localhost:3000"},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// IDEAFLOW_CONFIG, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("IDEAFLOW_CONFIG"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config file %s failed", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config file %s failed", path)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("DB_URL", &c.DatabaseURL)
	str("SESSION_POLICY", &c.SessionPolicy)
	if v, ok := lookup("APP_ENV"); ok && v != "" {
		c.Env = Environment(strings.ToLower(v))
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = c.AllowedOrigins[:0]
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, origin)
			}
		}
	}
	if v, ok := lookup("SESSION_ID_LENGTH"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "SESSION_ID_LENGTH")
		}
		c.SessionIDLength = n
	}
	durations := map[string]*time.Duration{
		"STORE_TIMEOUT":   &c.StoreTimeout,
		"DEBOUNCE_WINDOW": &c.DebounceWindow,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, key)
		}
		*dst = d
	}
	return nil
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return "0.0.0.0:" + c.Port
}

// UsesPostgres reports whether DatabaseURL points at postgres rather than a sqlite file.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}
