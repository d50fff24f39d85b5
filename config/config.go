// Package config loads runtime configuration for the billing service.
//
// Values are layered: built-in defaults, then an optional YAML file, then a
// .env file in the working directory, then BILLING_* environment variables.
// CLI flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for billingd.
type Config struct {
	Port                    int      `yaml:"port"`
	DBPath                  string   `yaml:"db_path"`
	LogFormat               string   `yaml:"log_format"` // "text" or "json"
	LogLevel                string   `yaml:"log_level"`
	JWTSecret               string   `yaml:"jwt_secret"`
	AllowedOrigins          []string `yaml:"allowed_origins"`
	DefaultPaymentTermsDays int      `yaml:"default_payment_terms_days"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Port:                    8080,
		DBPath:                  "billing.db",
		LogFormat:               "text",
		LogLevel:                "info",
		AllowedOrigins:          []string{"http://localhost:3000", "http://localhost:5173"},
		DefaultPaymentTermsDays: 30,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), .env and the environment.
func Load(path string) (Config, error) {
	c := Defaults()
	if path != "" {
		if err := c.LoadFromFile(path); err != nil {
			return c, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return c, fmt.Errorf("load .env: %w", err)
	}
	if err := c.ApplyEnv(); err != nil {
		return c, err
	}
	return c, nil
}

// LoadFromFile reads a YAML config file and merges its values into Config.
// Keys missing from the file keep their current values.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from BILLING_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("BILLING_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BILLING_PORT: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("BILLING_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("BILLING_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("BILLING_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("BILLING_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BILLING_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.AllowedOrigins = origins
	}
	return nil
}

// Validate checks the fields every command needs.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("--db or BILLING_DB is required")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q (want text or json)", c.LogFormat)
	}
	if c.DefaultPaymentTermsDays < 0 {
		return fmt.Errorf("default_payment_terms_days must not be negative")
	}
	return nil
}

// ValidateServer additionally checks what the HTTP server needs.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret or BILLING_JWT_SECRET is required")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
