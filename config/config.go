// Package config loads the engine configuration consumed by the import
// engine: directory API coordinates, default population, pacing, retry
// bounds, and transport listen addresses. The engine only consumes these
// values; it never persists them.
package config

import (
	"time"

	"github.com/portalis/dirimport/errors"
)

// Config is the full dirimport configuration
type Config struct {
	Directory Directory `mapstructure:"directory"`
	Import    Import    `mapstructure:"import"`
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
}

// Directory holds directory API connection settings
type Directory struct {
	BaseURL       string        `mapstructure:"base_url"`
	EnvironmentID string        `mapstructure:"environment_id"`
	APIToken      string        `mapstructure:"api_token"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Import holds per-session import behavior settings
type Import struct {
	// DefaultPopulationID is used when a record carries no population or a
	// malformed one. Empty means "no default configured".
	DefaultPopulationID string `mapstructure:"default_population_id"`

	// RequestsPerMinute is the outbound API call budget per session
	RequestsPerMinute int `mapstructure:"requests_per_minute"`

	// RetryLimit bounds retries of transient API failures per record
	RetryLimit int `mapstructure:"retry_limit"`

	// BackoffBase is the base delay for exponential retry backoff
	BackoffBase time.Duration `mapstructure:"backoff_base"`

	// UniqueColumn names the required unique-identifier column in the input
	UniqueColumn string `mapstructure:"unique_column"`

	// PopulationColumn names the optional population-identifier column
	PopulationColumn string `mapstructure:"population_column"`

	// RetentionWindow bounds how long terminal sessions stay attachable
	RetentionWindow time.Duration `mapstructure:"retention_window"`
}

// Server holds transport listen addresses
type Server struct {
	ListenAddr string `mapstructure:"listen_addr"`
	SocketAddr string `mapstructure:"socket_addr"`
}

// Database holds persistence settings
type Database struct {
	Path string `mapstructure:"path"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Directory: Directory{
			BaseURL: "https://api.pingone.com/v1",
			Timeout: 30 * time.Second,
		},
		Import: Import{
			RequestsPerMinute: 60,
			RetryLimit:        3,
			BackoffBase:       500 * time.Millisecond,
			UniqueColumn:      "username",
			PopulationColumn:  "populationId",
			RetentionWindow:   15 * time.Minute,
		},
		Server: Server{
			ListenAddr: ":8280",
			SocketAddr: ":8281",
		},
		Database: Database{
			Path: "dirimport.db",
		},
	}
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.Directory.BaseURL == "" {
		return errors.New("directory.base_url is required")
	}
	if c.Directory.EnvironmentID == "" {
		return errors.New("directory.environment_id is required")
	}
	if c.Import.RequestsPerMinute <= 0 {
		return errors.Newf("import.requests_per_minute must be positive, got %d", c.Import.RequestsPerMinute)
	}
	if c.Import.RetryLimit < 0 {
		return errors.Newf("import.retry_limit must not be negative, got %d", c.Import.RetryLimit)
	}
	if c.Import.BackoffBase <= 0 {
		return errors.Newf("import.backoff_base must be positive, got %s", c.Import.BackoffBase)
	}
	if c.Import.UniqueColumn == "" {
		return errors.New("import.unique_column is required")
	}
	if c.Import.RetentionWindow <= 0 {
		return errors.Newf("import.retention_window must be positive, got %s", c.Import.RetentionWindow)
	}
	return nil
}
