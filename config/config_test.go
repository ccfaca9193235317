package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 60, cfg.Import.RequestsPerMinute)
	assert.Equal(t, 3, cfg.Import.RetryLimit)
	assert.Equal(t, 500*time.Millisecond, cfg.Import.BackoffBase)
	assert.Equal(t, "username", cfg.Import.UniqueColumn)
	assert.Equal(t, "populationId", cfg.Import.PopulationColumn)
	assert.Empty(t, cfg.Import.DefaultPopulationID, "no default population unless configured")
}

func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Directory.EnvironmentID = "env-123"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base URL", func(c *Config) { c.Directory.BaseURL = "" }},
		{"missing environment", func(c *Config) { c.Directory.EnvironmentID = "" }},
		{"zero rate", func(c *Config) { c.Import.RequestsPerMinute = 0 }},
		{"negative retry limit", func(c *Config) { c.Import.RetryLimit = -1 }},
		{"zero backoff", func(c *Config) { c.Import.BackoffBase = 0 }},
		{"missing unique column", func(c *Config) { c.Import.UniqueColumn = "" }},
		{"zero retention", func(c *Config) { c.Import.RetentionWindow = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Directory.EnvironmentID = "env-123"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dirimport.toml")
	content := `
[directory]
base_url = "https://api.example.test/v1"
environment_id = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
api_token = "secret"

[import]
default_population_id = "9a1b2c3d-0000-4000-8000-000000000001"
requests_per_minute = 120
retry_limit = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test/v1", cfg.Directory.BaseURL)
	assert.Equal(t, "3fa85f64-5717-4562-b3fc-2c963f66afa6", cfg.Directory.EnvironmentID)
	assert.Equal(t, 120, cfg.Import.RequestsPerMinute)
	assert.Equal(t, 5, cfg.Import.RetryLimit)
	// Defaults still apply to keys the file does not set
	assert.Equal(t, "username", cfg.Import.UniqueColumn)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
