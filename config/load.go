package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/portalis/dirimport/errors"
)

// Load reads the dirimport configuration using Viper.
// Search order: ./dirimport.toml, $HOME/.config/dirimport/dirimport.toml,
// then DIRIMPORT_* environment variables on top of built-in defaults.
func Load() (*Config, error) {
	v := newViper()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine - defaults plus env cover it
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("dirimport")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/dirimport")

	v.SetEnvPrefix("DIRIMPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyDefaults(v)
	return v
}

func applyDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("directory.base_url", d.Directory.BaseURL)
	v.SetDefault("directory.timeout", d.Directory.Timeout)
	v.SetDefault("import.requests_per_minute", d.Import.RequestsPerMinute)
	v.SetDefault("import.retry_limit", d.Import.RetryLimit)
	v.SetDefault("import.backoff_base", d.Import.BackoffBase)
	v.SetDefault("import.unique_column", d.Import.UniqueColumn)
	v.SetDefault("import.population_column", d.Import.PopulationColumn)
	v.SetDefault("import.retention_window", d.Import.RetentionWindow)
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.socket_addr", d.Server.SocketAddr)
	v.SetDefault("database.path", d.Database.Path)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}
