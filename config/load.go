package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/TimWhiting/dart-custom-lint/errors"
)

// Load reads the configuration from custom_lint.toml in the working
// directory (if present), environment variables prefixed CUSTOM_LINT_, and
// defaults, in increasing precedence of env over file over defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("custom_lint")
	v.SetConfigType("toml")
	v.AddConfigPath(".")

	bindEnv(v)
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		// No file is fine; defaults and env apply
	}
	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return unmarshal(v)
}

// LoadWithViper loads configuration from a prepared viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("lint.include_built_in_lints", true)
	v.SetDefault("lint.await_poll_ms", 50)

	v.SetDefault("transport.kind", TransportPipe)
	v.SetDefault("transport.listen_addr", "127.0.0.1:9257")

	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.debounce_ms", 500)

	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 0)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("CUSTOM_LINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}
