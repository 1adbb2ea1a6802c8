// Package config loads process configuration via viper, the way
// orris-inc-orris's internal/infrastructure/config package does:
// optional YAML file, env-var overrides, and hardcoded defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full set of forwardgate's ambient settings (spec.md §5
// "Configuration").
type Config struct {
	DataDir     string `mapstructure:"data_dir"`
	LogDir      string `mapstructure:"log_dir"`
	GeoIPDBPath string `mapstructure:"geoip_db_path"`

	APIHost string `mapstructure:"api_host"`
	APIPort int    `mapstructure:"api_port"`

	JWTSecret        string `mapstructure:"jwt_secret"`
	ShutdownTimeoutS int    `mapstructure:"shutdown_timeout_seconds"`
}

// Load reads config.yaml from the search paths below (or configPath,
// if given), applies FORWARDGATE_-prefixed environment overrides, and
// fills unset fields with defaults. A missing config file is not an
// error — forwardgate runs entirely on defaults and env vars.
func Load(configPath ...string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if len(configPath) > 0 && configPath[0] != "" {
		viper.SetConfigFile(configPath[0])
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/forwardgate")
	}

	viper.SetEnvPrefix("FORWARDGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("data_dir", "./data")
	viper.SetDefault("log_dir", "./logs")
	viper.SetDefault("geoip_db_path", "./data/GeoLite2-Country.mmdb")

	viper.SetDefault("api_host", "0.0.0.0")
	viper.SetDefault("api_port", 8088)

	viper.SetDefault("jwt_secret", "")
	viper.SetDefault("shutdown_timeout_seconds", 10)
}
