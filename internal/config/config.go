// Package config loads the proxy's configuration via viper: a listen
// address, the upstream relay URL, the SQLite policy-store path, the
// log level, and the filter-rule snapshot refresh interval.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the proxy's full runtime configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Database DatabaseConfig `mapstructure:"database"`
	Filter   FilterConfig   `mapstructure:"filter"`
	LogLevel string         `mapstructure:"log_level"`
}

// ServerConfig is the client-facing listener.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// UpstreamConfig names the single upstream Nostr relay every client
// connection is proxied to.
type UpstreamConfig struct {
	URL string `mapstructure:"url"`
}

// DatabaseConfig locates the SQLite-backed policy store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// FilterConfig tunes the filter engine's rule-snapshot cache.
type FilterConfig struct {
	// RefreshInterval controls how often an engine reloads enabled
	// rules from the store. Default 30s.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

var cfg *Config

// Load reads config.yaml (searching ".", "./config", "/etc/nostrgate",
// "$HOME/.nostrgate"), applies NOSTRGATE_-prefixed environment variable
// overrides, and writes a default config file on first run.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/nostrgate")
	viper.AddConfigPath("$HOME/.nostrgate")

	setDefaults()

	viper.SetEnvPrefix("NOSTRGATE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Info().Msg("No config file found, using defaults")
			if err := createDefaultConfig(); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Get returns the already-loaded configuration.
func Get() *Config {
	if cfg == nil {
		log.Fatal().Msg("Config not loaded")
	}
	return cfg
}

func setDefaults() {
	viper.SetDefault("server.listen", "0.0.0.0:8080")
	viper.SetDefault("upstream.url", "wss://relay.damus.io")
	viper.SetDefault("database.path", "./data/nostrgate.db")
	viper.SetDefault("filter.refresh_interval", 30*time.Second)
	viper.SetDefault("log_level", "info")
}

func createDefaultConfig() error {
	configPath := "./config.yaml"
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return viper.SafeWriteConfigAs(configPath)
}
