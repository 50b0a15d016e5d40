package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Version of the site, names its cache generation.
	Version string `yaml:"version" env:"OFFLINE_CACHE_VERSION"`
	// Origin URL to proxy to.
	Origin string `yaml:"origin" env:"OFFLINE_CACHE_ORIGIN"`
	// Hostname of the origin, if Origin is an IP address.
	OriginHost string `yaml:"originHost" env:"OFFLINE_CACHE_ORIGIN_HOST"`
	// Paths stored on install.
	Manifest []string `yaml:"manifest" env:"OFFLINE_CACHE_MANIFEST" envSeparator:","`
	// Manifest path served to page navigations while offline.
	OfflineFallback string `yaml:"offlineFallback" env:"OFFLINE_CACHE_OFFLINE_FALLBACK"`
	// Stored response format: http, msgpack or cbor.
	Codec   string  `yaml:"codec" env:"OFFLINE_CACHE_CODEC"`
	Storage Storage `yaml:"storage"`
	// Address to listen on, e.g. `:8080`.
	Listen string `yaml:"listen" env:"OFFLINE_CACHE_LISTEN"`
	Log    Log    `yaml:"log"`
}

type Storage struct {
	// sqlite, memory or redis
	Provider string `yaml:"provider" env:"OFFLINE_CACHE_STORAGE"`
	// SQLite database file. Empty for an in-memory database.
	Path  string `yaml:"path" env:"OFFLINE_CACHE_DB"`
	Redis Redis  `yaml:"redis"`
}

type Redis struct {
	Addr      string `yaml:"addr" env:"OFFLINE_CACHE_REDIS_ADDR"`
	Password  string `yaml:"password" env:"OFFLINE_CACHE_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"OFFLINE_CACHE_REDIS_DB"`
	Namespace string `yaml:"namespace" env:"OFFLINE_CACHE_REDIS_NAMESPACE"`
}

type Log struct {
	// trace, debug, info, warn or error
	Level string `yaml:"level" env:"OFFLINE_CACHE_LOG_LEVEL"`
	// Log file, in addition to stdout.
	File string `yaml:"file" env:"OFFLINE_CACHE_LOG_FILE"`
}

const (
	ProviderSQLite = "sqlite"
	ProviderMemory = "memory"
	ProviderRedis  = "redis"
)

func Default() Config {
	return Config{
		Manifest: []string{"./"},
		Codec:    "http",
		Storage: Storage{
			Provider: ProviderSQLite,
			Path:     "offline-cache.db",
			Redis: Redis{
				Addr:      "localhost:6379",
				Namespace: "offline-cache",
			},
		},
		Listen: ":8080",
		Log:    Log{Level: "debug"},
	}
}

// Load reads the config file, if a filename is given, over the defaults.
// Environment variables override the file.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// OriginURL returns the parsed origin.
// An origin without scheme, e.g. an IP address, is taken to be https.
func (c Config) OriginURL() (*url.URL, error) {
	if c.Origin == "" {
		return nil, errors.New("origin is required")
	}
	u, err := url.Parse(c.Origin)
	if err != nil || u.Host == "" {
		u, err = url.Parse("https://" + c.Origin)
	}
	if err != nil {
		return nil, fmt.Errorf("origin %q: %w", c.Origin, err)
	}
	return u, nil
}

func (c Config) Validate() error {
	if c.Version == "" {
		return errors.New("version is required")
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	switch c.Storage.Provider {
	case ProviderSQLite, ProviderMemory, ProviderRedis:
	default:
		return fmt.Errorf("unsupported storage provider: %s", c.Storage.Provider)
	}
	return nil
}
