// Package config loads settings for the web-map binaries from a YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the root configuration.
type Config struct {
	Cache    CacheConfig    `yaml:"cache"`
	Records  RecordsConfig  `yaml:"records"`
	Geocoder GeocoderConfig `yaml:"geocoder"`
	Retry    RetryConfig    `yaml:"retry"`
	Query    QueryConfig    `yaml:"query"`
	Log      LogConfig      `yaml:"log"`
}

// CacheConfig holds the geocode cache file locations.
type CacheConfig struct {
	Path        string        `yaml:"path"         env:"WEBMAP_CACHE_PATH"         env-default:"data/locbase.txt"`
	StagingPath string        `yaml:"staging_path" env:"WEBMAP_STAGING_PATH"       env-default:"data/notfound.txt"`
	LockTimeout time.Duration `yaml:"lock_timeout" env:"WEBMAP_CACHE_LOCK_TIMEOUT" env-default:"30s"`
}

// RecordsConfig points at the film locations list.
type RecordsConfig struct {
	Path string `yaml:"path" env:"WEBMAP_LOCATIONS_PATH" env-default:"data/locations.list"`
}

// GeocoderConfig holds the upstream Nominatim settings.
type GeocoderConfig struct {
	BaseURL       string        `yaml:"base_url"        env:"WEBMAP_GEOCODER_URL"         env-default:"https://nominatim.openstreetmap.org"`
	UserAgent     string        `yaml:"user_agent"      env:"WEBMAP_GEOCODER_USER_AGENT"  env-default:"web-map/1.0 (film locations cache builder)"`
	RatePerSecond float64       `yaml:"rate_per_second" env:"WEBMAP_GEOCODER_RATE"        env-default:"1"`
	Burst         int           `yaml:"burst"           env:"WEBMAP_GEOCODER_BURST"       env-default:"1"`
	Timeout       time.Duration `yaml:"timeout"         env:"WEBMAP_GEOCODER_TIMEOUT"     env-default:"30s"`
	Concurrency   int           `yaml:"concurrency"     env:"WEBMAP_GEOCODER_CONCURRENCY" env-default:"1"`
}

// RetryConfig bounds retries of unresolved addresses.
type RetryConfig struct {
	MaxNotFound  int           `yaml:"max_not_found" env:"WEBMAP_RETRY_MAX_NOT_FOUND" env-default:"2"`
	MaxTransient int           `yaml:"max_transient" env:"WEBMAP_RETRY_MAX_TRANSIENT" env-default:"5"`
	BaseBackoff  time.Duration `yaml:"base_backoff"  env:"WEBMAP_RETRY_BASE_BACKOFF"  env-default:"2s"`
	MaxBackoff   time.Duration `yaml:"max_backoff"   env:"WEBMAP_RETRY_MAX_BACKOFF"   env-default:"2m"`
}

// QueryConfig holds nearest-location query defaults.
type QueryConfig struct {
	K        int    `yaml:"k"         env:"WEBMAP_QUERY_K"         env-default:"10"`
	UniqueBy string `yaml:"unique_by" env:"WEBMAP_QUERY_UNIQUE_BY" env-default:"location"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}

// Load reads configuration from a YAML file and environment variables.
// Priority: ENV > YAML > defaults (via env-default tags).
// The file is path, or WEBMAP_CONFIG when path is empty. Without either,
// configuration comes from ENV + defaults only.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = os.Getenv("WEBMAP_CONFIG")
	}

	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks values cleanenv cannot.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.Path == "" {
		errs = append(errs, errors.New("cache.path is required"))
	}
	if c.Geocoder.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("geocoder.concurrency must be >= 1, got %d", c.Geocoder.Concurrency))
	}
	if c.Geocoder.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("geocoder.rate_per_second must be >= 0, got %v", c.Geocoder.RatePerSecond))
	}
	if c.Retry.MaxNotFound < 1 || c.Retry.MaxTransient < 1 {
		errs = append(errs, errors.New("retry.max_not_found and retry.max_transient must be >= 1"))
	}
	if c.Retry.BaseBackoff < 0 || c.Retry.MaxBackoff < c.Retry.BaseBackoff {
		errs = append(errs, errors.New("retry backoff must satisfy 0 <= base_backoff <= max_backoff"))
	}
	if c.Query.K < 1 {
		errs = append(errs, fmt.Errorf("query.k must be >= 1, got %d", c.Query.K))
	}
	switch c.Query.UniqueBy {
	case "location", "film":
	default:
		errs = append(errs, fmt.Errorf("query.unique_by must be location or film, got %q", c.Query.UniqueBy))
	}
	return errors.Join(errs...)
}
