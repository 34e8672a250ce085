// Package config loads the client configuration from defaults, an optional
// YAML file, a .env file and HRSI_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/hrsi-client/pkg/auth"
	"github.com/Sternrassler/hrsi-client/pkg/cache"
	"github.com/Sternrassler/hrsi-client/pkg/client"
	"github.com/Sternrassler/hrsi-client/pkg/download"
	"github.com/Sternrassler/hrsi-client/pkg/logging"
	"github.com/Sternrassler/hrsi-client/pkg/query"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HRSI_DOWNLOAD_MAX_RETRIES.
const EnvPrefix = "HRSI"

// DefaultEnvFile is read by Load when it exists in the working directory.
const DefaultEnvFile = ".env"

// Config represents the application configuration
type Config struct {
	Catalogue CatalogueConfig `mapstructure:"catalogue"`
	Search    SearchConfig    `mapstructure:"search"`
	Download  DownloadConfig  `mapstructure:"download"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// CatalogueConfig locates the catalogue and its token endpoint.
type CatalogueConfig struct {
	SearchURL string        `mapstructure:"search_url"`
	TokenURL  string        `mapstructure:"token_url"`
	ClientID  string        `mapstructure:"client_id"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// SearchConfig bounds the paginated search.
type SearchConfig struct {
	MaxPages    int           `mapstructure:"max_pages"` // 0 = until an empty page
	PageTimeout time.Duration `mapstructure:"page_timeout"`
}

// DownloadConfig contains download-related configuration
type DownloadConfig struct {
	ArchiveExt      string        `mapstructure:"archive_ext"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffUnit     time.Duration `mapstructure:"backoff_unit"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	SkipExisting    bool          `mapstructure:"skip_existing"`
	Ledger          bool          `mapstructure:"ledger"`
}

// CacheConfig enables the Redis search-page cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"` // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig enables the Pushgateway push at exit when PushURL is set.
type MetricsConfig struct {
	PushURL string `mapstructure:"push_url"`
	Job     string `mapstructure:"job"`
}

// Default returns a configuration with default values
func Default() *Config {
	retry := client.DefaultRetryPolicy()
	return &Config{
		Catalogue: CatalogueConfig{
			SearchURL: query.DefaultSearchURL,
			TokenURL:  auth.DefaultTokenURL,
			ClientID:  auth.DefaultClientID,
			UserAgent: client.DefaultUserAgent,
			Timeout:   60 * time.Second,
		},
		Search: SearchConfig{
			MaxPages:    0,
			PageTimeout: 5 * time.Minute,
		},
		Download: DownloadConfig{
			ArchiveExt:      download.DefaultArchiveExt,
			MaxRetries:      retry.MaxRetries,
			BackoffUnit:     retry.BackoffUnit,
			TransferTimeout: 2 * time.Hour,
			SkipExisting:    false,
			Ledger:          true,
		},
		Cache: CacheConfig{
			RedisDB: 0,
			TTL:     cache.DefaultTTL,
		},
		Logging: LoggingConfig{
			Level:  string(logging.LevelInfo),
			Pretty: false,
		},
		Metrics: MetricsConfig{
			Job: "hrsi",
		},
	}
}

// Load reads configuration from defaults, the YAML file at path (optional;
// empty means none), ./.env and HRSI_* environment variables. Later sources
// win, and the result is validated.
func Load(path string) (*Config, error) {
	return LoadWithEnvFile(path, DefaultEnvFile)
}

// LoadWithEnvFile is Load with an explicit .env file. A missing env file is
// not an error. Variables already set in the environment are not overridden.
func LoadWithEnvFile(path, envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key with viper so that environment variables
// reach Unmarshal even when no file mentions the key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("catalogue.search_url", d.Catalogue.SearchURL)
	v.SetDefault("catalogue.token_url", d.Catalogue.TokenURL)
	v.SetDefault("catalogue.client_id", d.Catalogue.ClientID)
	v.SetDefault("catalogue.user_agent", d.Catalogue.UserAgent)
	v.SetDefault("catalogue.timeout", d.Catalogue.Timeout)

	v.SetDefault("search.max_pages", d.Search.MaxPages)
	v.SetDefault("search.page_timeout", d.Search.PageTimeout)

	v.SetDefault("download.archive_ext", d.Download.ArchiveExt)
	v.SetDefault("download.max_retries", d.Download.MaxRetries)
	v.SetDefault("download.backoff_unit", d.Download.BackoffUnit)
	v.SetDefault("download.transfer_timeout", d.Download.TransferTimeout)
	v.SetDefault("download.skip_existing", d.Download.SkipExisting)
	v.SetDefault("download.ledger", d.Download.Ledger)

	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.pretty", d.Logging.Pretty)

	v.SetDefault("metrics.push_url", d.Metrics.PushURL)
	v.SetDefault("metrics.job", d.Metrics.Job)
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if err := validateURL("catalogue.search_url", c.Catalogue.SearchURL); err != nil {
		errs = append(errs, err)
	}
	if err := validateURL("catalogue.token_url", c.Catalogue.TokenURL); err != nil {
		errs = append(errs, err)
	}
	if c.Catalogue.ClientID == "" {
		errs = append(errs, fmt.Errorf("catalogue.client_id not configured"))
	}
	if c.Catalogue.UserAgent == "" {
		errs = append(errs, fmt.Errorf("catalogue.user_agent not configured"))
	}
	if c.Catalogue.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("catalogue.timeout must be positive"))
	}

	if c.Search.MaxPages < 0 {
		errs = append(errs, fmt.Errorf("search.max_pages cannot be negative"))
	}
	if c.Search.PageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("search.page_timeout must be positive"))
	}

	if !strings.HasPrefix(c.Download.ArchiveExt, ".") || len(c.Download.ArchiveExt) < 2 {
		errs = append(errs, fmt.Errorf("download.archive_ext must look like .zip (got %q)", c.Download.ArchiveExt))
	}
	if c.Download.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("download.max_retries cannot be negative"))
	}
	if c.Download.BackoffUnit < 0 {
		errs = append(errs, fmt.Errorf("download.backoff_unit cannot be negative"))
	}
	if c.Download.TransferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("download.transfer_timeout must be positive"))
	}

	if c.Cache.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("cache.redis_db cannot be negative"))
	}
	if c.Cache.RedisAddr != "" && c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive when the cache is enabled"))
	}

	if _, err := logging.ParseLevel(logging.LogLevel(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	if c.Metrics.PushURL != "" {
		if err := validateURL("metrics.push_url", c.Metrics.PushURL); err != nil {
			errs = append(errs, err)
		}
		if c.Metrics.Job == "" {
			errs = append(errs, fmt.Errorf("metrics.job not configured"))
		}
	}

	return errors.Join(errs...)
}

// CacheEnabled reports whether search pages go through Redis.
func (c *Config) CacheEnabled() bool {
	return c.Cache.RedisAddr != ""
}

// DownloadRetry returns the retry policy of the downloader.
func (c *Config) DownloadRetry() client.RetryPolicy {
	return client.RetryPolicy{
		MaxRetries:  c.Download.MaxRetries,
		BackoffUnit: c.Download.BackoffUnit,
	}
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL (got %q)", key, raw)
	}
	return nil
}
