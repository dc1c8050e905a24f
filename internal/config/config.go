// Package config loads partcrawl configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // reset zones must resolve on hosts without zoneinfo

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

// ErrInvalid is returned for configuration that fails validation.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override, e.g. PARTCRAWL_STORE_DSN.
const EnvPrefix = "PARTCRAWL"

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	GitHub     GitHubConfig     `yaml:"github" mapstructure:"github"`
	Crawl      CrawlConfig      `yaml:"crawl" mapstructure:"crawl"`
	Aisler     AislerConfig     `yaml:"aisler" mapstructure:"aisler"`
	Match      MatchConfig      `yaml:"match" mapstructure:"match"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Pretty bool   `yaml:"pretty" mapstructure:"pretty"`
	File   string `yaml:"file" mapstructure:"file"`
}

// MetricsConfig configures the Prometheus listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// StoreConfig configures the record store.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// CheckpointConfig configures where checkpoints live.
type CheckpointConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// RedisConfig configures the shared Redis connection. Empty Addr disables
// the lookup cache.
type RedisConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// CacheConfig configures the lookup cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// GitHubConfig configures the repository crawler source.
type GitHubConfig struct {
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	Token           string `yaml:"token" mapstructure:"token"`
	UserAgent       string `yaml:"user_agent" mapstructure:"user_agent"`
	RateLimitSafety int    `yaml:"rate_limit_safety" mapstructure:"rate_limit_safety"`
	PerPage         int    `yaml:"per_page" mapstructure:"per_page"`
	ResultCap       int    `yaml:"result_cap" mapstructure:"result_cap"`
}

// CrawlConfig configures the repository crawl.
type CrawlConfig struct {
	// Epoch is the first month crawled on a cold start (YYYY-MM).
	Epoch string `yaml:"epoch" mapstructure:"epoch"`
}

// AislerConfig configures the parts catalog source.
type AislerConfig struct {
	PartsURL        string        `yaml:"parts_url" mapstructure:"parts_url"`
	ClientID        string        `yaml:"client_id" mapstructure:"client_id"`
	Authorization   string        `yaml:"authorization" mapstructure:"authorization"`
	UserAgent       string        `yaml:"user_agent" mapstructure:"user_agent"`
	DailyLimit      int           `yaml:"daily_limit" mapstructure:"daily_limit"`
	ResetZone       string        `yaml:"reset_zone" mapstructure:"reset_zone"`
	PageDelay       time.Duration `yaml:"page_delay" mapstructure:"page_delay"`
	RecrawlInterval time.Duration `yaml:"recrawl_interval" mapstructure:"recrawl_interval"`
}

// MatchConfig configures the part matcher.
type MatchConfig struct {
	// RulesFile optionally replaces the built-in noise rules.
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// Load reads configuration from path (optional) and the environment.
// Without a path, partcrawl.yaml in the working directory is used if present.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("partcrawl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("github.token", EnvPrefix+"_GITHUB_TOKEN", "GITHUB_TOKEN"); err != nil {
		return nil, eris.Wrap(err, "config: bind env")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default so AutomaticEnv applies to it on Unmarshal.
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("github.token", "")
	v.SetDefault("aisler.parts_url", "")
	v.SetDefault("aisler.client_id", "")
	v.SetDefault("aisler.authorization", "")
	v.SetDefault("aisler.user_agent", "partcrawl/1.0")
	v.SetDefault("match.rules_file", "")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "partcrawl.db")
	v.SetDefault("checkpoint.backend", "file")
	v.SetDefault("checkpoint.dir", "state")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.user_agent", "partcrawl/1.0")
	v.SetDefault("github.rate_limit_safety", 10)
	v.SetDefault("github.per_page", 100)
	v.SetDefault("github.result_cap", 1000)
	v.SetDefault("crawl.epoch", "2015-01")
	v.SetDefault("aisler.daily_limit", 1000)
	v.SetDefault("aisler.reset_zone", "US/Central")
	v.SetDefault("aisler.page_delay", 20*time.Second)
	v.SetDefault("aisler.recrawl_interval", 7*24*time.Hour)
}

// Validate checks settings shared by every command.
func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		problems = append(problems, "store.dsn is required")
	}

	switch c.Checkpoint.Backend {
	case "file":
		if c.Checkpoint.Dir == "" {
			problems = append(problems, "checkpoint.dir is required for the file backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			problems = append(problems, "redis.addr is required for the redis checkpoint backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("checkpoint.backend %q must be file or redis", c.Checkpoint.Backend))
	}

	if c.Cache.TTL < 0 {
		problems = append(problems, "cache.ttl must be >= 0")
	}

	return joinProblems(problems)
}

// ValidateCrawl checks the repository crawler settings.
func (c *Config) ValidateCrawl() error {
	var problems []string

	if c.GitHub.BaseURL == "" {
		problems = append(problems, "github.base_url is required")
	}
	if c.GitHub.UserAgent == "" {
		problems = append(problems, "github.user_agent is required")
	}
	if c.GitHub.RateLimitSafety < 0 {
		problems = append(problems, "github.rate_limit_safety must be >= 0")
	}
	if c.GitHub.PerPage < 1 || c.GitHub.PerPage > 100 {
		problems = append(problems, "github.per_page must be between 1 and 100")
	}
	if c.GitHub.ResultCap < 1 {
		problems = append(problems, "github.result_cap must be > 0")
	}
	if _, err := time.Parse("2006-01", c.Crawl.Epoch); err != nil {
		problems = append(problems, fmt.Sprintf("crawl.epoch %q must be YYYY-MM", c.Crawl.Epoch))
	}

	return joinProblems(problems)
}

// ValidateCatalog checks the parts catalog settings.
func (c *Config) ValidateCatalog() error {
	var problems []string

	if c.Aisler.PartsURL == "" {
		problems = append(problems, "aisler.parts_url is required")
	}
	if c.Aisler.UserAgent == "" {
		problems = append(problems, "aisler.user_agent is required")
	}
	if c.Aisler.DailyLimit < 1 {
		problems = append(problems, "aisler.daily_limit must be > 0")
	}
	if _, err := time.LoadLocation(c.Aisler.ResetZone); err != nil {
		problems = append(problems, fmt.Sprintf("aisler.reset_zone %q: %v", c.Aisler.ResetZone, err))
	}
	if c.Aisler.PageDelay < 0 {
		problems = append(problems, "aisler.page_delay must be >= 0")
	}
	if c.Aisler.RecrawlInterval <= 0 {
		problems = append(problems, "aisler.recrawl_interval must be > 0")
	}

	return joinProblems(problems)
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}
