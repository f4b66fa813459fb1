// File: internal/config/config.go
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres|sqlite|memory
	URL    string `yaml:"url"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"` // empty disables rate limiting and the stats cache
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Cookie    string `yaml:"cookie"`
}

type ReferralConfig struct {
	CodeLength          int           `yaml:"code_length"`
	CodePrefix          string        `yaml:"code_prefix"`
	MaxGenerateAttempts int           `yaml:"max_generate_attempts"`
	DefaultMaxUses      int           `yaml:"default_max_uses"` // 0 = unlimited
	DefaultTTL          time.Duration `yaml:"default_ttl"`      // 0 = never expires
	Retention           time.Duration `yaml:"retention"`
	TopReferrers        int           `yaml:"top_referrers"`
}

type RewardTier struct {
	MinReferrals int     `yaml:"min_referrals"`
	Multiplier   float64 `yaml:"multiplier"`
}

type RewardsConfig struct {
	ReferrerPoints int64        `yaml:"referrer_points"`
	RefereePoints  int64        `yaml:"referee_points"`
	Tiers          []RewardTier `yaml:"tiers"`
}

type LoyaltyConfig struct {
	BaseURL string        `yaml:"base_url"` // empty uses the log-only client
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	Workers int           `yaml:"workers"`
}

type SchedulerConfig struct {
	SettlementInterval time.Duration `yaml:"settlement_interval"`
	SettlementGrace    time.Duration `yaml:"settlement_grace"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"` // 0 disables periodic cleanup
}

type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
	ServiceName    string `yaml:"service_name"`
}

type RateLimitConfig struct {
	ValidatePerMinute int `yaml:"validate_per_minute"`
	ProcessPerMinute  int `yaml:"process_per_minute"`
}

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Referral  ReferralConfig  `yaml:"referral"`
	Rewards   RewardsConfig   `yaml:"rewards"`
	Loyalty   LoyaltyConfig   `yaml:"loyalty"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tracing   TracingConfig   `yaml:"tracing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig parses -config/-dev flags and delegates to Load.
func LoadConfig() (*Config, error) {
	var configPath string = ""
	var dev bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config yaml")
	flag.BoolVar(&dev, "dev", false, "development mode")
	flag.Parse()
	return Load(configPath, dev)
}

// Load reads the yaml file (optional when every required value comes from the
// environment), applies .env and environment overrides, then defaults.
func Load(configPath string, dev bool) (*Config, error) {
	// .env is a convenience for local runs; absence is fine
	_ = godotenv.Load()

	var cfg Config
	b, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_PORT: %w", err)
		}
		cfg.HTTP.Port = p
	}
	if v := os.Getenv("LOYALTY_BASE_URL"); v != "" {
		cfg.Loyalty.BaseURL = v
	}
	if v := os.Getenv("LOYALTY_TOKEN"); v != "" {
		cfg.Loyalty.Token = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
	if cfg.Auth.Cookie == "" {
		cfg.Auth.Cookie = "tb_session"
	}

	if cfg.Referral.CodeLength <= 0 {
		cfg.Referral.CodeLength = 8
	}
	if cfg.Referral.MaxGenerateAttempts <= 0 {
		cfg.Referral.MaxGenerateAttempts = 5
	}
	if cfg.Referral.Retention <= 0 {
		cfg.Referral.Retention = 30 * 24 * time.Hour
	}
	if cfg.Referral.TopReferrers <= 0 {
		cfg.Referral.TopReferrers = 10
	}
	cfg.Referral.CodePrefix = strings.ToUpper(strings.TrimSpace(cfg.Referral.CodePrefix))

	if cfg.Rewards.ReferrerPoints <= 0 {
		cfg.Rewards.ReferrerPoints = 100
	}
	if cfg.Rewards.RefereePoints <= 0 {
		cfg.Rewards.RefereePoints = 50
	}

	if cfg.Loyalty.Timeout <= 0 {
		cfg.Loyalty.Timeout = 5 * time.Second
	}
	if cfg.Loyalty.Workers <= 0 {
		cfg.Loyalty.Workers = 4
	}

	if cfg.Scheduler.SettlementInterval <= 0 {
		cfg.Scheduler.SettlementInterval = time.Minute
	}
	if cfg.Scheduler.SettlementGrace <= 0 {
		cfg.Scheduler.SettlementGrace = 30 * time.Second
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "tablebook-referrals"
	}

	if cfg.RateLimit.ValidatePerMinute <= 0 {
		cfg.RateLimit.ValidatePerMinute = 60
	}
	if cfg.RateLimit.ProcessPerMinute <= 0 {
		cfg.RateLimit.ProcessPerMinute = 10
	}
}

// Validate performs minimal sanity checks on a defaulted config.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.URL == "" {
			return errors.New("database.url is required")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Referral.CodeLength < 4 {
		return errors.New("referral.code_length must be at least 4")
	}
	if c.Referral.DefaultMaxUses < 0 {
		return errors.New("referral.default_max_uses must not be negative")
	}
	for i, t := range c.Rewards.Tiers {
		if t.MinReferrals < 0 || t.Multiplier <= 0 {
			return fmt.Errorf("rewards.tiers[%d]: min_referrals must be >= 0 and multiplier > 0", i)
		}
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
