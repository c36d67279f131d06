// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// WebhookConfig drives the inbound side: per-provider shared secrets
// and the ingestion worker pool.
type WebhookConfig struct {
	Port    int `yaml:"port"`
	Workers int `yaml:"workers"` // async processing workers
	Secrets struct {
		Hotmart   string `yaml:"hotmart"`
		Kiwify    string `yaml:"kiwify"`
		Eduzz     string `yaml:"eduzz"`
		Monetizze string `yaml:"monetizze"`
		Generic   string `yaml:"generic"`
	} `yaml:"secrets"`
	// AllowUnverified lets events that failed signature verification
	// still apply billing effects. Sandbox/test environments only.
	AllowUnverified bool `yaml:"allow_unverified"`
	// RateLimit caps intake per provider per window. 0 disables.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

// DispatchConfig drives outbound delivery and retry behavior. The
// backoff policy is a deployment decision, not per subscription.
type DispatchConfig struct {
	Workers     int           `yaml:"workers"`
	Timeout     time.Duration `yaml:"timeout"`      // per HTTP attempt
	MaxAttempts int           `yaml:"max_attempts"` // then dead-letter
	Backoff     string        `yaml:"backoff"`      // exponential|linear|fixed
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	// DeactivateAfterFailures auto-deactivates a subscription once its
	// failure counter crosses the threshold. 0 disables.
	DeactivateAfterFailures int64 `yaml:"deactivate_after_failures"`
}

type BillingConfig struct {
	// FreePlanSlug is the baseline plan a refunded/cancelled member is
	// downgraded to. Empty keeps the paid plan and only flips status.
	FreePlanSlug string `yaml:"free_plan_slug"`
}

type AdminConfig struct {
	Port      int           `yaml:"port"`
	JWTSecret string        `yaml:"jwt_secret"`
	JWTTTL    time.Duration `yaml:"jwt_ttl"`
	APIKey    string        `yaml:"api_key"` // bootstrap credential to mint tokens
}

type SchedConfig struct {
	RetryScanInterval time.Duration `yaml:"retry_scan_interval"`
	StuckAfter        time.Duration `yaml:"stuck_after"`        // resume received events older than this
	DeadLetterMaxAge  time.Duration `yaml:"deadletter_max_age"` // age out undelivered work
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Billing  BillingConfig  `yaml:"billing"`
	Admin    AdminConfig    `yaml:"admin"`
	Sched    SchedConfig    `yaml:"sched"`

	Runtime RuntimeConfig `yaml:"-"`
}

// Secret returns the configured shared secret for a provider name.
func (w *WebhookConfig) Secret(provider string) string {
	switch provider {
	case "hotmart":
		return w.Secrets.Hotmart
	case "kiwify":
		return w.Secrets.Kiwify
	case "eduzz":
		return w.Secrets.Eduzz
	case "monetizze":
		return w.Secrets.Monetizze
	case "generic":
		return w.Secrets.Generic
	}
	return ""
}

func LoadConfig(configPath string, dev bool) (*Config, error) {
	b, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Webhook.Port == 0 {
		cfg.Webhook.Port = 8080
	}
	if cfg.Webhook.Workers <= 0 {
		cfg.Webhook.Workers = 8
	}
	if cfg.Webhook.RateLimit > 0 && cfg.Webhook.RateWindow <= 0 {
		cfg.Webhook.RateWindow = time.Minute
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 8
	}
	if cfg.Dispatch.Timeout <= 0 {
		cfg.Dispatch.Timeout = 5 * time.Second
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		cfg.Dispatch.MaxAttempts = 5
	}
	if cfg.Dispatch.Backoff == "" {
		cfg.Dispatch.Backoff = "exponential"
	}
	if cfg.Dispatch.BackoffBase <= 0 {
		cfg.Dispatch.BackoffBase = time.Second
	}
	if cfg.Dispatch.BackoffCap <= 0 {
		cfg.Dispatch.BackoffCap = 5 * time.Minute
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8081
	}
	if cfg.Admin.JWTTTL <= 0 {
		cfg.Admin.JWTTTL = 30 * time.Minute
	}
	if cfg.Sched.RetryScanInterval <= 0 {
		cfg.Sched.RetryScanInterval = 15 * time.Second
	}
	if cfg.Sched.StuckAfter <= 0 {
		cfg.Sched.StuckAfter = 5 * time.Minute
	}
	if cfg.Sched.DeadLetterMaxAge <= 0 {
		cfg.Sched.DeadLetterMaxAge = 72 * time.Hour
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = time.Hour
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	switch cfg.Dispatch.Backoff {
	case "exponential", "linear", "fixed":
	default:
		return nil, fmt.Errorf("dispatch.backoff must be exponential, linear or fixed; got %q", cfg.Dispatch.Backoff)
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
