// Package config loads gateway settings from an optional YAML file with
// PAYGATE_* environment overrides. Environment always wins so containerized
// deployments can tweak a shared config file without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/paygate/paygate/internal/approval"
	"github.com/paygate/paygate/internal/keystore"
)

type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Gate     GateConfig           `yaml:"gate"`
	Payments PaymentsConfig       `yaml:"payments"`
	Webhooks WebhooksConfig       `yaml:"webhooks"`
	Sync     SyncConfig           `yaml:"sync"`
	Expiry   ExpiryConfig         `yaml:"expiry"`
	Groups   []*keystore.KeyGroup `yaml:"groups"`
	Approval ApprovalConfig       `yaml:"approval"`
}

type ServerConfig struct {
	Port           int    `yaml:"port"`
	AdminKey       string `yaml:"admin_key"`
	BackendURL     string `yaml:"backend_url"`
	BackendTimeout int    `yaml:"backend_timeout_seconds"`
	StatePath      string `yaml:"state_path"`
	ServerName     string `yaml:"server_name"`
	LogLevel       string `yaml:"log_level"` // debug | info | silent
}

type GateConfig struct {
	DefaultCreditsPerCall int64                         `yaml:"default_credits_per_call"`
	GlobalRateLimitPerMin int                           `yaml:"global_rate_limit_per_min"`
	ShadowMode            bool                          `yaml:"shadow_mode"`
	RefundOnFailure       bool                          `yaml:"refund_on_failure"`
	ToolPricing           map[string]keystore.ToolPrice `yaml:"tool_pricing"`
	Quota                 *keystore.QuotaConfig         `yaml:"quota"`
}

type PaymentsConfig struct {
	StripeWebhookSecret string `yaml:"stripe_webhook_secret"`
	X402Network         string `yaml:"x402_network"`
	X402Asset           string `yaml:"x402_asset"`
	X402PayTo           string `yaml:"x402_pay_to"`
	FacilitatorURL      string `yaml:"facilitator_url"`
	CreditsPerDollar    int64  `yaml:"credits_per_dollar"`
}

type WebhooksConfig struct {
	URL         string   `yaml:"url"`
	Secret      string   `yaml:"secret"`
	Events      []string `yaml:"events"`
	Workers     int      `yaml:"workers"`
	MaxAttempts int      `yaml:"max_attempts"`
	TimeoutSecs int      `yaml:"timeout_seconds"`
}

type SyncConfig struct {
	RedisURL        string `yaml:"redis_url"`
	Prefix          string `yaml:"prefix"`
	RefreshInterval int    `yaml:"refresh_interval_seconds"`
}

type ExpiryConfig struct {
	ScanIntervalSecs int   `yaml:"scan_interval_seconds"`
	WarnHours        []int `yaml:"warn_hours"`
}

type ApprovalConfig struct {
	TTLMinutes int              `yaml:"ttl_minutes"`
	Rules      []*approval.Rule `yaml:"rules"`
}

// Defaults returns the zero-config baseline.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8402,
			BackendTimeout: 30,
			StatePath:      "paygate-state.json",
			ServerName:     "PayGate",
			LogLevel:       "info",
		},
		Gate: GateConfig{
			DefaultCreditsPerCall: 1,
			RefundOnFailure:       true,
		},
		Webhooks: WebhooksConfig{
			Workers:     4,
			MaxAttempts: 3,
			TimeoutSecs: 15,
		},
		Sync: SyncConfig{
			Prefix:          "paygate",
			RefreshInterval: 5,
		},
		Expiry: ExpiryConfig{
			ScanIntervalSecs: 300,
			WarnHours:        []int{72, 24, 1},
		},
		Payments: PaymentsConfig{
			CreditsPerDollar: 1000,
		},
		Approval: ApprovalConfig{TTLMinutes: 60},
	}
}

// Load reads the YAML file at path (skipped when empty or missing) and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PAYGATE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("PAYGATE_ADMIN_KEY"); v != "" {
		c.Server.AdminKey = v
	}
	if v := os.Getenv("PAYGATE_BACKEND_URL"); v != "" {
		c.Server.BackendURL = v
	}
	if v := os.Getenv("PAYGATE_STATE_PATH"); v != "" {
		c.Server.StatePath = v
	}
	if v := os.Getenv("PAYGATE_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("PAYGATE_SHADOW_MODE"); v != "" {
		c.Gate.ShadowMode = truthy(v)
	}
	if v := os.Getenv("PAYGATE_REDIS_URL"); v != "" {
		c.Sync.RedisURL = v
	}
	if v := os.Getenv("PAYGATE_WEBHOOK_URL"); v != "" {
		c.Webhooks.URL = v
	}
	if v := os.Getenv("PAYGATE_WEBHOOK_SECRET"); v != "" {
		c.Webhooks.Secret = v
	}
	if v := os.Getenv("PAYGATE_STRIPE_WEBHOOK_SECRET"); v != "" {
		c.Payments.StripeWebhookSecret = v
	}
	if v := os.Getenv("PAYGATE_FACILITATOR_URL"); v != "" {
		c.Payments.FacilitatorURL = v
	}
}

func truthy(v string) bool {
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}

// BackendTimeout as a duration.
func (c *Config) BackendTimeoutDuration() time.Duration {
	if c.Server.BackendTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Server.BackendTimeout) * time.Second
}
