// Package config loads gateway configuration. Environment variables win;
// an optional YAML file (WARDEN_CONFIG_FILE) provides the base values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for everything an operator does not set.
const (
	DefaultAddr                  = ":8787"
	DefaultTenantID              = "local"
	DefaultDBPath                = "warden.db"
	DefaultApprovalMode          = "simulate"
	DefaultDecisionTokenTTL      = 900 * time.Second
	DefaultReuseWindow           = 10 * time.Minute
	DefaultApprovalWaitTimeout   = 5 * time.Minute
	DefaultApprovalPollInterval  = time.Second
	MinApprovalPollInterval      = 250 * time.Millisecond
	DefaultRateLimitRPS          = 50
	DefaultRateLimitBurst        = 100
)

// ErrMissingAdapterSecret is returned when adapter_token_secret is unset.
// The gateway refuses to start without it: an unauthenticated adapter
// surface would silently allow everything.
var ErrMissingAdapterSecret = errors.New("config: adapter_token_secret is required")

// Config is the full runtime configuration.
type Config struct {
	Addr     string `yaml:"addr"`
	TenantID string `yaml:"tenant_id"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	ApprovalMode           string        `yaml:"approval_mode"`
	AdapterTokenSecret     string        `yaml:"adapter_token_secret"`
	DecisionTokenSecret    string        `yaml:"decision_token_secret"`
	DecisionTokenTTL       time.Duration `yaml:"-"`
	PolicyOperatorsEnabled bool          `yaml:"policy_operators_enabled"`

	ReuseWindow          time.Duration `yaml:"-"`
	ApprovalWaitTimeout  time.Duration `yaml:"-"`
	ApprovalPollInterval time.Duration `yaml:"-"`

	OpsAPIKeyHash string `yaml:"ops_api_key_hash"` // bcrypt; empty disables the ops surface check

	RateLimitRPS   int `yaml:"rate_limit_rps"`
	RateLimitBurst int `yaml:"rate_limit_burst"`

	// Evidence pack export sink. Optional.
	ExportBucket   string `yaml:"export_bucket"`
	ExportRegion   string `yaml:"export_region"`
	ExportEndpoint string `yaml:"export_endpoint"`
	ExportPrefix   string `yaml:"export_prefix"`

	// OTLP trace collector endpoint. Optional.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Raw millisecond fields for the YAML file; env vars override.
	DecisionTokenTTLSeconds int `yaml:"decision_token_ttl_seconds"`
	ReuseWindowMS           int `yaml:"reuse_window_ms"`
	ApprovalWaitTimeoutMS   int `yaml:"approval_wait_timeout_ms"`
	ApprovalPollIntervalMS  int `yaml:"approval_poll_interval_ms"`
}

// Load reads the optional YAML file, overlays environment variables, applies
// defaults and validates.
func Load() (*Config, error) {
	cfg := &Config{PolicyOperatorsEnabled: true}

	if path := os.Getenv("WARDEN_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overlayEnv(cfg)
	applyDefaults(cfg)

	if cfg.AdapterTokenSecret == "" {
		return nil, ErrMissingAdapterSecret
	}
	if cfg.ApprovalMode != "simulate" && cfg.ApprovalMode != "enforce" {
		return nil, fmt.Errorf("config: approval_mode must be simulate or enforce, got %q", cfg.ApprovalMode)
	}
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&cfg.Addr, "WARDEN_ADDR")
	setStr(&cfg.TenantID, "WARDEN_TENANT_ID")
	setStr(&cfg.DBPath, "WARDEN_DB_PATH")
	setStr(&cfg.LogLevel, "WARDEN_LOG_LEVEL")
	setStr(&cfg.ApprovalMode, "WARDEN_APPROVAL_MODE")
	setStr(&cfg.AdapterTokenSecret, "WARDEN_ADAPTER_TOKEN_SECRET")
	setStr(&cfg.DecisionTokenSecret, "WARDEN_DECISION_TOKEN_SECRET")
	setStr(&cfg.OpsAPIKeyHash, "WARDEN_OPS_API_KEY_HASH")
	setStr(&cfg.ExportBucket, "WARDEN_EXPORT_BUCKET")
	setStr(&cfg.ExportRegion, "WARDEN_EXPORT_REGION")
	setStr(&cfg.ExportEndpoint, "WARDEN_EXPORT_ENDPOINT")
	setStr(&cfg.ExportPrefix, "WARDEN_EXPORT_PREFIX")
	setStr(&cfg.OTLPEndpoint, "WARDEN_OTLP_ENDPOINT")

	setInt(&cfg.DecisionTokenTTLSeconds, "WARDEN_DECISION_TOKEN_TTL_SECONDS")
	setInt(&cfg.ReuseWindowMS, "WARDEN_REUSE_WINDOW_MS")
	setInt(&cfg.ApprovalWaitTimeoutMS, "WARDEN_APPROVAL_WAIT_TIMEOUT_MS")
	setInt(&cfg.ApprovalPollIntervalMS, "WARDEN_APPROVAL_POLL_INTERVAL_MS")
	setInt(&cfg.RateLimitRPS, "WARDEN_RATE_LIMIT_RPS")
	setInt(&cfg.RateLimitBurst, "WARDEN_RATE_LIMIT_BURST")

	if v := os.Getenv("WARDEN_POLICY_OPERATORS_ENABLED"); v != "" {
		cfg.PolicyOperatorsEnabled = v == "true" || v == "1"
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.TenantID == "" {
		cfg.TenantID = DefaultTenantID
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ApprovalMode == "" {
		cfg.ApprovalMode = DefaultApprovalMode
	}
	if cfg.DecisionTokenSecret == "" {
		// Decision tokens fall back to the adapter secret; both are local
		// shared secrets for the single-tenant deployment.
		cfg.DecisionTokenSecret = cfg.AdapterTokenSecret
	}

	cfg.DecisionTokenTTL = DefaultDecisionTokenTTL
	if cfg.DecisionTokenTTLSeconds > 0 {
		cfg.DecisionTokenTTL = time.Duration(cfg.DecisionTokenTTLSeconds) * time.Second
	}
	cfg.ReuseWindow = DefaultReuseWindow
	if cfg.ReuseWindowMS > 0 {
		cfg.ReuseWindow = time.Duration(cfg.ReuseWindowMS) * time.Millisecond
	}
	cfg.ApprovalWaitTimeout = DefaultApprovalWaitTimeout
	if cfg.ApprovalWaitTimeoutMS > 0 {
		cfg.ApprovalWaitTimeout = time.Duration(cfg.ApprovalWaitTimeoutMS) * time.Millisecond
	}
	cfg.ApprovalPollInterval = DefaultApprovalPollInterval
	if cfg.ApprovalPollIntervalMS > 0 {
		cfg.ApprovalPollInterval = time.Duration(cfg.ApprovalPollIntervalMS) * time.Millisecond
	}
	if cfg.ApprovalPollInterval < MinApprovalPollInterval {
		cfg.ApprovalPollInterval = MinApprovalPollInterval
	}

	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = DefaultRateLimitRPS
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = DefaultRateLimitBurst
	}
}
