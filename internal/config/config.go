/*
Copyright 2026 FlakeGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads FlakeGuard's service-level configuration: ports,
// datastore URLs, GitHub App credentials, and the resilience tunables for
// the platform client (spec §A.3 / §6 "Required environment inputs").
//
// This is distinct from the per-repository .flakeguard.yml policy document
// (see internal/policy), which is fetched from the monitored repository
// itself rather than loaded from local disk or environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	WebhookPort string `yaml:"webhook_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// GitHubAppConfig holds the credentials needed to authenticate as a
// GitHub App and exchange installation tokens (spec §6).
type GitHubAppConfig struct {
	AppID         string `yaml:"app_id"`
	PrivateKeyPEM string `yaml:"private_key_pem"`
	PrivateKeyPath string `yaml:"private_key_path"`
	WebhookSecret string `yaml:"webhook_secret"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
}

// DatastoreConfig holds the injected-capability connection strings (spec §6).
type DatastoreConfig struct {
	DatabaseURL string `yaml:"database_url"`
	BrokerURL   string `yaml:"broker_url"`
}

// RateLimiterConfig tunes the platform client's primary rate limiter (§4.6c).
type RateLimiterConfig struct {
	ReservedFloorPct    float64       `yaml:"reserved_floor_pct"`
	ThrottleThresholdPct float64      `yaml:"throttle_threshold_pct"`
	MaxThrottleDelay    time.Duration `yaml:"max_throttle_delay"`
}

// RetryConfig tunes the platform client's retry policy (§4.6e).
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	CapDelay     time.Duration `yaml:"cap_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	JitterFactor float64       `yaml:"jitter_factor"`
}

// CircuitBreakerConfig tunes the platform client's circuit breaker (§4.6f).
type CircuitBreakerConfig struct {
	FailureThreshold   uint32        `yaml:"failure_threshold"`
	Window             time.Duration `yaml:"window"`
	OpenTimeout        time.Duration `yaml:"open_timeout"`
	HalfOpenProbes     uint32        `yaml:"half_open_probes"`
	SuccessRatioToClose float64      `yaml:"success_ratio_to_close"`
}

// WorkersConfig controls per-job-kind concurrency (spec §5).
type WorkersConfig struct {
	ConcurrencyPerKind int           `yaml:"concurrency_per_kind"`
	JobDeadline        time.Duration `yaml:"job_deadline"`
}

// RetentionConfig controls the scheduled occurrence-pruning job (spec §4.5).
type RetentionConfig struct {
	RetainDays int           `yaml:"retain_days"`
	Interval   time.Duration `yaml:"interval"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"dev"`
}

// Config is the fully-resolved FlakeGuard service configuration.
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	GitHub     GitHubAppConfig      `yaml:"github"`
	Datastore  DatastoreConfig      `yaml:"datastore"`
	RateLimit  RateLimiterConfig    `yaml:"rate_limit"`
	Retry      RetryConfig          `yaml:"retry"`
	Breaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	Workers    WorkersConfig        `yaml:"workers"`
	Retention  RetentionConfig      `yaml:"retention"`
	Logging    LoggingConfig        `yaml:"logging"`
}

// Load reads, parses, env-overrides, defaults, and validates the
// configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a Config pre-populated with every default named in spec §4.6/§4.7/§4.8/§5.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WebhookPort: "8080",
			MetricsPort: "9090",
		},
		RateLimit: RateLimiterConfig{
			ReservedFloorPct:     0.10,
			ThrottleThresholdPct: 0.20,
			MaxThrottleDelay:     60 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    time.Second,
			CapDelay:     30 * time.Second,
			Multiplier:   2,
			JitterFactor: 0.1,
		},
		Breaker: CircuitBreakerConfig{
			FailureThreshold:    5,
			Window:              60 * time.Second,
			OpenTimeout:         5 * time.Minute,
			HalfOpenProbes:      3,
			SuccessRatioToClose: 0.5,
		},
		Workers: WorkersConfig{
			ConcurrencyPerKind: 4,
			JobDeadline:        5 * time.Minute,
		},
		Retention: RetentionConfig{
			RetainDays: 90,
			Interval:   24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// applyDefaults fills in zero-valued optional fields after the file and
// environment have been applied.
func applyDefaults(cfg *Config) {
	defaults := Default()
	if cfg.Server.WebhookPort == "" {
		cfg.Server.WebhookPort = defaults.Server.WebhookPort
	}
	if cfg.Server.MetricsPort == "" {
		cfg.Server.MetricsPort = defaults.Server.MetricsPort
	}
	if cfg.RateLimit.ReservedFloorPct == 0 {
		cfg.RateLimit.ReservedFloorPct = defaults.RateLimit.ReservedFloorPct
	}
	if cfg.RateLimit.ThrottleThresholdPct == 0 {
		cfg.RateLimit.ThrottleThresholdPct = defaults.RateLimit.ThrottleThresholdPct
	}
	if cfg.RateLimit.MaxThrottleDelay == 0 {
		cfg.RateLimit.MaxThrottleDelay = defaults.RateLimit.MaxThrottleDelay
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = defaults.Retry.BaseDelay
	}
	if cfg.Retry.CapDelay == 0 {
		cfg.Retry.CapDelay = defaults.Retry.CapDelay
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = defaults.Retry.Multiplier
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = defaults.Breaker.FailureThreshold
	}
	if cfg.Breaker.Window == 0 {
		cfg.Breaker.Window = defaults.Breaker.Window
	}
	if cfg.Breaker.OpenTimeout == 0 {
		cfg.Breaker.OpenTimeout = defaults.Breaker.OpenTimeout
	}
	if cfg.Breaker.HalfOpenProbes == 0 {
		cfg.Breaker.HalfOpenProbes = defaults.Breaker.HalfOpenProbes
	}
	if cfg.Breaker.SuccessRatioToClose == 0 {
		cfg.Breaker.SuccessRatioToClose = defaults.Breaker.SuccessRatioToClose
	}
	if cfg.Workers.ConcurrencyPerKind == 0 {
		cfg.Workers.ConcurrencyPerKind = defaults.Workers.ConcurrencyPerKind
	}
	if cfg.Workers.JobDeadline == 0 {
		cfg.Workers.JobDeadline = defaults.Workers.JobDeadline
	}
	if cfg.Retention.RetainDays == 0 {
		cfg.Retention.RetainDays = defaults.Retention.RetainDays
	}
	if cfg.Retention.Interval == 0 {
		cfg.Retention.Interval = defaults.Retention.Interval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
}

// loadFromEnv overrides cfg with environment variables, mirroring the
// teacher's loadFromEnv (SLM_ENDPOINT, WEBHOOK_PORT, ...).
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("FLAKEGUARD_WEBHOOK_PORT"); v != "" {
		cfg.Server.WebhookPort = v
	}
	if v := os.Getenv("FLAKEGUARD_METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("FLAKEGUARD_GITHUB_APP_ID"); v != "" {
		cfg.GitHub.AppID = v
	}
	if v := os.Getenv("FLAKEGUARD_GITHUB_PRIVATE_KEY_PATH"); v != "" {
		cfg.GitHub.PrivateKeyPath = v
	}
	if v := os.Getenv("FLAKEGUARD_GITHUB_WEBHOOK_SECRET"); v != "" {
		cfg.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("FLAKEGUARD_GITHUB_CLIENT_ID"); v != "" {
		cfg.GitHub.ClientID = v
	}
	if v := os.Getenv("FLAKEGUARD_GITHUB_CLIENT_SECRET"); v != "" {
		cfg.GitHub.ClientSecret = v
	}
	if v := os.Getenv("FLAKEGUARD_DATABASE_URL"); v != "" {
		cfg.Datastore.DatabaseURL = v
	}
	if v := os.Getenv("FLAKEGUARD_BROKER_URL"); v != "" {
		cfg.Datastore.BrokerURL = v
	}
	if v := os.Getenv("FLAKEGUARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLAKEGUARD_LOG_DEV"); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FLAKEGUARD_LOG_DEV: %w", err)
		}
		cfg.Logging.Dev = dev
	}
	if v := os.Getenv("FLAKEGUARD_WORKERS_CONCURRENCY_PER_KIND"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLAKEGUARD_WORKERS_CONCURRENCY_PER_KIND: %w", err)
		}
		cfg.Workers.ConcurrencyPerKind = n
	}
	return nil
}

// validate checks the required fields named in spec §6 ("Required
// environment inputs") and the resilience invariants from §4.6/§4.8.
func validate(cfg *Config) error {
	if cfg.GitHub.AppID == "" {
		return fmt.Errorf("github app_id is required")
	}
	if cfg.GitHub.WebhookSecret == "" {
		return fmt.Errorf("github webhook_secret is required")
	}
	if cfg.GitHub.PrivateKeyPEM == "" && cfg.GitHub.PrivateKeyPath == "" {
		return fmt.Errorf("github private_key_pem or private_key_path is required")
	}
	if cfg.Datastore.DatabaseURL == "" {
		return fmt.Errorf("datastore database_url is required")
	}
	if cfg.Datastore.BrokerURL == "" {
		return fmt.Errorf("datastore broker_url is required")
	}
	if cfg.Workers.ConcurrencyPerKind <= 0 {
		return fmt.Errorf("workers concurrency_per_kind must be greater than 0")
	}
	if cfg.RateLimit.ReservedFloorPct < 0 || cfg.RateLimit.ReservedFloorPct > 1 {
		return fmt.Errorf("rate_limit reserved_floor_pct must be between 0.0 and 1.0")
	}
	if cfg.Breaker.SuccessRatioToClose < 0 || cfg.Breaker.SuccessRatioToClose > 1 {
		return fmt.Errorf("circuit_breaker success_ratio_to_close must be between 0.0 and 1.0")
	}
	return nil
}
