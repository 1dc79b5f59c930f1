// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads service settings from config.yaml and environment
// variables, and the per-domain routing documents from their own YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/bcem/ticketrouter/internal/ticketing"
)

// Backends accepted for the processed-record store and the shared
// coordination state (leases, rate windows, retry queue).
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	// Port serves /health and /metrics.
	Port int `yaml:"port" env:"PORT" env-default:"8080"`
	// InboundPort serves the inbound mail endpoints.
	InboundPort   int           `yaml:"inbound_port" env:"INBOUND_PORT" env-default:"8081"`
	InboundSecret string        `yaml:"inbound_secret" env:"INBOUND_SECRET"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE" env-default:"15s"`
}

// StoreConfig selects and configures the backing stores.
type StoreConfig struct {
	RedisURL    string `yaml:"redis_url" env:"REDIS_URL" env-default:"redis://localhost:6379/0"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`

	// RecordBackend holds processed-message records: postgres, redis or memory.
	RecordBackend string `yaml:"record_backend" env:"RECORD_BACKEND" env-default:"redis"`
	// StateBackend holds leases, rate windows and the retry queue: redis or memory.
	StateBackend string `yaml:"state_backend" env:"STATE_BACKEND" env-default:"redis"`

	RecordRetention time.Duration `yaml:"record_retention" env:"RECORD_RETENTION" env-default:"720h"`
	PurgeSchedule   string        `yaml:"purge_schedule" env:"PURGE_SCHEDULE" env-default:"@hourly"`
}

// TicketingConfig configures the ticketing system client.
type TicketingConfig struct {
	BaseURL     string        `yaml:"base_url" env:"TICKETING_URL"`
	Token       string        `yaml:"token" env:"TICKETING_TOKEN"`
	Timeout     time.Duration `yaml:"timeout" env:"TICKETING_TIMEOUT" env-default:"10s"`
	MaxAttempts int           `yaml:"max_attempts" env:"TICKETING_MAX_ATTEMPTS" env-default:"3"`
}

// RoutingConfig holds pipeline-wide routing settings.
type RoutingConfig struct {
	DomainsPath string `yaml:"domains_path" env:"DOMAINS_PATH" env-default:"/app/config/domains.yaml"`
	// NoWatch disables hot reload of the domains file.
	NoWatch bool `yaml:"no_watch" env:"DOMAINS_NO_WATCH"`

	RateWindow time.Duration `yaml:"rate_window" env:"RATE_WINDOW" env-default:"1h"`
	RateMax    int           `yaml:"rate_max" env:"RATE_MAX" env-default:"10"`

	TrackingPrefix string `yaml:"tracking_prefix" env:"TRACKING_PREFIX" env-default:"TKT"`
	TrackingWidth  int    `yaml:"tracking_width" env:"TRACKING_WIDTH" env-default:"10"`

	// LeaseTTL must cover the ticketing worst case; see Validate.
	LeaseTTL           time.Duration `yaml:"lease_ttl" env:"LEASE_TTL" env-default:"3m"`
	UnconfiguredPolicy string        `yaml:"unconfigured_policy" env:"UNCONFIGURED_POLICY" env-default:"drop"`
	SenderBlocklist    []string      `yaml:"sender_blocklist" env:"SENDER_BLOCKLIST" env-separator:","`
}

// ForwardConfig configures where copies of inbound mail are sent.
type ForwardConfig struct {
	WebhookURL     string        `yaml:"webhook_url" env:"FORWARD_WEBHOOK_URL"`
	WebhookSecret  string        `yaml:"webhook_secret" env:"FORWARD_WEBHOOK_SECRET"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout" env:"FORWARD_WEBHOOK_TIMEOUT" env-default:"10s"`
	// To is the default mailbox for forwarded copies sent through SendGrid.
	To string `yaml:"to" env:"FORWARD_TO"`
}

// MailConfig configures outbound mail through SendGrid.
type MailConfig struct {
	SendGridAPIKey string `yaml:"sendgrid_api_key" env:"SENDGRID_API_KEY"`
	FromAddress    string `yaml:"from_address" env:"MAIL_FROM_ADDRESS" env-default:"support@localhost"`
	FromName       string `yaml:"from_name" env:"MAIL_FROM_NAME" env-default:"Support"`
}

// RetryConfig configures the delayed retry queue.
type RetryConfig struct {
	Queue        string        `yaml:"queue" env:"RETRY_QUEUE" env-default:"router:retry"`
	MaxAttempts  int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"5"`
	BaseDelay    time.Duration `yaml:"base_delay" env:"RETRY_BASE_DELAY" env-default:"30s"`
	PollInterval time.Duration `yaml:"poll_interval" env:"RETRY_POLL_INTERVAL" env-default:"5s"`
	Batch        int           `yaml:"batch" env:"RETRY_BATCH" env-default:"20"`
}

// Config holds all configuration for the router service.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Ticketing TicketingConfig `yaml:"ticketing"`
	Routing   RoutingConfig   `yaml:"routing"`
	Forward   ForwardConfig   `yaml:"forward"`
	Mail      MailConfig      `yaml:"mail"`
	Retry     RetryConfig     `yaml:"retry"`
}

// Load reads configuration from the YAML file named by CONFIG_PATH and
// environment variables. Environment wins over YAML; env-default tags fill
// the rest. Without CONFIG_PATH a missing ./config.yaml is not an error.
func Load() (*Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = "./config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate reports every setting that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Ticketing.BaseURL) == "" {
		errs = append(errs, errors.New("TICKETING_URL is required"))
	}
	if strings.TrimSpace(c.Routing.DomainsPath) == "" {
		errs = append(errs, errors.New("DOMAINS_PATH is required"))
	}

	switch c.Store.RecordBackend {
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("RECORD_BACKEND=postgres requires DATABASE_URL"))
		}
	case BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown RECORD_BACKEND %q", c.Store.RecordBackend))
	}

	switch c.Store.StateBackend {
	case BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STATE_BACKEND %q", c.Store.StateBackend))
	}

	switch c.Routing.UnconfiguredPolicy {
	case "drop", "forward":
	default:
		errs = append(errs, fmt.Errorf("unknown UNCONFIGURED_POLICY %q", c.Routing.UnconfiguredPolicy))
	}

	if c.Routing.RateMax <= 0 {
		errs = append(errs, errors.New("RATE_MAX must be positive"))
	}
	if c.Routing.RateWindow <= 0 {
		errs = append(errs, errors.New("RATE_WINDOW must be positive"))
	}

	// A lease that expires while ticketing calls are still running lets a
	// redelivery create a second ticket.
	if budget := ticketing.MessageBudget(c.Ticketing.Timeout, c.Ticketing.MaxAttempts); c.Routing.LeaseTTL < budget {
		errs = append(errs, fmt.Errorf("LEASE_TTL %s is below the ticketing worst case %s for TICKETING_TIMEOUT=%s TICKETING_MAX_ATTEMPTS=%d",
			c.Routing.LeaseTTL, budget, c.Ticketing.Timeout, c.Ticketing.MaxAttempts))
	}

	return errors.Join(errs...)
}

// NeedsRedis reports whether any backend is Redis-backed.
func (c *Config) NeedsRedis() bool {
	return c.Store.RecordBackend == BackendRedis || c.Store.StateBackend == BackendRedis
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
