// Copyright (c) 2026 Caredesk
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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TwilioConfig holds SMS provider credentials.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

// Enabled reports whether the provider has usable credentials.
func (c TwilioConfig) Enabled() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// MailgunConfig holds email provider credentials.
type MailgunConfig struct {
	Domain     string `yaml:"domain"`
	APIKey     string `yaml:"api_key"`
	SigningKey string `yaml:"signing_key"`
	Sender     string `yaml:"sender"`
}

// Enabled reports whether the provider has usable credentials.
func (c MailgunConfig) Enabled() bool {
	return c.Domain != "" && c.APIKey != "" && c.Sender != ""
}

// TelegramConfig holds Telegram bot credentials.
type TelegramConfig struct {
	BotToken    string `yaml:"bot_token"`
	SecretToken string `yaml:"secret_token"`
	BotUsername string `yaml:"bot_username"`
}

// Enabled reports whether the provider has usable credentials.
func (c TelegramConfig) Enabled() bool {
	return c.BotToken != "" && c.BotUsername != ""
}

// RateLimitConfig sets the per-key webhook quota.
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
}

// Config holds all configuration for the courier service.
type Config struct {
	// TenantID scopes conversations; one practice per deployment.
	TenantID string

	Twilio   TwilioConfig
	Mailgun  MailgunConfig
	Telegram TelegramConfig

	RateLimit RateLimitConfig

	// VerifySignatures enables webhook authenticity checks. Derived from
	// the environment setting: anything other than "production" skips
	// verification for local development convenience.
	VerifySignatures bool

	// SendTimeout bounds outbound provider calls.
	SendTimeout time.Duration

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL     string
	InboundQueue string

	// Server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Tenant      string `yaml:"tenant"`
	Environment string `yaml:"environment"`
	Database    struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Inbound string `yaml:"inbound"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Providers struct {
		Twilio   TwilioConfig   `yaml:"twilio"`
		Mailgun  MailgunConfig  `yaml:"mailgun"`
		Telegram TelegramConfig `yaml:"telegram"`
	} `yaml:"providers"`
	RateLimit struct {
		MaxRequests   int `yaml:"max_requests"`
		WindowSeconds int `yaml:"window_seconds"`
	} `yaml:"rate_limit"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	environment := firstNonEmpty(raw.Environment, envOrDefault("ENVIRONMENT", "development"))

	cfg := &Config{
		TenantID:         firstNonEmpty(raw.Tenant, envOrDefault("TENANT_ID", "default")),
		Twilio:           raw.Providers.Twilio,
		Mailgun:          raw.Providers.Mailgun,
		Telegram:         raw.Providers.Telegram,
		VerifySignatures: strings.EqualFold(environment, "production"),
		SendTimeout:      envOrDefaultDuration("SEND_TIMEOUT", 15*time.Second),
		DatabaseURL:      firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/courier")),
		RedisURL:         firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		InboundQueue:     firstNonEmpty(raw.Redis.Queues.Inbound, envOrDefault("INBOUND_QUEUE", "inbound-messages")),
		Port:             envOrDefaultInt("PORT", 8080),
		RateLimit: RateLimitConfig{
			MaxRequests: raw.RateLimit.MaxRequests,
			Window:      time.Duration(raw.RateLimit.WindowSeconds) * time.Second,
		},
	}

	if cfg.RateLimit.MaxRequests <= 0 {
		cfg.RateLimit.MaxRequests = 30
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = time.Minute
	}

	if !cfg.Twilio.Enabled() && !cfg.Mailgun.Enabled() && !cfg.Telegram.Enabled() {
		return nil, fmt.Errorf("no messaging providers configured: check config.yaml and environment variables")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
