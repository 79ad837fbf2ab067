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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
}

// TestLoad verifies YAML parsing, env expansion, and derived settings.
func TestLoad(t *testing.T) {
	t.Setenv("TWILIO_AUTH_TOKEN", "tok-from-env")

	writeConfig(t, `
tenant: practice-1
environment: production
database:
  url: postgres://db:5432/courier
redis:
  url: redis://cache:6379/0
  queues:
    inbound: inbound-messages
providers:
  twilio:
    account_sid: AC123
    auth_token: ${TWILIO_AUTH_TOKEN}
    from_number: "+15550000000"
rate_limit:
  max_requests: 10
  window_seconds: 30
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.TenantID != "practice-1" {
		t.Errorf("tenantID = %q, want practice-1", cfg.TenantID)
	}
	if !cfg.VerifySignatures {
		t.Error("production environment should enable signature verification")
	}
	if cfg.Twilio.AuthToken != "tok-from-env" {
		t.Errorf("auth token = %q, want env-expanded value", cfg.Twilio.AuthToken)
	}
	if !cfg.Twilio.Enabled() {
		t.Error("twilio should be enabled")
	}
	if cfg.Mailgun.Enabled() || cfg.Telegram.Enabled() {
		t.Error("unconfigured providers should be disabled")
	}
	if cfg.RateLimit.MaxRequests != 10 || cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("rate limit = %+v, want 10/30s", cfg.RateLimit)
	}
	if cfg.DatabaseURL != "postgres://db:5432/courier" {
		t.Errorf("databaseURL = %q", cfg.DatabaseURL)
	}
}

// TestLoad_DevelopmentSkipsVerification verifies the mode flag default.
func TestLoad_DevelopmentSkipsVerification(t *testing.T) {
	writeConfig(t, `
tenant: practice-1
providers:
  telegram:
    bot_token: bot-tok
    bot_username: clinic_bot
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.VerifySignatures {
		t.Error("non-production environment should skip signature verification")
	}
	if cfg.RateLimit.MaxRequests != 30 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("rate limit defaults = %+v, want 30/1m", cfg.RateLimit)
	}
}

// TestLoad_NoProviders verifies load fails when every provider is
// unconfigured.
func TestLoad_NoProviders(t *testing.T) {
	writeConfig(t, `
tenant: practice-1
`)

	if _, err := Load(); err == nil {
		t.Fatal("expected error when no providers are configured")
	}
}
