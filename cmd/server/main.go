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

// Courier — Messaging Service
//
// Entry point for the channel-agnostic messaging core. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Builds one provider per configured channel and registers them
//  4. Serves per-channel webhook endpoints with rate limiting
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/caredesk/courier/internal/channel"
	"github.com/caredesk/courier/internal/config"
	"github.com/caredesk/courier/internal/dedup"
	"github.com/caredesk/courier/internal/messaging"
	"github.com/caredesk/courier/internal/provider/mailgun"
	"github.com/caredesk/courier/internal/provider/telegram"
	"github.com/caredesk/courier/internal/provider/twilio"
	"github.com/caredesk/courier/internal/queue"
	"github.com/caredesk/courier/internal/ratelimit"
	"github.com/caredesk/courier/internal/store"
	"github.com/caredesk/courier/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting courier messaging service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tenant", cfg.TenantID,
		"verify_signatures", cfg.VerifySignatures,
		"rate_limit", cfg.RateLimit.MaxRequests,
		"rate_window", cfg.RateLimit.Window,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.InboundQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Dedup Filter ---
	filter := dedup.NewFilter(rdb)

	// --- Message Store (Postgres) ---
	messageStore, err := store.NewPostgres(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise message store", "error", err)
		os.Exit(1)
	}

	// --- Provider Registry ---
	// Only channels with credentials get a provider; webhook routes are
	// built from the registry, so unconfigured channels have no endpoint.
	registry := channel.NewRegistry()
	if cfg.Twilio.Enabled() {
		registry.Register(channel.ChannelSMS, twilio.New(
			cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber,
		))
	}
	if cfg.Mailgun.Enabled() {
		registry.Register(channel.ChannelEmail, mailgun.New(
			cfg.Mailgun.Domain, cfg.Mailgun.APIKey, cfg.Mailgun.SigningKey, cfg.Mailgun.Sender,
		))
	}
	if cfg.Telegram.Enabled() {
		registry.Register(channel.ChannelTelegram, telegram.New(
			cfg.Telegram.BotToken, cfg.Telegram.SecretToken, cfg.Telegram.BotUsername,
		))
	}
	slog.Info("providers registered", "channels", registry.Channels())

	// --- Messaging Service ---
	service := messaging.NewService(messaging.Config{
		Store:       messageStore,
		Registry:    registry,
		Dedup:       filter,
		Queue:       publisher,
		TenantID:    cfg.TenantID,
		SendTimeout: cfg.SendTimeout,
	})

	// --- Rate Limiter ---
	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
	})
	limiter.StartSweeper(5*time.Minute, ctx.Done())

	// --- Webhook Router ---
	handler := webhook.NewHandler(service, registry, limiter, cfg.VerifySignatures)
	router := handler.Router()

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check Redis
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Postgres
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop background goroutines

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("courier service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("courier service stopped")
}
