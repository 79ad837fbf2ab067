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

// Courier — Outbound Send Command
//
// Standalone CLI tool that composes and sends a single outbound message
// through a configured channel. Intended for operational testing of
// provider credentials and for one-off notifications.
//
// Usage:
//
//	go run ./cmd/sendmsg/ --channel sms --to +15551234567 --body "Hello"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caredesk/courier/internal/channel"
	"github.com/caredesk/courier/internal/config"
	"github.com/caredesk/courier/internal/messaging"
	"github.com/caredesk/courier/internal/provider/mailgun"
	"github.com/caredesk/courier/internal/provider/telegram"
	"github.com/caredesk/courier/internal/provider/twilio"
	"github.com/caredesk/courier/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	channelFlag := flag.String("channel", "", "Channel to send on: sms, email, telegram (required)")
	toFlag := flag.String("to", "", "Recipient address for the channel (required)")
	bodyFlag := flag.String("body", "", "Message body (required)")
	subjectFlag := flag.String("subject", "", "Subject line (email only)")
	conversationFlag := flag.String("conversation", "", "Existing conversation id (optional; empty = find-or-create by recipient)")
	flag.Parse()

	if *channelFlag == "" || *toFlag == "" || *bodyFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --channel, --to, and --body are required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	messageStore, err := store.NewPostgres(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise message store", "error", err)
		os.Exit(1)
	}

	// --- Provider Registry ---
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

	// Dedup and queue are webhook-side concerns; a one-shot send needs
	// neither.
	service := messaging.NewService(messaging.Config{
		Store:       messageStore,
		Registry:    registry,
		TenantID:    cfg.TenantID,
		SendTimeout: cfg.SendTimeout,
	})

	result, err := service.Compose(ctx, messaging.ComposeInput{
		Channel:        channel.Channel(*channelFlag),
		Recipient:      *toFlag,
		Subject:        *subjectFlag,
		Body:           *bodyFlag,
		ConversationID: *conversationFlag,
	})
	if err != nil {
		slog.Error("compose failed", "channel", *channelFlag, "error", err)
		os.Exit(1)
	}
	if !result.Success {
		slog.Error("send failed",
			"channel", *channelFlag,
			"recipient", *toFlag,
			"error", result.Error,
		)
		os.Exit(1)
	}

	slog.Info("message sent",
		"channel", *channelFlag,
		"external_id", result.ExternalID,
		"message_id", result.MessageID,
		"conversation", result.ConversationID,
	)
}
