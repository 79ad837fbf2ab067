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

// Package telegram implements the Telegram channel provider on top of the
// Bot API. Webhook updates arrive as JSON; authenticity is the secret
// token Telegram echoes back in a request header. Telegram has no delivery
// receipts, so status parsing is always the no-op signal.
package telegram

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/caredesk/courier/internal/channel"
)

// Provider sends and receives messages via a Telegram bot.
type Provider struct {
	botUsername string
	secretToken string
	bot         *tgbotapi.BotAPI
}

// New creates a Telegram provider. botToken authenticates against the Bot
// API; secretToken is the value registered with setWebhook and echoed in
// the X-Telegram-Bot-Api-Secret-Token header; botUsername is recorded as
// the recipient address on inbound messages.
func New(botToken, secretToken, botUsername string) *Provider {
	bot := &tgbotapi.BotAPI{
		Token:  botToken,
		Client: &http.Client{Timeout: 15 * time.Second},
		Buffer: 100,
	}
	bot.SetAPIEndpoint(tgbotapi.APIEndpoint)

	return &Provider{
		botUsername: botUsername,
		secretToken: secretToken,
		bot:         bot,
	}
}

// SetAPIEndpoint overrides the Bot API endpoint format string. Used by
// tests.
func (p *Provider) SetAPIEndpoint(endpoint string) {
	p.bot.SetAPIEndpoint(endpoint)
}

// ParseInbound extracts a normalized message from a webhook update. The
// counterpart address is the chat ID, which is also what outbound sends
// address. Updates that carry no message (edits, callbacks, channel posts)
// are a ParseError.
func (p *Provider) ParseInbound(r *http.Request) (*channel.InboundMessage, error) {
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		return nil, &channel.ParseError{Channel: channel.ChannelTelegram, Reason: "not valid JSON"}
	}

	msg := update.Message
	if msg == nil {
		return nil, &channel.ParseError{Channel: channel.ChannelTelegram, Field: "message", Reason: "missing"}
	}
	if msg.Chat == nil {
		return nil, &channel.ParseError{Channel: channel.ChannelTelegram, Field: "chat", Reason: "missing"}
	}

	body := msg.Text
	if body == "" {
		body = msg.Caption
	}

	var attachments []string
	if len(msg.Photo) > 0 {
		attachments = append(attachments, msg.Photo[len(msg.Photo)-1].FileID)
	}
	if msg.Document != nil {
		attachments = append(attachments, msg.Document.FileID)
	}

	received := msg.Time()
	if received.IsZero() {
		received = time.Now().UTC()
	}

	return &channel.InboundMessage{
		Channel:     channel.ChannelTelegram,
		Sender:      strconv.FormatInt(msg.Chat.ID, 10),
		Recipient:   p.botUsername,
		Body:        body,
		Attachments: attachments,
		ExternalID:  fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		ReceivedAt:  received.UTC(),
	}, nil
}

// ParseStatus always returns the no-op signal: the Bot API has no delivery
// receipt webhooks.
func (p *Provider) ParseStatus(r *http.Request) (*channel.StatusUpdate, error) {
	return nil, nil
}

// VerifySignature compares the secret token header registered with
// setWebhook in constant time.
func (p *Provider) VerifySignature(r *http.Request, body []byte) bool {
	header := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if header == "" || p.secretToken == "" {
		return false
	}
	return hmac.Equal([]byte(p.secretToken), []byte(header))
}

// Send dispatches an outbound message to the chat named by
// params.Recipient. The Bot API client has no context support, so the send
// runs in a goroutine and the context deadline is enforced by selection;
// an expired deadline reports "timeout".
func (p *Provider) Send(ctx context.Context, params channel.SendParams) channel.SendResult {
	chatID, err := strconv.ParseInt(params.Recipient, 10, 64)
	if err != nil {
		return channel.SendResult{Error: fmt.Sprintf("recipient %q is not a chat id", params.Recipient)}
	}

	type outcome struct {
		msg tgbotapi.Message
		err error
	}

	done := make(chan outcome, 1)
	go func() {
		sent, err := p.bot.Send(tgbotapi.NewMessage(chatID, params.Body))
		done <- outcome{msg: sent, err: err}
	}()

	select {
	case <-ctx.Done():
		return channel.SendResult{Error: "timeout"}
	case out := <-done:
		if out.err != nil {
			return channel.SendResult{Error: fmt.Sprintf("telegram send: %v", out.err)}
		}
		return channel.SendResult{
			Success:    true,
			ExternalID: fmt.Sprintf("%d:%d", chatID, out.msg.MessageID),
		}
	}
}
