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

// Package messaging orchestrates the channel-agnostic core: inbound
// webhook messages are resolved to a conversation and persisted, status
// callbacks are correlated to stored messages, and outbound sends are
// routed through the provider registry. Persistence failures never
// propagate out of the inbound path; webhooks must stay answerable.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caredesk/courier/internal/channel"
	"github.com/caredesk/courier/internal/store"
)

// Store is the persistence collaborator. The Postgres implementation
// lives in internal/store; tests substitute in-memory fakes.
type Store interface {
	FindOrCreateConversation(ctx context.Context, ch channel.Channel, counterpart, tenantID string) (*store.Conversation, error)
	InsertMessage(ctx context.Context, m *store.Message) (created bool, err error)
	UpdateMessageStatus(ctx context.Context, ch channel.Channel, externalID string, status channel.MessageStatus) (found bool, err error)
}

// Deduper drops repeated webhook deliveries ahead of the store. It is
// best-effort: a dedup backend failure must not reject the message.
type Deduper interface {
	IsNew(ctx context.Context, ch channel.Channel, externalID string) (bool, error)
}

// Publisher hands normalized inbound messages to downstream workers.
type Publisher interface {
	PublishInbound(ctx context.Context, msg *channel.InboundMessage, tenant, conversationID string) error
}

// Config wires the service's collaborators. Dedup and Queue are optional;
// when nil the corresponding step is skipped.
type Config struct {
	Store    Store
	Registry *channel.Registry
	Dedup    Deduper
	Queue    Publisher

	// TenantID scopes every conversation. Single-practice deployments set
	// one value for the process lifetime.
	TenantID string

	// SendTimeout bounds outbound provider calls.
	SendTimeout time.Duration
}

// Service is the messaging core.
type Service struct {
	store       Store
	registry    *channel.Registry
	dedup       Deduper
	queue       Publisher
	tenantID    string
	sendTimeout time.Duration
}

// NewService creates the messaging service.
func NewService(cfg Config) *Service {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{
		store:       cfg.Store,
		registry:    cfg.Registry,
		dedup:       cfg.Dedup,
		queue:       cfg.Queue,
		tenantID:    cfg.TenantID,
		sendTimeout: timeout,
	}
}

// InboundResult reports the outcome of handling an inbound message.
// Duplicate means the message was recognised and dropped; that is still a
// success from the webhook's point of view.
type InboundResult struct {
	Success   bool
	Duplicate bool
	MessageID string
	Error     string
}

// HandleInbound resolves the conversation for an inbound message,
// persists the message, and notifies downstream workers. Every
// persistence failure is converted to a result; the caller can always
// acknowledge the upstream provider.
func (s *Service) HandleInbound(ctx context.Context, msg *channel.InboundMessage) InboundResult {
	if msg.ExternalID != "" && s.dedup != nil {
		isNew, err := s.dedup.IsNew(ctx, msg.Channel, msg.ExternalID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding",
				"channel", msg.Channel,
				"external_id", msg.ExternalID,
				"error", err,
			)
		} else if !isNew {
			slog.Debug("dropping duplicate inbound message",
				"channel", msg.Channel,
				"external_id", msg.ExternalID,
			)
			return InboundResult{Success: true, Duplicate: true}
		}
	}

	conv, err := s.store.FindOrCreateConversation(ctx, msg.Channel, msg.Sender, s.tenantID)
	if err != nil {
		slog.Error("conversation lookup failed",
			"channel", msg.Channel,
			"sender", msg.Sender,
			"error", err,
		)
		return InboundResult{Error: fmt.Sprintf("resolve conversation: %v", err)}
	}

	record := &store.Message{
		ConversationID: conv.ID,
		Direction:      store.DirectionInbound,
		Channel:        msg.Channel,
		Body:           msg.Body,
		Attachments:    msg.Attachments,
		ExternalID:     msg.ExternalID,
		Status:         channel.StatusDelivered,
		CreatedAt:      msg.ReceivedAt,
	}

	created, err := s.store.InsertMessage(ctx, record)
	if err != nil {
		slog.Error("message insert failed",
			"channel", msg.Channel,
			"external_id", msg.ExternalID,
			"error", err,
		)
		return InboundResult{Error: fmt.Sprintf("persist message: %v", err)}
	}
	if !created {
		// The unique index caught a duplicate the filter missed.
		return InboundResult{Success: true, Duplicate: true}
	}

	if s.queue != nil {
		if err := s.queue.PublishInbound(ctx, msg, s.tenantID, conv.ID); err != nil {
			// Workers can recover from the store; do not fail the webhook.
			slog.Error("inbound publish failed",
				"channel", msg.Channel,
				"external_id", msg.ExternalID,
				"error", err,
			)
		}
	}

	return InboundResult{Success: true, MessageID: record.ID}
}

// HandleStatus records a delivery-status change. A nil update is the
// defined no-op for intermediate statuses. An unknown external id is
// logged, not an error: the status may refer to a message sent before this
// deployment.
func (s *Service) HandleStatus(ctx context.Context, ch channel.Channel, upd *channel.StatusUpdate) error {
	if upd == nil {
		return nil
	}

	found, err := s.store.UpdateMessageStatus(ctx, ch, upd.ExternalID, upd.Status)
	if err != nil {
		slog.Error("status update failed",
			"channel", ch,
			"external_id", upd.ExternalID,
			"error", err,
		)
		return fmt.Errorf("update status: %w", err)
	}
	if !found {
		slog.Warn("status update for unknown message",
			"channel", ch,
			"external_id", upd.ExternalID,
			"status", upd.Status,
		)
	}
	return nil
}

// ComposeInput describes an outbound message.
type ComposeInput struct {
	Channel   channel.Channel
	Recipient string
	Subject   string
	Body      string

	// ConversationID optionally pins the message to an existing
	// conversation; empty means find-or-create by recipient.
	ConversationID string
}

// ComposeResult mirrors the provider's SendResult plus the persisted ids.
type ComposeResult struct {
	Success        bool
	ExternalID     string
	MessageID      string
	ConversationID string
	Error          string
}

// Compose resolves the provider for the channel, sends the message under
// the configured timeout, and persists the outbound record. A missing
// provider registration is returned as an error (a *channel.ConfigError),
// distinct from send failures which land in the result.
func (s *Service) Compose(ctx context.Context, input ComposeInput) (ComposeResult, error) {
	provider, err := s.registry.Get(input.Channel)
	if err != nil {
		slog.Error("compose for unregistered channel", "channel", input.Channel)
		return ComposeResult{}, err
	}

	conversationID := input.ConversationID
	if conversationID == "" {
		conv, err := s.store.FindOrCreateConversation(ctx, input.Channel, input.Recipient, s.tenantID)
		if err != nil {
			return ComposeResult{Error: fmt.Sprintf("resolve conversation: %v", err)}, nil
		}
		conversationID = conv.ID
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	res := provider.Send(sendCtx, channel.SendParams{
		Recipient: input.Recipient,
		Subject:   input.Subject,
		Body:      input.Body,
	})

	status := channel.StatusSent
	if !res.Success {
		status = channel.StatusFailed
	}

	record := &store.Message{
		ConversationID: conversationID,
		Direction:      store.DirectionOutbound,
		Channel:        input.Channel,
		Body:           input.Body,
		ExternalID:     res.ExternalID,
		Status:         status,
	}

	messageID := ""
	if _, err := s.store.InsertMessage(ctx, record); err != nil {
		// The message may already be on the wire; report the send outcome
		// but surface the persistence gap to operators. No id is returned
		// for a row that was never written.
		slog.Error("outbound message insert failed",
			"channel", input.Channel,
			"external_id", res.ExternalID,
			"error", err,
		)
	} else {
		messageID = record.ID
	}

	out := ComposeResult{
		Success:        res.Success,
		ExternalID:     res.ExternalID,
		MessageID:      messageID,
		ConversationID: conversationID,
		Error:          res.Error,
	}

	if res.Success {
		slog.Info("outbound message sent",
			"channel", input.Channel,
			"external_id", res.ExternalID,
			"conversation", conversationID,
		)
	} else {
		slog.Error("outbound send failed",
			"channel", input.Channel,
			"recipient", input.Recipient,
			"error", res.Error,
		)
	}

	return out, nil
}
