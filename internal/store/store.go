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

// Package store provides the Postgres-backed conversation and message
// store. Conversation uniqueness per (channel, counterpart, tenant) and
// message uniqueness per (channel, external_id) are enforced by database
// constraints, so find-or-create and inbound dedup stay atomic under
// concurrent webhook deliveries.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caredesk/courier/internal/channel"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Conversation groups messages exchanged with one counterpart on one
// channel within a tenant.
type Conversation struct {
	ID          string
	Channel     channel.Channel
	Counterpart string
	TenantID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is a single inbound or outbound message within a conversation.
// ExternalID is empty when the provider assigned none; when present it is
// unique per channel and correlates later status updates.
type Message struct {
	ID             string
	ConversationID string
	Direction      string
	Channel        channel.Channel
	Body           string
	Attachments    []string
	ExternalID     string
	Status         channel.MessageStatus
	CreatedAt      time.Time
}

// Postgres implements the conversation/message store on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates the store and ensures its schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure messaging schema: %w", err)
	}
	slog.Info("message store initialised")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversations (
			id          UUID PRIMARY KEY,
			channel     TEXT NOT NULL,
			counterpart TEXT NOT NULL,
			tenant_id   TEXT NOT NULL,
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(channel, counterpart, tenant_id)
		);
		CREATE TABLE IF NOT EXISTS messages (
			id              UUID PRIMARY KEY,
			conversation_id UUID NOT NULL REFERENCES conversations(id),
			direction       TEXT NOT NULL,
			channel         TEXT NOT NULL,
			body            TEXT NOT NULL DEFAULT '',
			attachments     TEXT[] NOT NULL DEFAULT '{}',
			external_id     TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'queued',
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external
			ON messages(channel, external_id) WHERE external_id <> '';
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
	`)
	return err
}

// FindOrCreateConversation returns the conversation for (channel,
// counterpart, tenant), creating it if absent. The upsert targets the
// unique constraint, so two concurrent first-contact webhooks resolve to
// the same row.
func (s *Postgres) FindOrCreateConversation(ctx context.Context, ch channel.Channel, counterpart, tenantID string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, channel, counterpart, tenant_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel, counterpart, tenant_id) DO UPDATE SET
			updated_at = NOW()
		RETURNING id, channel, counterpart, tenant_id, created_at, updated_at
	`, uuid.New().String(), ch, counterpart, tenantID)

	var c Conversation
	if err := row.Scan(&c.ID, &c.Channel, &c.Counterpart, &c.TenantID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("find-or-create conversation: %w", err)
	}
	return &c, nil
}

// InsertMessage persists a message. When the message carries an external
// id, a duplicate of an already-stored (channel, external_id) pair is
// silently dropped and created reports false.
func (s *Postgres) InsertMessage(ctx context.Context, m *Message) (created bool, err error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO messages
			(id, conversation_id, direction, channel, body, attachments, external_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (channel, external_id) WHERE external_id <> '' DO NOTHING
	`, m.ID, m.ConversationID, m.Direction, m.Channel, m.Body, m.Attachments, m.ExternalID, m.Status, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateMessageStatus records a delivery-status change correlated by
// (channel, external_id). found reports whether a matching message exists.
func (s *Postgres) UpdateMessageStatus(ctx context.Context, ch channel.Channel, externalID string, status channel.MessageStatus) (found bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET status = $1
		WHERE channel = $2 AND external_id = $3
	`, status, ch, externalID)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetConversation returns a conversation by id, or nil when absent.
func (s *Postgres) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, channel, counterpart, tenant_id, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`, id)

	var c Conversation
	err := row.Scan(&c.ID, &c.Channel, &c.Counterpart, &c.TenantID, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListMessages returns a conversation's messages in delivery order.
func (s *Postgres) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, direction, channel, body, attachments, external_id, status, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Direction, &m.Channel, &m.Body,
			&m.Attachments, &m.ExternalID, &m.Status, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
