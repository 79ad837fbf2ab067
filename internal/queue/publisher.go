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

// Package queue publishes normalized inbound messages to a Redis list.
// Downstream workers (auto-reply, staff notification fan-out) consume the
// queue; the webhook path itself never blocks on them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/caredesk/courier/internal/channel"
)

// Publisher sends inbound message events to Redis.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// task is the envelope workers pop from the queue.
type task struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Message      *channel.InboundMessage `json:"message"`
	Tenant       string                  `json:"tenant"`
	QueuedAt     string                  `json:"queued_at"`
	Conversation string                  `json:"conversation_id"`
}

// PublishInbound serialises a normalized inbound message and pushes it to
// the queue for downstream workers.
func (p *Publisher) PublishInbound(ctx context.Context, msg *channel.InboundMessage, tenant, conversationID string) error {
	taskID := uuid.New().String()

	body, err := json.Marshal(task{
		ID:           taskID,
		Type:         "messaging.inbound",
		Message:      msg,
		Tenant:       tenant,
		QueuedAt:     time.Now().UTC().Format(time.RFC3339),
		Conversation: conversationID,
	})
	if err != nil {
		return fmt.Errorf("marshal inbound task: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(body)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published inbound message to queue",
		"task_id", taskID,
		"channel", msg.Channel,
		"external_id", msg.ExternalID,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
