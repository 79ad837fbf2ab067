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

// Package channel defines the transport-agnostic messaging contract: the
// Channel identifiers, the normalized inbound/status/outbound data shapes,
// the Provider capability every transport integration implements, and the
// Registry that resolves a Channel to its Provider.
package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Channel identifies a messaging transport.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
)

// MessageStatus is a provider-reported delivery status.
type MessageStatus string

const (
	StatusQueued      MessageStatus = "queued"
	StatusSent        MessageStatus = "sent"
	StatusDelivered   MessageStatus = "delivered"
	StatusFailed      MessageStatus = "failed"
	StatusUndelivered MessageStatus = "undelivered"
)

// Actionable reports whether a status carries a state change worth
// persisting. Intermediate statuses (queued, sent without a delivery
// confirmation) are acknowledged but recorded nowhere.
func (s MessageStatus) Actionable() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusUndelivered:
		return true
	}
	return false
}

// InboundMessage is the normalized form of a message received via webhook.
// A successful parse always yields a non-nil InboundMessage; parse failure
// is signaled with a *ParseError, never a nil sentinel.
type InboundMessage struct {
	Channel     Channel   `json:"channel"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Body        string    `json:"body"`
	Attachments []string  `json:"attachments,omitempty"`
	ExternalID  string    `json:"external_id"`
	ReceivedAt  time.Time `json:"received_at"`
}

// StatusUpdate is the normalized form of a delivery-status callback.
// Providers return (nil, nil) from ParseStatus for statuses that carry no
// actionable state change; that is a defined no-op, not an error.
type StatusUpdate struct {
	ExternalID string            `json:"external_id"`
	Status     MessageStatus     `json:"status"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// SendParams describes an outbound message handed to a Provider.
type SendParams struct {
	Recipient string
	Body      string
	Subject   string // email only; ignored by other transports
}

// SendResult is the outcome of an outbound send. Transport errors are
// captured in Error, never raised to the caller.
type SendResult struct {
	Success    bool
	ExternalID string
	Error      string
}

// Provider is the capability set every transport integration implements.
//
// ParseInbound and ParseStatus consume the webhook request directly because
// providers differ in encoding (Twilio: form-encoded, Mailgun: multipart,
// Telegram: JSON). VerifySignature receives the raw body separately since
// parsing may have consumed the request body already.
type Provider interface {
	// ParseInbound extracts a normalized inbound message from a webhook
	// request. Malformed payloads return a *ParseError.
	ParseInbound(r *http.Request) (*InboundMessage, error)

	// ParseStatus extracts a delivery-status update. Returns (nil, nil)
	// for statuses with no actionable state change.
	ParseStatus(r *http.Request) (*StatusUpdate, error)

	// VerifySignature checks webhook authenticity against the raw request
	// body. Comparison of secrets must be constant time.
	VerifySignature(r *http.Request, body []byte) bool

	// Send dispatches an outbound message. The context bounds the call;
	// a timed-out send reports SendResult{Success: false, Error: "timeout"}.
	Send(ctx context.Context, params SendParams) SendResult
}

// ParseError reports a malformed or incomplete webhook payload.
type ParseError struct {
	Channel Channel
	Field   string
	Reason  string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s payload invalid: field %q %s", e.Channel, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s payload invalid: %s", e.Channel, e.Reason)
}

// ConfigError reports a deployment mistake such as a channel with no
// registered provider. It is distinguishable from runtime send failures
// and should be treated as fatal at startup.
type ConfigError struct {
	Channel Channel
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("no provider registered for channel %q", e.Channel)
}
