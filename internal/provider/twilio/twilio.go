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

// Package twilio implements the SMS channel provider against the Twilio
// Programmable Messaging API. Inbound messages and status callbacks arrive
// as form-encoded webhooks; authenticity is an HMAC-SHA1 signature over
// the request URL plus the sorted POST parameters.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caredesk/courier/internal/channel"
)

const defaultBaseURL = "https://api.twilio.com"

// Provider sends and receives SMS via Twilio.
type Provider struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
}

// New creates a Twilio SMS provider. accountSID and authToken come from the
// Twilio console; fromNumber is the provisioned number in E.164 format.
func New(accountSID, authToken, fromNumber string) *Provider {
	return &Provider{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// SetBaseURL overrides the API base URL. Used by tests.
func (p *Provider) SetBaseURL(u string) {
	p.baseURL = u
}

// ParseInbound extracts a normalized message from a Twilio inbound webhook.
// Required fields: From, To, MessageSid. Body may be empty (media-only
// messages); media URLs are collected as attachments.
func (p *Provider) ParseInbound(r *http.Request) (*channel.InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return nil, &channel.ParseError{Channel: channel.ChannelSMS, Reason: "not form-encoded"}
	}

	from := r.PostFormValue("From")
	to := r.PostFormValue("To")
	sid := r.PostFormValue("MessageSid")

	switch {
	case from == "":
		return nil, &channel.ParseError{Channel: channel.ChannelSMS, Field: "From", Reason: "missing"}
	case to == "":
		return nil, &channel.ParseError{Channel: channel.ChannelSMS, Field: "To", Reason: "missing"}
	case sid == "":
		return nil, &channel.ParseError{Channel: channel.ChannelSMS, Field: "MessageSid", Reason: "missing"}
	}

	var attachments []string
	if n, err := strconv.Atoi(r.PostFormValue("NumMedia")); err == nil {
		for i := 0; i < n; i++ {
			if u := r.PostFormValue(fmt.Sprintf("MediaUrl%d", i)); u != "" {
				attachments = append(attachments, u)
			}
		}
	}

	return &channel.InboundMessage{
		Channel:     channel.ChannelSMS,
		Sender:      from,
		Recipient:   to,
		Body:        r.PostFormValue("Body"),
		Attachments: attachments,
		ExternalID:  sid,
		ReceivedAt:  time.Now().UTC(),
	}, nil
}

// ParseStatus extracts a delivery-status update from a Twilio status
// callback. Intermediate statuses (queued, sending, sent) return (nil, nil).
func (p *Provider) ParseStatus(r *http.Request) (*channel.StatusUpdate, error) {
	if err := r.ParseForm(); err != nil {
		return nil, &channel.ParseError{Channel: channel.ChannelSMS, Reason: "not form-encoded"}
	}

	sid := r.PostFormValue("MessageSid")
	if sid == "" {
		return nil, &channel.ParseError{Channel: channel.ChannelSMS, Field: "MessageSid", Reason: "missing"}
	}

	status := mapStatus(r.PostFormValue("MessageStatus"))
	if !status.Actionable() {
		return nil, nil
	}

	upd := &channel.StatusUpdate{
		ExternalID: sid,
		Status:     status,
		UpdatedAt:  time.Now().UTC(),
	}
	if code := r.PostFormValue("ErrorCode"); code != "" {
		upd.Meta = map[string]string{"error_code": code}
	}
	return upd, nil
}

// mapStatus converts a Twilio MessageStatus value to the normalized enum.
// Unknown values map to queued, which is non-actionable.
func mapStatus(s string) channel.MessageStatus {
	switch s {
	case "delivered", "read":
		return channel.StatusDelivered
	case "failed":
		return channel.StatusFailed
	case "undelivered":
		return channel.StatusUndelivered
	case "sent":
		return channel.StatusSent
	default:
		return channel.StatusQueued
	}
}

// VerifySignature checks the X-Twilio-Signature header: base64 HMAC-SHA1
// over the full request URL concatenated with each POST parameter name and
// value in lexicographic order, keyed by the auth token.
func (p *Provider) VerifySignature(r *http.Request, body []byte) bool {
	header := r.Header.Get("X-Twilio-Signature")
	if header == "" {
		return false
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return false
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(requestURL(r))
	for _, k := range keys {
		for _, v := range values[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(p.authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(header))
}

// requestURL reconstructs the absolute URL Twilio signed. Scheme and host
// come from the forwarding headers when present, since the service usually
// sits behind a proxy.
func requestURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// twilioMessageResponse captures the fields of interest from the Messages
// API response.
type twilioMessageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send dispatches an outbound SMS via POST Messages.json. Transport errors
// and non-2xx responses are captured in SendResult.Error; a context
// timeout reports "timeout".
func (p *Provider) Send(ctx context.Context, params channel.SendParams) channel.SendResult {
	form := url.Values{}
	form.Set("From", p.fromNumber)
	form.Set("To", params.Recipient)
	form.Set("Body", params.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.baseURL, p.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return channel.SendResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.accountSID, p.authToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return channel.SendResult{Error: "timeout"}
		}
		return channel.SendResult{Error: fmt.Sprintf("http post: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	var msg twilioMessageResponse
	if err := json.Unmarshal(respBody, &msg); err != nil && resp.StatusCode < 300 {
		return channel.SendResult{Error: fmt.Sprintf("decode response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := msg.Message
		if detail == "" {
			detail = strings.TrimSpace(string(respBody))
		}
		return channel.SendResult{Error: fmt.Sprintf("twilio returned %d: %s", resp.StatusCode, detail)}
	}

	return channel.SendResult{Success: true, ExternalID: msg.SID}
}
