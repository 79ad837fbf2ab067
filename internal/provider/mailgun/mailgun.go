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

// Package mailgun implements the email channel provider against the
// Mailgun API. Inbound mail arrives as multipart form posts from a Mailgun
// route; delivery events arrive as JSON webhooks. Both carry a
// timestamp+token HMAC-SHA256 signature keyed by the webhook signing key.
package mailgun

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caredesk/courier/internal/channel"
)

const (
	defaultBaseURL = "https://api.mailgun.net"

	// maxInboundMemory caps in-memory buffering of multipart inbound mail.
	maxInboundMemory = 10 << 20

	// maxSignatureAge rejects replayed webhooks with stale timestamps.
	maxSignatureAge = 5 * time.Minute
)

// Provider sends and receives email via Mailgun.
type Provider struct {
	domain     string
	apiKey     string
	signingKey string
	sender     string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// New creates a Mailgun email provider. domain is the sending domain,
// apiKey the private API key, signingKey the webhook signing key, and
// sender the From address for outbound mail.
func New(domain, apiKey, signingKey, sender string) *Provider {
	return &Provider{
		domain:     domain,
		apiKey:     apiKey,
		signingKey: signingKey,
		sender:     sender,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
}

// SetBaseURL overrides the API base URL. Used by tests.
func (p *Provider) SetBaseURL(u string) {
	p.baseURL = u
}

// ParseInbound extracts a normalized message from a Mailgun route post.
// Required fields: sender, recipient, Message-Id. The plain-text body is
// preferred; stripped-text is the fallback. Attachment filenames are
// recorded, not their content.
func (p *Provider) ParseInbound(r *http.Request) (*channel.InboundMessage, error) {
	if err := parseRequestForm(r); err != nil {
		return nil, &channel.ParseError{Channel: channel.ChannelEmail, Reason: err.Error()}
	}

	sender := r.FormValue("sender")
	recipient := r.FormValue("recipient")
	messageID := strings.Trim(r.FormValue("Message-Id"), "<>")

	switch {
	case sender == "":
		return nil, &channel.ParseError{Channel: channel.ChannelEmail, Field: "sender", Reason: "missing"}
	case recipient == "":
		return nil, &channel.ParseError{Channel: channel.ChannelEmail, Field: "recipient", Reason: "missing"}
	case messageID == "":
		return nil, &channel.ParseError{Channel: channel.ChannelEmail, Field: "Message-Id", Reason: "missing"}
	}

	body := r.FormValue("body-plain")
	if body == "" {
		body = r.FormValue("stripped-text")
	}

	var attachments []string
	if r.MultipartForm != nil {
		if n, err := strconv.Atoi(r.FormValue("attachment-count")); err == nil {
			for i := 1; i <= n; i++ {
				if files := r.MultipartForm.File[fmt.Sprintf("attachment-%d", i)]; len(files) > 0 {
					attachments = append(attachments, files[0].Filename)
				}
			}
		}
	}

	return &channel.InboundMessage{
		Channel:     channel.ChannelEmail,
		Sender:      sender,
		Recipient:   recipient,
		Body:        body,
		Attachments: attachments,
		ExternalID:  messageID,
		ReceivedAt:  time.Now().UTC(),
	}, nil
}

// deliveryEvent mirrors the Mailgun event webhook JSON body.
type deliveryEvent struct {
	EventData struct {
		Event    string `json:"event"`
		Severity string `json:"severity"`
		Reason   string `json:"reason"`
		Message  struct {
			Headers struct {
				MessageID string `json:"message-id"`
			} `json:"headers"`
		} `json:"message"`
	} `json:"event-data"`
}

// ParseStatus extracts a delivery-status update from a Mailgun event
// webhook. Non-terminal events (accepted, opened, clicked, ...) return
// (nil, nil).
func (p *Provider) ParseStatus(r *http.Request) (*channel.StatusUpdate, error) {
	var ev deliveryEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		return nil, &channel.ParseError{Channel: channel.ChannelEmail, Reason: "not valid JSON"}
	}

	messageID := strings.Trim(ev.EventData.Message.Headers.MessageID, "<>")
	if messageID == "" {
		return nil, &channel.ParseError{Channel: channel.ChannelEmail, Field: "message-id", Reason: "missing"}
	}

	var status channel.MessageStatus
	switch ev.EventData.Event {
	case "delivered":
		status = channel.StatusDelivered
	case "failed":
		// Permanent failures are terminal; temporary ones mean the message
		// bounced but may be retried by Mailgun.
		if ev.EventData.Severity == "permanent" {
			status = channel.StatusFailed
		} else {
			status = channel.StatusUndelivered
		}
	default:
		return nil, nil
	}

	upd := &channel.StatusUpdate{
		ExternalID: messageID,
		Status:     status,
		UpdatedAt:  time.Now().UTC(),
	}
	if ev.EventData.Reason != "" {
		upd.Meta = map[string]string{"reason": ev.EventData.Reason}
	}
	return upd, nil
}

// webhookSignature is the signature block common to Mailgun webhooks. For
// event webhooks it is a JSON object; for route posts it is three form
// fields.
type webhookSignature struct {
	Timestamp string
	Token     string
	Signature string
}

// VerifySignature checks the Mailgun webhook signature: hex HMAC-SHA256
// over timestamp+token keyed by the signing key. Stale timestamps are
// rejected to block replays. An empty signing key never verifies; an
// HMAC anyone can compute authenticates nothing.
func (p *Provider) VerifySignature(r *http.Request, body []byte) bool {
	if p.signingKey == "" {
		return false
	}

	sig, ok := extractSignature(r.Header.Get("Content-Type"), body)
	if !ok {
		return false
	}

	ts, err := strconv.ParseInt(sig.Timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := p.now().Sub(time.Unix(ts, 0))
	if age > maxSignatureAge || age < -maxSignatureAge {
		return false
	}

	mac := hmac.New(sha256.New, []byte(p.signingKey))
	mac.Write([]byte(sig.Timestamp + sig.Token))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sig.Signature))
}

// extractSignature pulls the timestamp/token/signature triple out of a raw
// webhook body, whatever its encoding.
func extractSignature(contentType string, body []byte) (webhookSignature, bool) {
	mediaType, params, _ := mime.ParseMediaType(contentType)

	switch {
	case mediaType == "application/json":
		var payload struct {
			Signature struct {
				Timestamp string `json:"timestamp"`
				Token     string `json:"token"`
				Signature string `json:"signature"`
			} `json:"signature"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return webhookSignature{}, false
		}
		s := webhookSignature{
			Timestamp: payload.Signature.Timestamp,
			Token:     payload.Signature.Token,
			Signature: payload.Signature.Signature,
		}
		return s, s.Signature != ""

	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return webhookSignature{}, false
		}
		values, err := multipartValues(bytes.NewReader(body), boundary)
		if err != nil {
			return webhookSignature{}, false
		}
		s := webhookSignature{
			Timestamp: values.Get("timestamp"),
			Token:     values.Get("token"),
			Signature: values.Get("signature"),
		}
		return s, s.Signature != ""

	default:
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return webhookSignature{}, false
		}
		s := webhookSignature{
			Timestamp: values.Get("timestamp"),
			Token:     values.Get("token"),
			Signature: values.Get("signature"),
		}
		return s, s.Signature != ""
	}
}

// multipartValues reads the non-file fields of a multipart body.
func multipartValues(r io.Reader, boundary string) (url.Values, error) {
	values := url.Values{}
	mr := multipart.NewReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return values, nil
		}
		if err != nil {
			return nil, err
		}
		if part.FileName() != "" {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(part, maxInboundMemory))
		if err != nil {
			return nil, err
		}
		values.Add(part.FormName(), string(data))
	}
}

// parseRequestForm parses the request body as multipart or urlencoded,
// whichever the content type declares.
func parseRequestForm(r *http.Request) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		return r.ParseMultipartForm(maxInboundMemory)
	}
	return r.ParseForm()
}

// mailgunSendResponse is the Messages API response.
type mailgunSendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send dispatches an outbound email via POST /v3/{domain}/messages.
// Transport errors and non-2xx responses land in SendResult.Error; a
// context timeout reports "timeout".
func (p *Provider) Send(ctx context.Context, params channel.SendParams) channel.SendResult {
	form := url.Values{}
	form.Set("from", p.sender)
	form.Set("to", params.Recipient)
	form.Set("text", params.Body)
	if params.Subject != "" {
		form.Set("subject", params.Subject)
	}

	endpoint := fmt.Sprintf("%s/v3/%s/messages", p.baseURL, p.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return channel.SendResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return channel.SendResult{Error: "timeout"}
		}
		return channel.SendResult{Error: fmt.Sprintf("http post: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return channel.SendResult{Error: fmt.Sprintf("mailgun returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))}
	}

	var sendResp mailgunSendResponse
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		return channel.SendResult{Error: fmt.Sprintf("decode response: %v", err)}
	}

	return channel.SendResult{
		Success:    true,
		ExternalID: strings.Trim(sendResp.ID, "<>"),
	}
}
