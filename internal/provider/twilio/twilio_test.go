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

package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/caredesk/courier/internal/channel"
)

func formRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// sign computes the signature Twilio would attach to a form POST.
func sign(authToken, absURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(absURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// TestParseInbound verifies field extraction from a well-formed inbound
// webhook.
func TestParseInbound(t *testing.T) {
	p := New("AC123", "token", "+15550000000")

	form := url.Values{
		"From":       {"+15551234567"},
		"To":         {"+15550000000"},
		"Body":       {"Hello"},
		"MessageSid": {"SM123"},
	}

	msg, err := p.ParseInbound(formRequest("/webhooks/sms", form))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Channel != channel.ChannelSMS {
		t.Errorf("channel = %q, want sms", msg.Channel)
	}
	if msg.Sender != "+15551234567" {
		t.Errorf("sender = %q, want +15551234567", msg.Sender)
	}
	if msg.Body != "Hello" {
		t.Errorf("body = %q, want Hello", msg.Body)
	}
	if msg.ExternalID != "SM123" {
		t.Errorf("externalID = %q, want SM123", msg.ExternalID)
	}
	if msg.ReceivedAt.IsZero() {
		t.Error("receivedAt should be populated")
	}
}

// TestParseInbound_Media verifies media URLs are collected as attachments.
func TestParseInbound_Media(t *testing.T) {
	p := New("AC123", "token", "+15550000000")

	form := url.Values{
		"From":       {"+15551234567"},
		"To":         {"+15550000000"},
		"MessageSid": {"SM124"},
		"NumMedia":   {"2"},
		"MediaUrl0":  {"https://api.twilio.com/media/0"},
		"MediaUrl1":  {"https://api.twilio.com/media/1"},
	}

	msg, err := p.ParseInbound(formRequest("/webhooks/sms", form))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Attachments) != 2 {
		t.Fatalf("attachments = %d, want 2", len(msg.Attachments))
	}
	if msg.Body != "" {
		t.Errorf("body = %q, want empty for media-only message", msg.Body)
	}
}

// TestParseInbound_MissingFields verifies each required field fails closed
// with a ParseError naming the field.
func TestParseInbound_MissingFields(t *testing.T) {
	p := New("AC123", "token", "+15550000000")

	tests := []struct {
		name string
		form url.Values
		want string
	}{
		{
			name: "no sender",
			form: url.Values{"To": {"+15550000000"}, "MessageSid": {"SM1"}},
			want: "From",
		},
		{
			name: "no recipient",
			form: url.Values{"From": {"+15551234567"}, "MessageSid": {"SM1"}},
			want: "To",
		},
		{
			name: "no message sid",
			form: url.Values{"From": {"+15551234567"}, "To": {"+15550000000"}},
			want: "MessageSid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ParseInbound(formRequest("/webhooks/sms", tt.form))
			var perr *channel.ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if perr.Field != tt.want {
				t.Errorf("field = %q, want %q", perr.Field, tt.want)
			}
		})
	}
}

// TestParseStatus verifies intermediate statuses yield the no-op signal and
// terminal statuses yield a populated update.
func TestParseStatus(t *testing.T) {
	p := New("AC123", "token", "+15550000000")

	tests := []struct {
		status     string
		wantNil    bool
		wantStatus channel.MessageStatus
	}{
		{status: "queued", wantNil: true},
		{status: "sending", wantNil: true},
		{status: "sent", wantNil: true},
		{status: "delivered", wantStatus: channel.StatusDelivered},
		{status: "failed", wantStatus: channel.StatusFailed},
		{status: "undelivered", wantStatus: channel.StatusUndelivered},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			form := url.Values{
				"MessageSid":    {"SM200"},
				"MessageStatus": {tt.status},
			}
			upd, err := p.ParseStatus(formRequest("/webhooks/sms/status", form))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if upd != nil {
					t.Errorf("expected no-op for status %q, got %+v", tt.status, upd)
				}
				return
			}
			if upd == nil {
				t.Fatalf("expected update for status %q, got nil", tt.status)
			}
			if upd.ExternalID != "SM200" {
				t.Errorf("externalID = %q, want SM200", upd.ExternalID)
			}
			if upd.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", upd.Status, tt.wantStatus)
			}
		})
	}
}

// TestParseStatus_ErrorCode verifies failure metadata is carried through.
func TestParseStatus_ErrorCode(t *testing.T) {
	p := New("AC123", "token", "+15550000000")

	form := url.Values{
		"MessageSid":    {"SM201"},
		"MessageStatus": {"failed"},
		"ErrorCode":     {"30003"},
	}
	upd, err := p.ParseStatus(formRequest("/webhooks/sms/status", form))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if upd.Meta["error_code"] != "30003" {
		t.Errorf("meta error_code = %q, want 30003", upd.Meta["error_code"])
	}
}

// TestVerifySignature verifies a correctly signed request passes and a
// tampered one fails.
func TestVerifySignature(t *testing.T) {
	p := New("AC123", "secret-token", "+15550000000")

	form := url.Values{
		"From":       {"+15551234567"},
		"To":         {"+15550000000"},
		"Body":       {"Hello"},
		"MessageSid": {"SM123"},
	}
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://courier.example.com/webhooks/sms", strings.NewReader(body))
	req.Host = "courier.example.com"
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Twilio-Signature", sign("secret-token", "https://courier.example.com/webhooks/sms", form))

	if !p.VerifySignature(req, []byte(body)) {
		t.Error("valid signature rejected")
	}

	// Tampered body
	tampered := url.Values{}
	for k, v := range form {
		tampered[k] = v
	}
	tampered.Set("Body", "Goodbye")
	if p.VerifySignature(req, []byte(tampered.Encode())) {
		t.Error("tampered body accepted")
	}

	// Missing header
	req.Header.Del("X-Twilio-Signature")
	if p.VerifySignature(req, []byte(body)) {
		t.Error("request without signature header accepted")
	}
}

// TestSend verifies a successful outbound send extracts the message SID.
func TestSend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostFormValue("To"); got != "+15551234567" {
			t.Errorf("To = %q, want +15551234567", got)
		}
		if _, _, ok := r.BasicAuth(); !ok {
			t.Error("expected basic auth")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid": "SM900", "status": "queued"}`))
	}))
	defer server.Close()

	p := New("AC123", "token", "+15550000000")
	p.SetBaseURL(server.URL)

	res := p.Send(context.Background(), channel.SendParams{
		Recipient: "+15551234567",
		Body:      "Hi",
	})

	if !res.Success {
		t.Fatalf("send failed: %s", res.Error)
	}
	if res.ExternalID != "SM900" {
		t.Errorf("externalID = %q, want SM900", res.ExternalID)
	}
}

// TestSend_APIError verifies non-2xx responses become a result error, not
// a panic or success.
func TestSend_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": 21211, "message": "Invalid 'To' phone number"}`))
	}))
	defer server.Close()

	p := New("AC123", "token", "+15550000000")
	p.SetBaseURL(server.URL)

	res := p.Send(context.Background(), channel.SendParams{Recipient: "bogus", Body: "Hi"})
	if res.Success {
		t.Fatal("expected failure for 400 response")
	}
	if !strings.Contains(res.Error, "Invalid 'To' phone number") {
		t.Errorf("error = %q, want Twilio detail included", res.Error)
	}
}

// TestSend_Timeout verifies a context deadline reports the "timeout"
// sentinel.
func TestSend_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	p := New("AC123", "token", "+15550000000")
	p.SetBaseURL(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := p.Send(ctx, channel.SendParams{Recipient: "+15551234567", Body: "Hi"})
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.Error != "timeout" {
		t.Errorf("error = %q, want timeout", res.Error)
	}
}
