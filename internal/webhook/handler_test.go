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

package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caredesk/courier/internal/channel"
	"github.com/caredesk/courier/internal/messaging"
	"github.com/caredesk/courier/internal/provider/twilio"
	"github.com/caredesk/courier/internal/ratelimit"
	"github.com/caredesk/courier/internal/store"
)

// --- Mock store ---

type mockStore struct {
	mu            sync.Mutex
	conversations int
	messages      []*store.Message
	failInsert    bool
}

func (m *mockStore) FindOrCreateConversation(_ context.Context, ch channel.Channel, counterpart, tenantID string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations++
	return &store.Conversation{
		ID:          fmt.Sprintf("conv-%d", m.conversations),
		Channel:     ch,
		Counterpart: counterpart,
		TenantID:    tenantID,
	}, nil
}

func (m *mockStore) InsertMessage(_ context.Context, msg *store.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert {
		return false, errors.New("db down")
	}
	stored := *msg
	m.messages = append(m.messages, &stored)
	return true, nil
}

func (m *mockStore) UpdateMessageStatus(_ context.Context, ch channel.Channel, externalID string, status channel.MessageStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.Channel == ch && msg.ExternalID == externalID {
			msg.Status = status
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// --- Helpers ---

type testEnv struct {
	store   *mockStore
	router  http.Handler
	limiter *ratelimit.Limiter
}

func newTestEnv(t *testing.T, verify bool, limit int) *testEnv {
	t.Helper()

	st := &mockStore{}
	registry := channel.NewRegistry()
	registry.Register(channel.ChannelSMS, twilio.New("AC123", "auth-token", "+15550000000"))

	svc := messaging.NewService(messaging.Config{
		Store:    st,
		Registry: registry,
		TenantID: "practice-1",
	})

	limiter := ratelimit.New(ratelimit.Config{MaxRequests: limit, Window: time.Minute})
	h := NewHandler(svc, registry, limiter, verify)

	return &testEnv{store: st, router: h.Router(), limiter: limiter}
}

func smsForm() url.Values {
	return url.Values{
		"From":       {"+15551234567"},
		"To":         {"+15550000000"},
		"Body":       {"Hello"},
		"MessageSid": {"SM123"},
	}
}

func postForm(router http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.7:4242"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

// TestInbound_OK verifies a valid inbound SMS is accepted and persisted.
func TestInbound_OK(t *testing.T) {
	env := newTestEnv(t, false, 10)

	rr := postForm(env.router, "/webhooks/sms", smsForm())

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if env.store.count() != 1 {
		t.Errorf("stored %d messages, want 1", env.store.count())
	}
}

// TestInbound_Malformed verifies missing required fields yield 400.
func TestInbound_Malformed(t *testing.T) {
	env := newTestEnv(t, false, 10)

	form := smsForm()
	form.Del("From")
	rr := postForm(env.router, "/webhooks/sms", form)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if env.store.count() != 0 {
		t.Errorf("stored %d messages, want 0", env.store.count())
	}
}

// TestInbound_VerificationFailure verifies 403 in production mode for an
// unsigned request.
func TestInbound_VerificationFailure(t *testing.T) {
	env := newTestEnv(t, true, 10)

	rr := postForm(env.router, "/webhooks/sms", smsForm())

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
	if env.store.count() != 0 {
		t.Errorf("stored %d messages, want 0", env.store.count())
	}
}

// TestInbound_VerificationSkippedOutsideProduction verifies the dev-mode
// gate: the same unsigned request passes when verification is off.
func TestInbound_VerificationSkippedOutsideProduction(t *testing.T) {
	env := newTestEnv(t, false, 10)

	rr := postForm(env.router, "/webhooks/sms", smsForm())

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

// TestInbound_RateLimited verifies 429 with a Retry-After header once the
// per-key quota is exhausted.
func TestInbound_RateLimited(t *testing.T) {
	env := newTestEnv(t, false, 2)

	postForm(env.router, "/webhooks/sms", smsForm())
	postForm(env.router, "/webhooks/sms", smsForm())
	rr := postForm(env.router, "/webhooks/sms", smsForm())

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}

	retryAfter, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	if err != nil {
		t.Fatalf("Retry-After header missing or not a number: %q", rr.Header().Get("Retry-After"))
	}
	if retryAfter < 1 || retryAfter > 60 {
		t.Errorf("Retry-After = %d, want within (0, 60]", retryAfter)
	}
}

// TestInbound_RateLimitKeyedByClient verifies a second caller is not
// affected by the first caller's exhausted quota.
func TestInbound_RateLimitKeyedByClient(t *testing.T) {
	env := newTestEnv(t, false, 1)

	postForm(env.router, "/webhooks/sms", smsForm())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", strings.NewReader(smsForm().Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "198.51.100.9:4242" // different client
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d for second client, want 200", rr.Code)
	}
}

// TestInbound_InternalFailureStill200 verifies the retry-storm guard: a
// persistence failure is logged but acknowledged with 200.
func TestInbound_InternalFailureStill200(t *testing.T) {
	env := newTestEnv(t, false, 10)
	env.store.failInsert = true

	rr := postForm(env.router, "/webhooks/sms", smsForm())

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 despite internal failure", rr.Code)
	}
}

// TestStatus_IntermediateIsSilentNoOp verifies a queued status is
// acknowledged without touching stored state.
func TestStatus_IntermediateIsSilentNoOp(t *testing.T) {
	env := newTestEnv(t, false, 10)

	postForm(env.router, "/webhooks/sms", smsForm())

	form := url.Values{
		"MessageSid":    {"SM123"},
		"MessageStatus": {"queued"},
	}
	rr := postForm(env.router, "/webhooks/sms/status", form)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	env.store.mu.Lock()
	got := env.store.messages[0].Status
	env.store.mu.Unlock()
	if got == channel.StatusQueued {
		t.Error("intermediate status should not have been recorded")
	}
}

// TestStatus_TerminalUpdatesMessage verifies a delivered callback updates
// the correlated message.
func TestStatus_TerminalUpdatesMessage(t *testing.T) {
	env := newTestEnv(t, false, 10)

	postForm(env.router, "/webhooks/sms", smsForm())

	form := url.Values{
		"MessageSid":    {"SM123"},
		"MessageStatus": {"failed"},
	}
	rr := postForm(env.router, "/webhooks/sms/status", form)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	env.store.mu.Lock()
	got := env.store.messages[0].Status
	env.store.mu.Unlock()
	if got != channel.StatusFailed {
		t.Errorf("status = %q, want failed", got)
	}
}

// TestStatus_MalformedStill200 verifies the status endpoint acknowledges
// even payloads it cannot parse.
func TestStatus_MalformedStill200(t *testing.T) {
	env := newTestEnv(t, false, 10)

	rr := postForm(env.router, "/webhooks/sms/status", url.Values{})

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

// TestRouter_UnregisteredChannelNotRouted verifies no endpoint exists for
// channels without a provider.
func TestRouter_UnregisteredChannelNotRouted(t *testing.T) {
	env := newTestEnv(t, false, 10)

	rr := postForm(env.router, "/webhooks/email", url.Values{"sender": {"a@b.com"}})

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unregistered channel", rr.Code)
	}
}
