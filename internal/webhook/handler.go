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

// Package webhook exposes the per-channel HTTP endpoints. Every inbound
// request runs the same gauntlet in order: rate limit, signature
// verification, provider parse, messaging service. Internal processing
// failures still acknowledge 200: upstream providers retry non-2xx
// responses and a retry storm is worse than a logged gap.
package webhook

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/caredesk/courier/internal/channel"
	"github.com/caredesk/courier/internal/messaging"
	"github.com/caredesk/courier/internal/ratelimit"
)

// maxBodyBytes caps webhook request bodies. Inbound email with
// attachments is the largest legitimate payload.
const maxBodyBytes = 12 << 20

// Handler serves the per-channel webhook endpoints.
type Handler struct {
	service  *messaging.Service
	registry *channel.Registry
	limiter  *ratelimit.Limiter

	// verifySignatures gates authenticity checks. Off outside production
	// so local tunnels and replayed fixtures work; the skip is logged.
	verifySignatures bool
}

// NewHandler creates the webhook handler.
func NewHandler(service *messaging.Service, registry *channel.Registry, limiter *ratelimit.Limiter, verifySignatures bool) *Handler {
	return &Handler{
		service:          service,
		registry:         registry,
		limiter:          limiter,
		verifySignatures: verifySignatures,
	}
}

// Router builds the chi router with one inbound and one status endpoint
// per registered channel.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	for _, ch := range h.registry.Channels() {
		r.Post(fmt.Sprintf("/webhooks/%s", ch), h.inbound(ch))
		r.Post(fmt.Sprintf("/webhooks/%s/status", ch), h.status(ch))
	}

	return r
}

// inbound handles a provider's inbound-message webhook.
func (h *Handler) inbound(ch channel.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider, ok := h.gate(w, r, ch)
		if !ok {
			return
		}

		msg, err := provider.ParseInbound(r)
		if err != nil {
			slog.Warn("inbound payload rejected",
				"channel", ch,
				"remote", clientIP(r),
				"error", err,
			)
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}

		res := h.service.HandleInbound(r.Context(), msg)
		if !res.Success {
			// Still 200: the payload was valid, the failure is ours.
			slog.Error("inbound processing failed",
				"channel", ch,
				"external_id", msg.ExternalID,
				"error", res.Error,
			)
		}

		w.WriteHeader(http.StatusOK)
	}
}

// status handles a provider's delivery-status webhook. Once past the
// gate the response is 200 regardless of processing outcome; the gate
// itself still answers 429 and 403, since acknowledging unauthenticated
// or flooding callers would invite forged status updates.
func (h *Handler) status(ch channel.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider, ok := h.gate(w, r, ch)
		if !ok {
			return
		}

		upd, err := provider.ParseStatus(r)
		if err != nil {
			slog.Warn("status payload rejected",
				"channel", ch,
				"error", err,
			)
			w.WriteHeader(http.StatusOK)
			return
		}

		if err := h.service.HandleStatus(r.Context(), ch, upd); err != nil {
			slog.Error("status processing failed",
				"channel", ch,
				"error", err,
			)
		}

		w.WriteHeader(http.StatusOK)
	}
}

// gate runs the steps shared by every webhook: rate limiting, body
// capture, and signature verification. On a false return the response has
// already been written.
func (h *Handler) gate(w http.ResponseWriter, r *http.Request, ch channel.Channel) (channel.Provider, bool) {
	key := fmt.Sprintf("%s:%s", ch, clientIP(r))
	res := h.limiter.Check(key)
	if !res.Allowed {
		slog.Warn("webhook rate limited",
			"channel", ch,
			"key", key,
			"reset_at", res.ResetAt,
		)
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter(time.Now())))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return nil, false
	}

	provider, err := h.registry.Get(ch)
	if err != nil {
		// Routes are built from the registry, so this is unreachable
		// unless wiring changed underneath us.
		slog.Error("no provider for routed channel", "channel", ch)
		http.Error(w, "channel not configured", http.StatusInternalServerError)
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("failed to read webhook body", "channel", ch, "error", err)
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return nil, false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if h.verifySignatures {
		if !provider.VerifySignature(r, body) {
			slog.Warn("webhook signature verification failed",
				"channel", ch,
				"remote", clientIP(r),
			)
			http.Error(w, "verification failed", http.StatusForbidden)
			return nil, false
		}
	} else {
		slog.Debug("signature verification skipped (non-production mode)", "channel", ch)
	}

	// Parsers consume the body too.
	r.Body = io.NopCloser(bytes.NewReader(body))

	return provider, true
}

// clientIP extracts the caller address for rate-limit keying. RealIP
// middleware has already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
