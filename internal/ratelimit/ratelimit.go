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

// Package ratelimit provides a fixed-window request limiter keyed by an
// arbitrary string (typically "channel:clientIP"). Counters live in process
// memory, which is sufficient for a single-instance deployment; a
// multi-instance deployment would need a shared counter store instead.
package ratelimit

import (
	"sync"
	"time"
)

// Config sets the per-key quota.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Result is the outcome of a single limit check. ResetAt is reported even
// when the request is disallowed so callers can compute a Retry-After.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type window struct {
	start time.Time
	count int
}

// Limiter applies a fixed-window counter per key. Distinct keys never
// interfere; there is no global cap.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// New creates a limiter with the given quota.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Check records one request against key and reports whether it is allowed.
// The first request for a key (or the first after its window expired)
// opens a fresh window at the current time with count 1.
func (l *Limiter) Check(key string) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.cfg.Window {
		w = &window{start: now, count: 1}
		l.windows[key] = w
	} else {
		w.count++
	}

	remaining := l.cfg.MaxRequests - w.count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   w.count <= l.cfg.MaxRequests,
		Remaining: remaining,
		ResetAt:   w.start.Add(l.cfg.Window),
	}
}

// Sweep drops expired windows to bound memory. Call periodically from a
// background goroutine; it is safe alongside Check.
func (l *Limiter) Sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		if now.Sub(w.start) >= l.cfg.Window {
			delete(l.windows, key)
		}
	}
}

// StartSweeper runs Sweep on the given interval until stop is closed.
func (l *Limiter) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// RetryAfter computes the whole seconds until the window resets, rounded
// up, never less than 1. Used for the Retry-After response header.
func (r Result) RetryAfter(now time.Time) int {
	d := r.ResetAt.Sub(now)
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
