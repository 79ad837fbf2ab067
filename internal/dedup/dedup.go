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

// Package dedup provides inbound-message deduplication using a Redis SET
// with TTL. Providers retry webhook deliveries, so the same provider
// message id can arrive more than once; this filter drops repeats before
// they reach the store. The database unique index on (channel,
// external_id) remains the backstop.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caredesk/courier/internal/channel"
)

const (
	// DefaultTTL is how long we remember a seen external id. Provider
	// retry windows are hours, not days, so 24h is comfortable.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "courier:seen:"
)

// Filter tracks which (channel, external id) pairs have been processed.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the external id has NOT been seen on this channel
// before. If true, the id is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, ch channel.Channel, externalID string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, ch, externalID)

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}
