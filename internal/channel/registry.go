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

package channel

import "sort"

// Registry resolves a Channel to its Provider. The set of providers is
// fixed at construction time in cmd/server; the registry is read-only
// afterwards, so no locking is needed on Get.
type Registry struct {
	providers map[Channel]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[Channel]Provider)}
}

// Register binds a provider to a channel, replacing any previous binding.
func (r *Registry) Register(ch Channel, p Provider) {
	r.providers[ch] = p
}

// Get returns the provider for a channel. A missing binding is a
// *ConfigError: a deployment mistake, not a runtime data error.
func (r *Registry) Get(ch Channel) (Provider, error) {
	p, ok := r.providers[ch]
	if !ok {
		return nil, &ConfigError{Channel: ch}
	}
	return p, nil
}

// Channels lists the registered channels in stable order, for startup
// logging.
func (r *Registry) Channels() []Channel {
	out := make([]Channel, 0, len(r.providers))
	for ch := range r.providers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
