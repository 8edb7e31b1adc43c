// Copyright 2025 Skylane, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/skylane/gantry/lib/types"
)

// Entry is one cached response as stored by a tier. ExpiresAt already
// carries the per-entry TTL spread; the front validates it on every hit so
// a tier with coarser expiry (the memory LRU, the disk files) never serves
// a stale entry.
type Entry struct {
	// Fingerprint is the cache key the entry is stored under.
	Fingerprint string `json:"fingerprint"`
	// Payload is the upstream response body.
	Payload json.RawMessage `json:"payload"`
	// Usage is the upstream token accounting.
	Usage types.Usage `json:"usage"`
	// Target is the "provider,model" spec that produced the payload.
	Target string `json:"target"`
	// Prompt is the normalized prompt text, kept for the semantic index
	// and for pattern invalidation.
	Prompt string `json:"prompt,omitempty"`
	// CreatedAt is the build time.
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is the spread-adjusted expiry.
	ExpiresAt time.Time `json:"expires_at"`
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// size returns the serialized footprint used for disk spill decisions.
func (e *Entry) size() int {
	return len(e.Payload)
}

// Tier is one storage level of the cache. Get returns trace.NotFound on a
// miss; any other error marks the tier degraded and the front falls
// through to the next tier.
type Tier interface {
	// Name identifies the tier in logs, metrics and Response.Cached.
	Name() types.CacheSource
	// Get returns the entry stored under the fingerprint.
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	// Set stores the entry. A tier may decline an entry (the disk tier
	// skips small payloads) and return nil.
	Set(ctx context.Context, e *Entry) error
	// Delete removes the entry, missing keys are not an error.
	Delete(ctx context.Context, fingerprint string) error
	// Invalidate removes every entry whose stored prompt matches the
	// pattern and returns how many were dropped.
	Invalidate(ctx context.Context, pattern *regexp.Regexp) (int, error)
	// Len returns the number of entries currently stored.
	Len(ctx context.Context) (int, error)
}
