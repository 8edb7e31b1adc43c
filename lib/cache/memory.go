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
	"regexp"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/skylane/gantry/lib/types"
)

// memoryTier is the first-level LRU. The LRU's own TTL is a coarse backstop
// sized to the maximum possible entry lifetime; precise expiry is the
// front's ExpiresAt check.
type memoryTier struct {
	lru *expirable.LRU[string, *Entry]
}

// NewMemoryTier creates the in-memory tier. maxTTL should be the configured
// TTL plus its variance.
func NewMemoryTier(maxEntries int, maxTTL time.Duration) Tier {
	return &memoryTier{
		lru: expirable.NewLRU[string, *Entry](maxEntries, nil, maxTTL),
	}
}

func (t *memoryTier) Name() types.CacheSource { return types.CacheMemory }

func (t *memoryTier) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	e, ok := t.lru.Get(fingerprint)
	if !ok {
		return nil, trace.NotFound("no cache entry for %v", fingerprint)
	}
	return e, nil
}

func (t *memoryTier) Set(ctx context.Context, e *Entry) error {
	t.lru.Add(e.Fingerprint, e)
	return nil
}

func (t *memoryTier) Delete(ctx context.Context, fingerprint string) error {
	t.lru.Remove(fingerprint)
	return nil
}

func (t *memoryTier) Invalidate(ctx context.Context, pattern *regexp.Regexp) (int, error) {
	removed := 0
	for _, key := range t.lru.Keys() {
		e, ok := t.lru.Peek(key)
		if !ok {
			continue
		}
		if pattern.MatchString(e.Prompt) {
			t.lru.Remove(key)
			removed++
		}
	}
	return removed, nil
}

func (t *memoryTier) Len(ctx context.Context) (int, error) {
	return t.lru.Len(), nil
}
