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
	"errors"
	"regexp"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/skylane/gantry/lib/types"
)

// redisKeyPrefix namespaces gantry entries in a shared Redis.
const redisKeyPrefix = "gantry:cache:"

// RedisClient is the slice of the go-redis API the KV tier uses.
// *redis.Client and *redis.ClusterClient both satisfy it.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// redisTier is the shared out-of-process KV tier.
type redisTier struct {
	client RedisClient
	clock  clockwork.Clock
}

// NewRedisTier creates the KV tier backed by the given client.
func NewRedisTier(client RedisClient, clock clockwork.Clock) Tier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &redisTier{client: client, clock: clock}
}

func (t *redisTier) Name() types.CacheSource { return types.CacheKV }

func (t *redisTier) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	raw, err := t.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, trace.NotFound("no cache entry for %v", fingerprint)
		}
		return nil, trace.Wrap(err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, trace.Wrap(err)
	}
	return &e, nil
}

func (t *redisTier) Set(ctx context.Context, e *Entry) error {
	ttl := e.ExpiresAt.Sub(t.clock.Now())
	if ttl <= 0 {
		return nil
	}
	encoded, err := json.Marshal(e)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(t.client.Set(ctx, redisKeyPrefix+e.Fingerprint, encoded, ttl).Err())
}

func (t *redisTier) Delete(ctx context.Context, fingerprint string) error {
	return trace.Wrap(t.client.Del(ctx, redisKeyPrefix+fingerprint).Err())
}

func (t *redisTier) Invalidate(ctx context.Context, pattern *regexp.Regexp) (int, error) {
	removed := 0
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, redisKeyPrefix+"*", 256).Result()
		if err != nil {
			return removed, trace.Wrap(err)
		}
		var matched []string
		for _, key := range keys {
			raw, err := t.client.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return removed, trace.Wrap(err)
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				// A corrupt entry goes regardless of the pattern.
				matched = append(matched, key)
				continue
			}
			if pattern.MatchString(e.Prompt) {
				matched = append(matched, key)
			}
		}
		if len(matched) > 0 {
			if err := t.client.Del(ctx, matched...).Err(); err != nil {
				return removed, trace.Wrap(err)
			}
			removed += len(matched)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (t *redisTier) Len(ctx context.Context) (int, error) {
	total := 0
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, redisKeyPrefix+"*", 256).Result()
		if err != nil {
			return total, trace.Wrap(err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}
