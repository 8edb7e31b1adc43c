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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/skylane/gantry/lib/events"
	"github.com/skylane/gantry/lib/types"
)

func testRequest(content string) *types.Request {
	return &types.Request{
		Model: "anthropic/claude-3.5-sonnet",
		Messages: []types.Message{
			{Role: "user", Content: content},
		},
		Parameters: map[string]any{"temperature": 0.7, "max_tokens": 1024},
	}
}

func staticBuild(counter *atomic.Int64, payload string) BuildFunc {
	return func(ctx context.Context) (*types.Response, error) {
		counter.Add(1)
		return &types.Response{
			Payload:    json.RawMessage(fmt.Sprintf("%q", payload)),
			TargetUsed: "openrouter,anthropic/claude-3.5-sonnet",
			Cached:     types.CacheNone,
		}, nil
	}
}

func newTestCache(t *testing.T, mutate func(*Config)) *Cache {
	t.Helper()
	cfg := Config{
		Clock:       clockwork.NewFakeClock(),
		MaxEntries:  128,
		TTL:         time.Hour,
		TTLVariance: 0,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestFingerprintStability(t *testing.T) {
	t.Parallel()

	fp, err := NewFingerprinter(FingerprintConfig{})
	require.NoError(t, err)

	a, err := fp.Fingerprint(testRequest("What is the capital of France?"))
	require.NoError(t, err)

	// Message normalization and excluded attributes never change the key.
	same := testRequest("  what is the capital of france?  ")
	same.Stream = true
	same.Metadata.Session = "someone-else"
	b, err := fp.Fingerprint(same)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := fp.Fingerprint(testRequest("What is the capital of Spain?"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)

	// Different sampling parameters are a different key.
	hotter := testRequest("What is the capital of France?")
	hotter.Parameters["temperature"] = 1.0
	d, err := fp.Fingerprint(hotter)
	require.NoError(t, err)
	require.NotEqual(t, a, d)
}

func TestFingerprintVaryBySession(t *testing.T) {
	t.Parallel()

	fp, err := NewFingerprinter(FingerprintConfig{VarySession: true})
	require.NoError(t, err)

	one := testRequest("hello")
	one.Metadata.Session = "sess-1"
	two := testRequest("hello")
	two.Metadata.Session = "sess-2"

	a, err := fp.Fingerprint(one)
	require.NoError(t, err)
	b, err := fp.Fingerprint(two)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestFetchServesSecondRequestFromMemory(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	ctx := context.Background()
	var builds atomic.Int64

	first, err := c.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "world"))
	require.NoError(t, err)
	require.Equal(t, types.CacheNone, first.Cached)
	require.Equal(t, int64(1), builds.Load())

	second, err := c.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "world"))
	require.NoError(t, err)
	require.Equal(t, types.CacheMemory, second.Cached)
	require.Equal(t, first.Payload, second.Payload)
	require.Equal(t, int64(1), builds.Load())

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.MemoryHits)
	require.Equal(t, uint64(1), stats.Misses)
}

func TestConcurrentMissesCollapseToOneBuild(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
	})
	ctx := context.Background()

	var builds atomic.Int64
	gate := make(chan struct{})
	build := func(ctx context.Context) (*types.Response, error) {
		builds.Add(1)
		<-gate
		return &types.Response{
			Payload:    json.RawMessage(`"shared"`),
			TargetUsed: "openrouter,anthropic/claude-3.5-sonnet",
			Cached:     types.CacheNone,
		}, nil
	}

	var wg sync.WaitGroup
	for _i := 0; _i < 10; _i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Fetch(ctx, testRequest("hello"), build)
			require.NoError(t, err)
			require.JSONEq(t, `"shared"`, string(resp.Payload))
		}()
	}

	// Let the followers pile onto the leader's flight before releasing it.
	require.Eventually(t, func() bool { return builds.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.Equal(t, int64(1), builds.Load())
	require.Positive(t, c.Stats().SharedFlights)
}

func TestSharedFlightFailureIsRetryable(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
	})
	ctx := context.Background()

	var builds atomic.Int64
	gate := make(chan struct{})
	build := func(ctx context.Context) (*types.Response, error) {
		builds.Add(1)
		<-gate
		return nil, &types.UpstreamError{Kind: types.KindServerError, StatusCode: 503, Err: errors.New("upstream down")}
	}

	errs := make(chan error, 2)
	for _i := 0; _i < 2; _i++ {
		go func() {
			_, err := c.Fetch(ctx, testRequest("hello"), build)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return builds.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for _i := 0; _i < 2; _i++ {
		err := <-errs
		require.Error(t, err)
		require.True(t, types.Classify(err).Retryable())
	}
	require.Equal(t, int64(1), builds.Load())
}

func TestSharedFlightFailureRetryBound(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
		cfg.RetryShare = 2
	})
	ctx := context.Background()

	var builds atomic.Int64
	gate := make(chan struct{})
	build := func(ctx context.Context) (*types.Response, error) {
		builds.Add(1)
		<-gate
		// Non-retryable on its own, so only the granted share of the
		// waiters may rebuild.
		return nil, &types.UpstreamError{Kind: types.KindClientError, StatusCode: 400, Err: errors.New("bad prompt")}
	}

	const waiters = 6
	errs := make(chan error, waiters)
	for _i := 0; _i < waiters; _i++ {
		go func() {
			_, err := c.Fetch(ctx, testRequest("hello"), build)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return builds.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)

	retryable := 0
	for _i := 0; _i < waiters; _i++ {
		err := <-errs
		require.Error(t, err)
		if types.Classify(err).Retryable() {
			retryable++
		}
	}
	require.Equal(t, 2, retryable)
	require.Equal(t, int64(1), builds.Load())
}

func TestFlightTimeout(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
		cfg.FlightTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	var builds atomic.Int64
	gate := make(chan struct{})
	defer close(gate)
	build := func(ctx context.Context) (*types.Response, error) {
		builds.Add(1)
		<-gate
		return nil, errors.New("never returned in time")
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, testRequest("hello"), build)
		done <- err
	}()

	select {
	case err := <-done:
		require.True(t, trace.IsLimitExceeded(err))
	case <-time.After(5 * time.Second):
		t.Fatal("flight wait never timed out")
	}
}

func TestTTLExpiryRebuilds(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c := newTestCache(t, func(cfg *Config) {
		cfg.Clock = clock
		cfg.TTL = time.Hour
	})
	ctx := context.Background()
	var builds atomic.Int64

	_, err := c.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "world"))
	require.NoError(t, err)

	// Within the TTL the entry is served.
	clock.Advance(30 * time.Minute)
	resp, err := c.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "world"))
	require.NoError(t, err)
	require.Equal(t, types.CacheMemory, resp.Cached)
	require.Equal(t, int64(1), builds.Load())

	// Past the TTL the entry is rebuilt.
	clock.Advance(time.Hour)
	resp, err = c.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "world"))
	require.NoError(t, err)
	require.Equal(t, types.CacheNone, resp.Cached)
	require.Equal(t, int64(2), builds.Load())
}

func TestSemanticHitOnNearMissPrompt(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, func(cfg *Config) {
		cfg.SemanticEnabled = true
	})
	ctx := context.Background()
	var builds atomic.Int64

	_, err := c.Fetch(ctx, testRequest("What is the capital of France"), staticBuild(&builds, "paris"))
	require.NoError(t, err)

	// Same tokens, different punctuation: a different fingerprint but a
	// perfect similarity score.
	resp, err := c.Fetch(ctx, testRequest("What is the capital of France???"), staticBuild(&builds, "paris"))
	require.NoError(t, err)
	require.Equal(t, types.CacheSemantic, resp.Cached)
	require.JSONEq(t, `"paris"`, string(resp.Payload))
	require.Equal(t, int64(1), builds.Load())

	// An unrelated prompt scores below the threshold and builds.
	_, err = c.Fetch(ctx, testRequest("Write a haiku about distributed consensus"), staticBuild(&builds, "haiku"))
	require.NoError(t, err)
	require.Equal(t, int64(2), builds.Load())
}

func TestInvalidatePattern(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	ctx := context.Background()
	var builds atomic.Int64

	_, err := c.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "a"))
	require.NoError(t, err)
	_, err = c.Fetch(ctx, testRequest("goodbye"), staticBuild(&builds, "b"))
	require.NoError(t, err)

	removed, err := c.Invalidate(ctx, "^hello$")
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	// The invalidated entry rebuilds, the other is still cached.
	_, err = c.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "a"))
	require.NoError(t, err)
	require.Equal(t, int64(3), builds.Load())
	resp, err := c.Fetch(ctx, testRequest("goodbye"), staticBuild(&builds, "b"))
	require.NoError(t, err)
	require.Equal(t, types.CacheMemory, resp.Cached)

	_, err = c.Invalidate(ctx, "([") // malformed
	require.True(t, trace.IsBadParameter(err))
}

func TestInvalidateMatchesStoredPrompt(t *testing.T) {
	t.Parallel()

	shared := newFakeRedis()
	c := newTestCache(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
		cfg.Redis = shared
		cfg.Disk = &DiskTierConfig{Dir: t.TempDir(), MinBytes: 1}
	})
	ctx := context.Background()
	var builds atomic.Int64

	_, err := c.Fetch(ctx, testRequest("summarize the otter report"), staticBuild(&builds, "a"))
	require.NoError(t, err)
	_, err = c.Fetch(ctx, testRequest("draft a launch checklist"), staticBuild(&builds, "b"))
	require.NoError(t, err)

	// A word from the stored request matches its entry in every tier;
	// fingerprints are opaque hex and never match prose.
	removed, err := c.Invalidate(ctx, "otter")
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	_, err = c.Fetch(ctx, testRequest("summarize the otter report"), staticBuild(&builds, "a"))
	require.NoError(t, err)
	require.Equal(t, int64(3), builds.Load())
	resp, err := c.Fetch(ctx, testRequest("draft a launch checklist"), staticBuild(&builds, "b"))
	require.NoError(t, err)
	require.Equal(t, types.CacheMemory, resp.Cached)
}

func TestKVTierHitAndPromotion(t *testing.T) {
	t.Parallel()

	shared := newFakeRedis()
	writer := newTestCache(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
		cfg.Redis = shared
	})
	ctx := context.Background()
	var builds atomic.Int64

	_, err := writer.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "world"))
	require.NoError(t, err)

	// A second instance with a cold memory tier hits the shared KV and
	// promotes the entry into its own memory.
	reader := newTestCache(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
		cfg.Redis = shared
	})
	resp, err := reader.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "world"))
	require.NoError(t, err)
	require.Equal(t, types.CacheKV, resp.Cached)
	require.Equal(t, int64(1), builds.Load())

	resp, err = reader.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "world"))
	require.NoError(t, err)
	require.Equal(t, types.CacheMemory, resp.Cached)
}

func TestKVTierExpiryFollowsInjectedClock(t *testing.T) {
	t.Parallel()

	// A fake clock far behind wall time: TTL math anchored to time.Now
	// would compute a negative lifetime and skip the KV write.
	clock := clockwork.NewFakeClockAt(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	shared := newFakeRedis()
	c := newTestCache(t, func(cfg *Config) {
		cfg.Clock = clock
		cfg.Redis = shared
	})
	ctx := context.Background()
	var builds atomic.Int64

	_, err := c.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "world"))
	require.NoError(t, err)

	shared.mu.Lock()
	stored := len(shared.data)
	shared.mu.Unlock()
	require.Equal(t, 1, stored)
}

func TestFailingKVTierDegrades(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	defer bus.Close()
	var degraded atomic.Int64
	bus.Subscribe(func(e events.Event) {
		if _, ok := e.(events.CacheDegraded); ok {
			degraded.Add(1)
		}
	})

	c := newTestCache(t, func(cfg *Config) {
		cfg.Redis = failingRedis{}
		cfg.Bus = bus
	})
	ctx := context.Background()
	var builds atomic.Int64

	// The dead KV tier never fails a request.
	_, err := c.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "world"))
	require.NoError(t, err)
	resp, err := c.Fetch(ctx, testRequest("hello"), staticBuild(&builds, "world"))
	require.NoError(t, err)
	require.Equal(t, types.CacheMemory, resp.Cached)

	require.Positive(t, c.Stats().TierErrors)
	require.Eventually(t, func() bool { return degraded.Load() > 0 }, time.Second, time.Millisecond)
}

func TestJaccardScorer(t *testing.T) {
	t.Parallel()

	scorer := JaccardScorer{}
	a := tokenize("the quick brown fox")
	require.Equal(t, 1.0, scorer.Score(a, tokenize("The quick, brown fox!")))
	require.Equal(t, 0.0, scorer.Score(a, tokenize("entirely different words here")))
	require.Equal(t, 0.0, scorer.Score(a, tokenize("")))

	partial := scorer.Score(a, tokenize("the quick brown dog"))
	require.Greater(t, partial, 0.5)
	require.Less(t, partial, 1.0)
}

// fakeRedis is an in-memory stand-in for the KV tier client.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := int64(0)
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	prefix := strings.TrimSuffix(match, "*")
	for key := range f.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

// failingRedis simulates a dead KV backend.
type failingRedis struct{}

var errRedisDown = errors.New("connection refused")

func (failingRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	return redis.NewStringResult("", errRedisDown)
}

func (failingRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	return redis.NewStatusResult("", errRedisDown)
}

func (failingRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return redis.NewIntResult(0, errRedisDown)
}

func (failingRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	return redis.NewScanCmdResult(nil, 0, errRedisDown)
}

func TestStatsRankFingerprints(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	ctx := context.Background()
	var builds atomic.Int64

	// "hot" gets three hits, "cold" gets one.
	for i, prompt := range []string{"hot", "hot", "hot", "hot", "cold", "cold"} {
		_, err := c.Fetch(ctx, testRequest(prompt), staticBuild(&builds, "r"))
		require.NoError(t, err, "request %d", i)
	}
	require.EqualValues(t, 2, builds.Load())

	stats := c.Stats()
	require.EqualValues(t, 4, stats.Hits())
	require.EqualValues(t, 2, stats.Misses)
	require.InDelta(t, 4.0/6.0, stats.HitRate(), 0.001)

	top := c.TopFingerprints(1)
	require.Len(t, top, 1)
	require.EqualValues(t, 3, top[0].Hits)
}
