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

package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/skylane/gantry/lib/breaker"
	"github.com/skylane/gantry/lib/config"
	"github.com/skylane/gantry/lib/connpool"
	"github.com/skylane/gantry/lib/credentials"
	"github.com/skylane/gantry/lib/failover"
	"github.com/skylane/gantry/lib/types"
)

const serviceConfig = `
targets:
  - "openrouter,anthropic/claude-3.5-sonnet"
  - "deepseek,deepseek-chat"
cache:
  max_entries: 64
  ttl: 10m
credentials:
  keys:
    openrouter:
      - id: or-k1
        secret: sk-or-1
    deepseek:
      - id: ds-k1
        secret: sk-ds-1
failover:
  max_retries: 1
  retry_base: 1ms
  retry_max: 5ms
limiter:
  rules:
    - dimension: user
      algorithm: fixed_window
      limit: 3
      window: 1m
`

func readConfig(t *testing.T, text string) *config.Config {
	t.Helper()
	cfg, err := config.Read(strings.NewReader(text))
	require.NoError(t, err)
	return cfg
}

func countingExecutor(calls *atomic.Int64) failover.Executor {
	return failover.ExecutorFunc(func(ctx context.Context, target types.Target, req *types.Request, cred credentials.View, conn *connpool.Conn) (*types.Response, error) {
		calls.Add(1)
		return &types.Response{Payload: json.RawMessage(`{"ok":true}`)}, nil
	})
}

func newTestService(t *testing.T, fileConfig string, executor failover.Executor) *Service {
	t.Helper()
	svc, err := New(Config{
		FileConfig:     readConfig(t, fileConfig),
		Executor:       executor,
		DisableMetrics: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func chatRequest(prompt string) *types.Request {
	return &types.Request{
		Messages: []types.Message{{Role: "user", Content: prompt}},
	}
}

func TestHandleServesAndCaches(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	svc := newTestService(t, serviceConfig, countingExecutor(&calls))
	ctx := context.Background()
	client := ClientInfo{User: "alice"}

	resp, decision, err := svc.Handle(ctx, chatRequest("hello"), client)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, "openrouter,anthropic/claude-3.5-sonnet", resp.TargetUsed)
	require.False(t, resp.Failover)
	require.Equal(t, types.CacheNone, resp.Cached)
	require.EqualValues(t, 1, calls.Load())

	// The identical request is served from cache without an upstream
	// call.
	resp, _, err = svc.Handle(ctx, chatRequest("hello"), client)
	require.NoError(t, err)
	require.Equal(t, types.CacheMemory, resp.Cached)
	require.EqualValues(t, 1, calls.Load())

	stats := svc.CacheStats()
	require.EqualValues(t, 1, stats.MemoryHits)
	require.EqualValues(t, 1, stats.Misses)
}

func TestHandleRateLimitDenied(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	svc := newTestService(t, serviceConfig, countingExecutor(&calls))
	ctx := context.Background()
	client := ClientInfo{User: "bob"}

	for i := 0; i < 3; i++ {
		_, decision, err := svc.Handle(ctx, chatRequest("prompt "+string(rune('a'+i))), client)
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	_, decision, err := svc.Handle(ctx, chatRequest("one too many"), client)
	require.True(t, trace.IsLimitExceeded(err))
	require.False(t, decision.Allowed)
	require.Positive(t, decision.RetryAfter)
	require.EqualValues(t, 3, calls.Load())

	// Another caller is unaffected.
	_, _, err = svc.Handle(ctx, chatRequest("fresh caller"), ClientInfo{User: "carol"})
	require.NoError(t, err)
}

func TestHandleWithCacheDisabled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	disabled := strings.Replace(serviceConfig, "cache:", "cache:\n  disabled: true", 1)
	svc := newTestService(t, disabled, countingExecutor(&calls))

	ctx := context.Background()
	client := ClientInfo{User: "dave"}
	for _i := 0; _i < 2; _i++ {
		resp, _, err := svc.Handle(ctx, chatRequest("hello"), client)
		require.NoError(t, err)
		require.Equal(t, types.CacheNone, resp.Cached)
	}
	require.EqualValues(t, 2, calls.Load())
}

func TestHandleFailsOverToSecondary(t *testing.T) {
	t.Parallel()

	executor := failover.ExecutorFunc(func(ctx context.Context, target types.Target, req *types.Request, cred credentials.View, conn *connpool.Conn) (*types.Response, error) {
		if target.Provider == "openrouter" {
			return nil, failover.ResponseError(target, 503, "", nil)
		}
		return &types.Response{Payload: json.RawMessage(`{"ok":true}`)}, nil
	})
	svc := newTestService(t, serviceConfig, executor)

	resp, _, err := svc.Handle(context.Background(), chatRequest("failover"), ClientInfo{User: "erin"})
	require.NoError(t, err)
	require.True(t, resp.Failover)
	require.Equal(t, "deepseek,deepseek-chat", resp.TargetUsed)

	report := svc.Health()
	require.True(t, report.Healthy)
	require.Len(t, report.Targets, 2)
}

func TestInvalidateCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	svc := newTestService(t, serviceConfig, countingExecutor(&calls))
	ctx := context.Background()
	client := ClientInfo{User: "frank"}

	_, _, err := svc.Handle(ctx, chatRequest("evict me"), client)
	require.NoError(t, err)

	n, err := svc.InvalidateCache(ctx, ".*")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, _, err = svc.Handle(ctx, chatRequest("evict me"), client)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestBreakerStatesExposed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	svc := newTestService(t, serviceConfig, countingExecutor(&calls))

	// Breakers materialize on first use.
	_, _, err := svc.Handle(context.Background(), chatRequest("warm up"), ClientInfo{User: "grace"})
	require.NoError(t, err)

	states := svc.BreakerStates()
	require.Equal(t, breaker.StateClosed, states["openrouter,anthropic/claude-3.5-sonnet"])
}
