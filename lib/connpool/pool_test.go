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

package connpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/skylane/gantry/lib/events"
	"github.com/skylane/gantry/lib/types"
)

func newTestPool(t *testing.T, clock clockwork.Clock, mutate func(*Config)) *Pool {
	t.Helper()
	cfg := Config{
		Clock:       clock,
		MaxSockets:  2,
		Capacity:    2,
		IdleTimeout: 90 * time.Second,
		MaxLifetime: 10 * time.Minute,
		WaitTimeout: 30 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	pool, err := NewPool(cfg)
	require.NoError(t, err)
	return pool
}

func TestGetReusesLeastLoaded(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	pool := newTestPool(t, clock, nil)
	ctx := context.Background()

	c1, err := pool.Get(ctx, "openrouter", "")
	require.NoError(t, err)

	// The second request multiplexes onto c1's free slot.
	c2, err := pool.Get(ctx, "openrouter", "")
	require.NoError(t, err)
	require.Equal(t, c1.ID(), c2.ID())

	// With c1 full, the third request opens a second socket.
	c3, err := pool.Get(ctx, "openrouter", "")
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c3.ID())

	// A released slot makes c1 the least-loaded pick again.
	pool.Release(c2, nil)
	c4, err := pool.Get(ctx, "openrouter", "")
	require.NoError(t, err)
	require.Equal(t, c1.ID(), c4.ID())

	// In-flight never exceeds capacity.
	for _, st := range pool.Status("openrouter") {
		require.LessOrEqual(t, st.InFlight, st.Capacity)
	}
}

func TestGetBlocksUntilRelease(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewRealClock()
	pool := newTestPool(t, clock, func(cfg *Config) {
		cfg.MaxSockets = 1
		cfg.Capacity = 1
	})
	ctx := context.Background()

	c1, err := pool.Get(ctx, "openrouter", "")
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, err := pool.Get(ctx, "openrouter", "")
		if err == nil {
			got <- c
		}
	}()

	// The waiter parks; a release hands it the slot.
	time.Sleep(20 * time.Millisecond)
	pool.Release(c1, nil)

	select {
	case c := <-got:
		require.Equal(t, c1.ID(), c.ID())
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestGetWaitTimeout(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, clockwork.NewRealClock(), func(cfg *Config) {
		cfg.MaxSockets = 1
		cfg.Capacity = 1
		cfg.WaitTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	_, err := pool.Get(ctx, "openrouter", "")
	require.NoError(t, err)

	_, err = pool.Get(ctx, "openrouter", "")
	require.True(t, trace.IsLimitExceeded(err))
}

func TestGetContextCancellation(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, clockwork.NewRealClock(), func(cfg *Config) {
		cfg.MaxSockets = 1
		cfg.Capacity = 1
	})

	_, err := pool.Get(context.Background(), "openrouter", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = pool.Get(ctx, "openrouter", "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestStickySessionAffinity(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	bus := events.NewBus()
	defer bus.Close()
	idx := NewSessionIndex(clock, 30*time.Minute, bus)
	pool := newTestPool(t, clock, func(cfg *Config) {
		cfg.MaxSockets = 4
		cfg.Capacity = 4
		cfg.Sessions = idx
		cfg.Bus = bus
	})
	ctx := context.Background()

	idx.Observe("sess-1", "openrouter", types.PriorityNormal, true)

	c1, err := pool.Get(ctx, "openrouter", "sess-1")
	require.NoError(t, err)
	pool.Release(c1, nil)

	// Successive sticky requests land on the same connection.
	for _i := 0; _i < 3; _i++ {
		c, err := pool.Get(ctx, "openrouter", "sess-1")
		require.NoError(t, err)
		require.Equal(t, c1.ID(), c.ID())
		pool.Release(c, nil)
	}

	st, ok := idx.Status("sess-1")
	require.True(t, ok)
	require.Equal(t, c1.ID(), st.Preferred)
}

func TestStickyCeilingDivertsOverloadedPreferred(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	idx := NewSessionIndex(clock, 30*time.Minute, nil)
	pool := newTestPool(t, clock, func(cfg *Config) {
		cfg.MaxSockets = 4
		cfg.Capacity = 4
		cfg.StickyLoadCeiling = 0.5
		cfg.Sessions = idx
	})
	ctx := context.Background()

	// Fill c1 and spill onto c2 so both connections exist.
	var held []*Conn
	c1, err := pool.Get(ctx, "openrouter", "")
	require.NoError(t, err)
	held = append(held, c1)
	for _i := 0; _i < 3; _i++ {
		c, err := pool.Get(ctx, "openrouter", "")
		require.NoError(t, err)
		require.Equal(t, c1.ID(), c.ID())
		held = append(held, c)
	}
	c2, err := pool.Get(ctx, "openrouter", "")
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c2.ID())
	pool.Release(c2, nil)

	// Pin the session to the loaded c1.
	idx.Observe("sess-1", "openrouter", types.PriorityNormal, true)
	idx.SetPreferred("sess-1", c1.ID())

	// c1 carries 3 of 4 in flight, past the 50% sticky ceiling: the
	// session diverts to the idle c2 even though c1 still has a slot.
	pool.Release(held[0], nil)
	c, err := pool.Get(ctx, "openrouter", "sess-1")
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c.ID())
	pool.Release(c, nil)

	// The divert re-points the session at the connection it ran on; the
	// old preferred drops to the fallback list.
	st, ok := idx.Status("sess-1")
	require.True(t, ok)
	require.Equal(t, c.ID(), st.Preferred)
	require.Contains(t, st.Fallbacks, c1.ID())

	for _, h := range held[1:] {
		pool.Release(h, nil)
	}
}

func TestRetirementClearsSessionReferences(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	bus := events.NewBus()
	defer bus.Close()
	idx := NewSessionIndex(clock, 30*time.Minute, bus)
	pool := newTestPool(t, clock, func(cfg *Config) {
		cfg.Sessions = idx
		cfg.Bus = bus
	})
	ctx := context.Background()

	idx.Observe("sess-1", "openrouter", types.PriorityNormal, true)
	c1, err := pool.Get(ctx, "openrouter", "sess-1")
	require.NoError(t, err)

	// A connection-fatal error retires the connection; the session index
	// hears about it on the bus and drops the reference.
	fatal := &types.UpstreamError{Kind: types.KindTransient, Err: errors.New("connection reset")}
	pool.Release(c1, fatal)

	require.Eventually(t, func() bool {
		st, ok := idx.Status("sess-1")
		return ok && st.Preferred != c1.ID()
	}, 5*time.Second, 10*time.Millisecond)

	for _, st := range pool.Status("openrouter") {
		require.NotEqual(t, c1.ID(), st.ID)
	}
}

func TestSweepRetiresIdleAndExpired(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	pool := newTestPool(t, clock, func(cfg *Config) {
		cfg.MaxSockets = 4
		cfg.IdleTimeout = time.Minute
		cfg.MaxLifetime = time.Hour
	})
	ctx := context.Background()

	c1, err := pool.Get(ctx, "openrouter", "")
	require.NoError(t, err)
	pool.Release(c1, nil)

	// Not yet idle-expired.
	clock.Advance(30 * time.Second)
	require.Zero(t, pool.Sweep())

	clock.Advance(31 * time.Second)
	require.Equal(t, 1, pool.Sweep())
	require.Empty(t, pool.Status("openrouter"))
}

func TestLifetimeExpiryBeforeReuse(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	pool := newTestPool(t, clock, func(cfg *Config) {
		cfg.MaxSockets = 4
		cfg.IdleTimeout = time.Hour
		cfg.MaxLifetime = time.Minute
	})
	ctx := context.Background()

	c1, err := pool.Get(ctx, "openrouter", "")
	require.NoError(t, err)
	pool.Release(c1, nil)

	// Past its lifetime the connection is retired, never reused.
	clock.Advance(2 * time.Minute)
	c2, err := pool.Get(ctx, "openrouter", "")
	require.NoError(t, err)
	require.NotEqual(t, c1.ID(), c2.ID())
}

func TestExactReuseCounter(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	pool := newTestPool(t, clock, func(cfg *Config) {
		cfg.MaxSockets = 1
		cfg.Capacity = 1
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c, err := pool.Get(ctx, "openrouter", "")
		require.NoError(t, err)
		st := pool.Status("openrouter")
		require.Len(t, st, 1)
		require.Equal(t, uint64(i), st[0].Reuse)
		pool.Release(c, nil)
	}
}

func TestSessionReap(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	idx := NewSessionIndex(clock, 30*time.Minute, nil)

	idx.Observe("old", "openrouter", types.PriorityNormal, false)
	clock.Advance(29 * time.Minute)
	idx.Observe("fresh", "openrouter", types.PriorityNormal, false)
	clock.Advance(2 * time.Minute)

	require.Equal(t, 1, idx.Reap())
	require.Equal(t, 1, idx.Len())
	_, ok := idx.Status("fresh")
	require.True(t, ok)
}

func TestSessionLatencyAverage(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	idx := NewSessionIndex(clock, 30*time.Minute, nil)
	idx.Observe("s", "openrouter", types.PriorityNormal, false)

	idx.RecordLatency("s", 100*time.Millisecond)
	st, ok := idx.Status("s")
	require.True(t, ok)
	require.Equal(t, 100*time.Millisecond, st.AvgLatency)

	idx.RecordLatency("s", 200*time.Millisecond)
	st, _ = idx.Status("s")
	require.Greater(t, st.AvgLatency, 100*time.Millisecond)
	require.Less(t, st.AvgLatency, 200*time.Millisecond)
}
