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

package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/skylane/gantry/lib/events"
	"github.com/skylane/gantry/lib/types"
)

var errUpstream = &types.UpstreamError{Kind: types.KindServerError, StatusCode: 500, Err: errors.New("boom")}

func failingCall() (any, error) { return nil, errUpstream }

func okCall() (any, error) { return "ok", nil }

func newTestBreaker(t *testing.T, clock clockwork.Clock) *CircuitBreaker {
	t.Helper()
	cb, err := New(Config{
		Clock:            clock,
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Window:           time.Minute,
		ResetTimeout:     60 * time.Second,
	})
	require.NoError(t, err)
	return cb
}

func TestBreakerTripAndRecovery(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(t, clock)

	// Five consecutive 500s trip the breaker.
	for _i := 0; _i < 5; _i++ {
		_, err := cb.Execute(failingCall)
		require.ErrorIs(t, err, errUpstream)
	}
	require.Equal(t, StateOpen, cb.State())

	// While open, calls are rejected without reaching upstream.
	called := false
	_, err := cb.Execute(func() (any, error) {
		called = true
		return nil, nil
	})
	require.ErrorIs(t, err, ErrStateOpen)
	require.False(t, called)

	// Still open one tick before the reset timeout.
	clock.Advance(60*time.Second - time.Millisecond)
	_, err = cb.Execute(okCall)
	require.ErrorIs(t, err, ErrStateOpen)

	// At the reset timeout one probe proceeds.
	clock.Advance(time.Millisecond)
	_, err = cb.Execute(okCall)
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, cb.State())

	// Three consecutive successes close the breaker.
	_, err = cb.Execute(okCall)
	require.NoError(t, err)
	_, err = cb.Execute(okCall)
	require.NoError(t, err)
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(t, clock)

	for _i := 0; _i < 5; _i++ {
		cb.Execute(failingCall)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Minute)
	_, err := cb.Execute(failingCall)
	require.ErrorIs(t, err, errUpstream)
	require.Equal(t, StateOpen, cb.State())

	// The cooldown restarts from the half-open failure.
	_, err = cb.Execute(okCall)
	require.ErrorIs(t, err, ErrStateOpen)
}

func TestBreakerHalfOpenProbeLimit(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(t, clock)

	for _i := 0; _i < 5; _i++ {
		cb.Execute(failingCall)
	}
	clock.Advance(time.Minute)

	// Hold the single allowed probe in flight; a second caller is
	// rejected with a distinct error.
	release := make(chan struct{})
	probeStarted := make(chan struct{})
	go cb.Execute(func() (any, error) {
		close(probeStarted)
		<-release
		return nil, nil
	})
	<-probeStarted

	_, err := cb.Execute(okCall)
	require.ErrorIs(t, err, ErrTooManyProbes)
	close(release)
}

func TestBreakerSuccessPaysDownFailures(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(t, clock)

	// Interleaved successes keep the failure count below the threshold.
	for _i := 0; _i < 10; _i++ {
		cb.Execute(failingCall)
		cb.Execute(okCall)
	}
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerWindowExpiry(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(t, clock)

	// Four failures, then the window rolls past them.
	for _i := 0; _i < 4; _i++ {
		cb.Execute(failingCall)
	}
	clock.Advance(2 * time.Minute)

	// A fifth failure alone does not trip.
	cb.Execute(failingCall)
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerIgnoresNonCountedClasses(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(t, clock)

	authErr := &types.UpstreamError{Kind: types.KindAuth, StatusCode: 401, Err: errors.New("denied")}
	for _i := 0; _i < 20; _i++ {
		cb.Execute(func() (any, error) { return nil, authErr })
	}
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerManualReset(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(t, clock)

	for _i := 0; _i < 5; _i++ {
		cb.Execute(failingCall)
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	require.Equal(t, StateClosed, cb.State())
	_, err := cb.Execute(okCall)
	require.NoError(t, err)
}

func TestRegistryPerTargetIsolation(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	reg, err := NewRegistry(RegistryConfig{
		Clock: clock,
		Breaker: Config{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			Window:           time.Minute,
			ResetTimeout:     time.Minute,
		},
	})
	require.NoError(t, err)

	bad := types.Target{Provider: "openrouter", Model: "anthropic/claude-3.5-sonnet"}
	good := types.Target{Provider: "deepseek", Model: "deepseek-chat"}

	for _i := 0; _i < 5; _i++ {
		reg.Get(bad).Execute(failingCall)
	}
	require.Equal(t, StateOpen, reg.Get(bad).State())
	require.Equal(t, StateClosed, reg.Get(good).State())

	// Same target resolves to the same breaker instance.
	require.Same(t, reg.Get(bad), reg.Get(bad))
}

func TestRegistryPublishesTransitions(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	bus := events.NewBus()
	defer bus.Close()

	seen := make(chan events.Event, 8)
	bus.Subscribe(func(e events.Event) {
		if _, ok := e.(events.BreakerTransitioned); ok {
			seen <- e
		}
	})

	reg, err := NewRegistry(RegistryConfig{
		Clock: clock,
		Bus:   bus,
		Breaker: Config{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Window:           time.Minute,
			ResetTimeout:     time.Minute,
		},
	})
	require.NoError(t, err)

	target := types.Target{Provider: "deepseek", Model: "deepseek-chat"}
	reg.Get(target).Execute(failingCall)
	reg.Get(target).Execute(failingCall)

	select {
	case e := <-seen:
		tr := e.(events.BreakerTransitioned)
		require.Equal(t, "deepseek,deepseek-chat", tr.Target)
		require.Equal(t, "closed", tr.From)
		require.Equal(t, "open", tr.To)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for breaker transition event")
	}
}
