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

package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var first, second []string
	bus.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, e.EventType())
	})
	bus.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, e.EventType())
	})

	bus.Publish(BreakerTransitioned{Target: "openrouter,m", From: "closed", To: "open"})
	bus.Publish(CacheDegraded{Tier: "kv", Err: "connection refused"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 2 && len(second) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"breaker_transitioned", "cache_degraded"}, first)
	require.Equal(t, first, second)
}

func TestBusDropsWhenSaturated(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	defer bus.Close()

	// A slow handler backs up the queue.
	gate := make(chan struct{})
	bus.Subscribe(func(Event) { <-gate })

	for _i := 0; _i < 1000; _i++ {
		bus.Publish(ConnectionRetired{Provider: "openrouter", ConnID: "c1"})
	}
	require.Positive(t, bus.Dropped())
	close(gate)
}

func TestBusPublishAfterCloseIsSafe(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	bus.Close()
	bus.Close()
	bus.Publish(CredentialRateLimited{Provider: "openrouter", KeyID: "or-k1"})
}
