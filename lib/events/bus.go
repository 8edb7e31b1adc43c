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

// Package events is the in-process publish/subscribe channel for gantry
// lifecycle notifications. Components publish typed events; subscribers are
// registered once at container build time. Publishing never blocks request
// completion: events are dispatched from a dedicated goroutine and dropped
// (with a counter) when the dispatch queue is full.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a typed lifecycle notification.
type Event interface {
	// EventType returns a stable name for metrics and logs.
	EventType() string
}

// BreakerTransitioned is published on every breaker state change.
type BreakerTransitioned struct {
	Target string
	From   string
	To     string
	At     time.Time
}

// EventType implements Event.
func (BreakerTransitioned) EventType() string { return "breaker_transitioned" }

// CredentialRateLimited is published when a credential is parked after an
// upstream rate-limit signal.
type CredentialRateLimited struct {
	Provider string
	KeyID    string
	Until    time.Time
}

// EventType implements Event.
func (CredentialRateLimited) EventType() string { return "credential_rate_limited" }

// CredentialUnavailable is published when a credential is taken out of
// rotation permanently (authentication failure).
type CredentialUnavailable struct {
	Provider string
	KeyID    string
	Reason   string
}

// EventType implements Event.
func (CredentialUnavailable) EventType() string { return "credential_unavailable" }

// ConnectionRetired is published when the pool destroys a connection. The
// session index subscribes to clear stale affinity references.
type ConnectionRetired struct {
	Provider string
	ConnID   string
	Reason   string
}

// EventType implements Event.
func (ConnectionRetired) EventType() string { return "connection_retired" }

// CacheDegraded is published when a cache tier starts failing and lookups
// fall through to the remaining tiers.
type CacheDegraded struct {
	Tier string
	Err  string
}

// EventType implements Event.
func (CacheDegraded) EventType() string { return "cache_degraded" }

// Handler consumes published events. Handlers run on the dispatch
// goroutine and must not block.
type Handler func(Event)

// Bus fans published events out to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	closed   sync.Once
	dropped  atomic.Uint64
}

// NewBus creates a bus and starts its dispatch goroutine.
func NewBus() *Bus {
	b := &Bus{
		queue: make(chan Event, 256),
		done:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish enqueues an event for dispatch. Drops the event when the queue is
// full rather than blocking the publisher.
func (b *Bus) Publish(e Event) {
	select {
	case b.queue <- e:
	case <-b.done:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops the dispatch goroutine. Events already queued are delivered.
func (b *Bus) Close() {
	b.closed.Do(func() {
		close(b.done)
	})
}

func (b *Bus) dispatch() {
	for {
		select {
		case e := <-b.queue:
			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				h(e)
			}
		case <-b.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case e := <-b.queue:
					b.mu.RLock()
					handlers := b.handlers
					b.mu.RUnlock()
					for _, h := range handlers {
						h(e)
					}
				default:
					return
				}
			}
		}
	}
}
