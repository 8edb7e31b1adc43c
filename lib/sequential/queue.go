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

// Package sequential serializes upstream execution per provider. When
// sequential mode is engaged for a provider, at most one request is in
// flight to it at any instant; queued requests are ordered by priority and
// FIFO within a priority. A short dwell between requests lets the provider
// reuse the warm connection. Disabling the mode drains pending queues:
// every waiter is released to proceed through the normal concurrent path.
package sequential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/skylane/gantry/lib/defaults"
	"github.com/skylane/gantry/lib/types"
)

// ErrQueueFull is returned by Do when the provider's queue is at capacity.
var ErrQueueFull = errors.New("sequential queue is full")

// ErrQueueTimeout is returned by Do when a queued request's deadline
// expired before it was executed.
var ErrQueueTimeout = errors.New("request timed out in sequential queue")

// Config configures a Manager.
type Config struct {
	// Clock is used to control time, defaults to the real clock.
	Clock clockwork.Clock
	// Enabled engages sequential mode for every provider without an
	// override.
	Enabled bool
	// ProviderOverrides engages or disengages the mode per provider.
	ProviderOverrides map[string]bool
	// MaxQueue bounds each provider's queue.
	MaxQueue int
	// QueueTimeout bounds how long a request may wait in the queue.
	QueueTimeout time.Duration
	// Dwell is the pause between requests that promotes connection
	// reuse. Zero disables the pause.
	Dwell time.Duration
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = defaults.SequentialMaxQueue
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = defaults.QueueTimeout
	}
	return nil
}

type result struct {
	v       any
	err     error
	drained bool
}

type item struct {
	fn        func() (any, error)
	priority  types.Priority
	result    chan result
	cancelled atomic.Bool
}

// queue holds one provider's pending work in per-priority buckets.
// Guarded by the manager lock.
type queue struct {
	buckets [4][]*item
	size    int
	running bool
}

func (q *queue) push(it *item) {
	q.buckets[it.priority] = append(q.buckets[it.priority], it)
	q.size++
}

// pop returns the next live item in priority order, discarding cancelled
// entries on the way.
func (q *queue) pop() *item {
	for p := range q.buckets {
		for len(q.buckets[p]) > 0 {
			it := q.buckets[p][0]
			q.buckets[p] = q.buckets[p][1:]
			q.size--
			if it.cancelled.Load() {
				continue
			}
			return it
		}
	}
	return nil
}

// Manager owns the per-provider sequential queues.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	queues    map[string]*queue
	enabled   bool
	overrides map[string]bool
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	overrides := make(map[string]bool, len(cfg.ProviderOverrides))
	for k, v := range cfg.ProviderOverrides {
		overrides[k] = v
	}
	return &Manager{
		cfg:       cfg,
		queues:    make(map[string]*queue),
		enabled:   cfg.Enabled,
		overrides: overrides,
	}, nil
}

// Enabled reports whether sequential mode is engaged for the provider.
func (m *Manager) Enabled(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabledLocked(provider)
}

func (m *Manager) enabledLocked(provider string) bool {
	if v, ok := m.overrides[provider]; ok {
		return v
	}
	return m.enabled
}

// Do executes fn under the provider's sequential discipline. When the mode
// is disengaged for the provider, fn runs immediately on the calling
// goroutine. When a mode switch drains the queue, the waiter falls back to
// running fn directly, which is the normal concurrent path.
func (m *Manager) Do(ctx context.Context, provider string, priority types.Priority, fn func() (any, error)) (any, error) {
	m.mu.Lock()
	if !m.enabledLocked(provider) {
		m.mu.Unlock()
		return fn()
	}
	q, ok := m.queues[provider]
	if !ok {
		q = &queue{}
		m.queues[provider] = q
	}
	if q.size >= m.cfg.MaxQueue {
		m.mu.Unlock()
		return nil, trace.Wrap(ErrQueueFull)
	}
	it := &item{
		fn:       fn,
		priority: priority,
		result:   make(chan result, 1),
	}
	q.push(it)
	if !q.running {
		q.running = true
		go m.run(q)
	}
	m.mu.Unlock()

	timeout := m.cfg.QueueTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := deadline.Sub(m.cfg.Clock.Now()); until < timeout {
			timeout = until
		}
	}
	timer := m.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-it.result:
		if r.drained {
			return fn()
		}
		return r.v, r.err
	case <-timer.Chan():
		// Expired in the queue: the item is never executed.
		it.cancelled.Store(true)
		return nil, trace.Wrap(ErrQueueTimeout)
	case <-ctx.Done():
		it.cancelled.Store(true)
		return nil, trace.Wrap(ctx.Err())
	}
}

// run is the per-provider processing loop: pop, execute, dwell, repeat.
// The loop exits when the queue is empty; Do restarts it on next submit.
func (m *Manager) run(q *queue) {
	for {
		m.mu.Lock()
		it := q.pop()
		if it == nil {
			q.running = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		v, err := it.fn()
		it.result <- result{v: v, err: err}

		if m.cfg.Dwell > 0 {
			m.cfg.Clock.Sleep(m.cfg.Dwell)
		}
	}
}

// SetEnabled switches the global mode. Disabling drains every queue whose
// provider loses the mode: pending waiters proceed concurrently.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	if !enabled {
		for provider, q := range m.queues {
			if !m.enabledLocked(provider) {
				m.drainLocked(q)
			}
		}
	}
}

// SetProviderEnabled switches the mode for one provider.
func (m *Manager) SetProviderEnabled(provider string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[provider] = enabled
	if !enabled {
		if q, ok := m.queues[provider]; ok {
			m.drainLocked(q)
		}
	}
}

// drainLocked completes every pending item with the drained marker.
// Caller holds the manager lock; the running loop pops items under the
// same lock, so an item is delivered exactly once.
func (m *Manager) drainLocked(q *queue) {
	for {
		it := q.pop()
		if it == nil {
			return
		}
		it.result <- result{drained: true}
	}
}

// Depth returns the provider's current queue depth.
func (m *Manager) Depth(provider string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[provider]; ok {
		return q.size
	}
	return 0
}
