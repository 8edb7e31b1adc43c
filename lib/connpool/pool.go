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

// Package connpool multiplexes requests over a bounded fleet of long-lived
// upstream connections per provider, preserving session stickiness when a
// session is identified. Sessions live in a separate index that references
// connections by id only; the pool publishes retirement events and the
// index reconciles, so neither side owns the other.
package connpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/skylane/gantry/lib/defaults"
	"github.com/skylane/gantry/lib/events"
	"github.com/skylane/gantry/lib/types"
)

// Config configures a Pool.
type Config struct {
	// Clock is used to control time, defaults to the real clock.
	Clock clockwork.Clock
	// MaxSockets is the per-provider connection ceiling.
	MaxSockets int
	// MaxFreeSockets is how many idle connections survive a sweep.
	MaxFreeSockets int
	// Capacity is how many requests one connection multiplexes.
	Capacity int
	// IdleTimeout retires a connection with no recent use.
	IdleTimeout time.Duration
	// MaxLifetime retires a connection regardless of activity.
	MaxLifetime time.Duration
	// WaitTimeout bounds how long Get blocks for a free slot.
	WaitTimeout time.Duration
	// StickyLoadCeiling is the share of capacity up to which a sticky
	// session keeps its preferred connection.
	StickyLoadCeiling float64
	// Sessions is the affinity index, optional.
	Sessions *SessionIndex
	// Bus receives ConnectionRetired events, optional.
	Bus *events.Bus
	// Dial builds the opaque transport handle for a new connection,
	// optional.
	Dial func(provider string) (any, error)
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxSockets <= 0 {
		c.MaxSockets = defaults.MaxSockets
	}
	if c.MaxFreeSockets <= 0 {
		c.MaxFreeSockets = defaults.MaxFreeSockets
	}
	if c.Capacity <= 0 {
		c.Capacity = defaults.ConnCapacity
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaults.ConnIdleTimeout
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = defaults.ConnMaxLifetime
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = defaults.ConnWaitTimeout
	}
	if c.StickyLoadCeiling <= 0 || c.StickyLoadCeiling > 1 {
		c.StickyLoadCeiling = defaults.StickyLoadCeiling
	}
	return nil
}

// waiter is one parked Get call.
type waiter struct {
	ch chan *Conn
}

// providerConns holds one provider's fleet behind its own lock.
type providerConns struct {
	name    string
	mu      sync.Mutex
	conns   []*Conn
	waiters []*waiter
}

// Pool owns all connections.
type Pool struct {
	cfg Config

	mu        sync.RWMutex
	providers map[string]*providerConns
	closed    bool
}

// NewPool creates a connection pool.
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{
		cfg:       cfg,
		providers: make(map[string]*providerConns),
	}, nil
}

func (p *Pool) provider(name string) *providerConns {
	p.mu.RLock()
	pc, ok := p.providers[name]
	p.mu.RUnlock()
	if ok {
		return pc
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.providers[name]; ok {
		return pc
	}
	pc = &providerConns{name: name}
	p.providers[name] = pc
	return pc
}

// Get returns a connection for the provider, honoring the session's sticky
// preference when one exists. Blocks up to the wait timeout (or the context
// deadline, whichever is sooner) when the fleet is saturated.
func (p *Pool) Get(ctx context.Context, provider, sessionID string) (*Conn, error) {
	pc := p.provider(provider)
	now := p.cfg.Clock.Now()

	var preferred string
	var fallbacks []string
	sticky := false
	if p.cfg.Sessions != nil && sessionID != "" {
		preferred, fallbacks, sticky = p.cfg.Sessions.Preferred(sessionID)
	}

	pc.mu.Lock()
	retired := p.retireExpiredLocked(pc, now)

	c := p.selectLocked(pc, now, preferred, fallbacks, sticky)
	if c == nil && len(pc.conns) < p.cfg.MaxSockets {
		var err error
		c, err = p.openLocked(pc, provider, now)
		if err != nil {
			pc.mu.Unlock()
			p.publishRetired(retired)
			return nil, trace.Wrap(err)
		}
	}
	if c != nil {
		p.acquireLocked(c, now)
		pc.mu.Unlock()
		p.publishRetired(retired)
		p.recordAffinity(sessionID, sticky, c)
		return c, nil
	}

	// Saturated: park until a slot frees up.
	w := &waiter{ch: make(chan *Conn, 1)}
	pc.waiters = append(pc.waiters, w)
	pc.mu.Unlock()
	p.publishRetired(retired)

	timer := p.cfg.Clock.NewTimer(p.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case c := <-w.ch:
		if c == nil {
			return nil, trace.ConnectionProblem(nil, "connection pool closed")
		}
		p.recordAffinity(sessionID, sticky, c)
		return c, nil
	case <-timer.Chan():
		p.abandonWaiter(pc, w)
		return nil, trace.LimitExceeded("connection pool for provider %q is saturated", provider)
	case <-ctx.Done():
		p.abandonWaiter(pc, w)
		return nil, trace.Wrap(ctx.Err())
	}
}

// abandonWaiter removes a timed-out waiter, releasing any connection that
// raced in after the timeout fired.
func (p *Pool) abandonWaiter(pc *providerConns, w *waiter) {
	pc.mu.Lock()
	for i, other := range pc.waiters {
		if other == w {
			pc.waiters = append(pc.waiters[:i], pc.waiters[i+1:]...)
			break
		}
	}
	pc.mu.Unlock()

	select {
	case c := <-w.ch:
		p.Release(c, nil)
	default:
	}
}

func (p *Pool) recordAffinity(sessionID string, sticky bool, c *Conn) {
	if p.cfg.Sessions != nil && sessionID != "" && sticky {
		p.cfg.Sessions.SetPreferred(sessionID, c.id)
	}
}

// selectLocked picks an existing connection, sticky preference first, then
// the session's fallbacks, then the least-loaded healthy connection with
// the oldest-last-used tie-break. Caller holds the provider lock.
func (p *Pool) selectLocked(pc *providerConns, now time.Time, preferred string, fallbacks []string, sticky bool) *Conn {
	byID := func(id string) *Conn {
		for _, c := range pc.conns {
			if c.id == id {
				return c
			}
		}
		return nil
	}

	if sticky {
		if c := byID(preferred); c != nil && !c.expired(now, p.cfg.MaxLifetime) && c.underStickyCeiling(p.cfg.StickyLoadCeiling) {
			return c
		}
		for _, id := range fallbacks {
			if c := byID(id); c != nil && !c.expired(now, p.cfg.MaxLifetime) && c.hasSlot() {
				return c
			}
		}
	}

	var best *Conn
	for _, c := range pc.conns {
		if !c.hasSlot() || c.expired(now, p.cfg.MaxLifetime) {
			continue
		}
		switch {
		case best == nil:
			best = c
		case c.inFlight < best.inFlight:
			best = c
		case c.inFlight == best.inFlight && c.lastUsed.Before(best.lastUsed):
			// Equal load goes to the connection idle the longest,
			// which promotes recycling.
			best = c
		}
	}
	return best
}

func (p *Pool) openLocked(pc *providerConns, provider string, now time.Time) (*Conn, error) {
	var transport any
	if p.cfg.Dial != nil {
		t, err := p.cfg.Dial(provider)
		if err != nil {
			return nil, trace.ConnectionProblem(err, "dialing provider %q", provider)
		}
		transport = t
	}
	c := &Conn{
		id:        uuid.NewString(),
		provider:  provider,
		createdAt: now,
		lastUsed:  now,
		capacity:  p.cfg.Capacity,
		healthy:   true,
		transport: transport,
	}
	pc.conns = append(pc.conns, c)
	return c, nil
}

// acquireLocked books one in-flight request onto c. The reuse counter is
// exact: it counts every acquire after the first, not the free-socket
// heuristic the metric replaced.
// Caller holds the provider lock.
func (p *Pool) acquireLocked(c *Conn, now time.Time) {
	c.acquired++
	if c.acquired > 1 {
		c.reuse++
	}
	c.inFlight++
	c.lastUsed = now
}

// Release returns a connection after a request completes. callErr is the
// upstream call error, if any: connection-fatal classes retire the
// connection instead of recycling it. One parked waiter is woken when a
// slot opens.
func (p *Pool) Release(c *Conn, callErr error) {
	if c == nil {
		return
	}
	pc := p.provider(c.provider)
	now := p.cfg.Clock.Now()

	pc.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.lastUsed = now

	var retired []events.ConnectionRetired
	if callErr != nil && types.Classify(callErr).ConnectionFatal() {
		retired = append(retired, p.retireLocked(pc, c, "connection-fatal error"))
	}
	p.wakeWaiterLocked(pc, now)
	pc.mu.Unlock()

	p.publishRetired(retired)
}

// wakeWaiterLocked hands a free slot to the oldest parked waiter, opening a
// fresh connection when retirement freed fleet capacity instead of a slot.
// Caller holds the provider lock.
func (p *Pool) wakeWaiterLocked(pc *providerConns, now time.Time) {
	for len(pc.waiters) > 0 {
		c := p.selectLocked(pc, now, "", nil, false)
		if c == nil && len(pc.conns) < p.cfg.MaxSockets {
			opened, err := p.openLocked(pc, pc.name, now)
			if err != nil {
				return
			}
			c = opened
		}
		if c == nil {
			return
		}
		w := pc.waiters[0]
		pc.waiters = pc.waiters[1:]
		p.acquireLocked(c, now)
		w.ch <- c
	}
}

// retireLocked removes a connection from the fleet. In-flight holders keep
// their pointer; the connection is simply never selected again.
// Caller holds the provider lock.
func (p *Pool) retireLocked(pc *providerConns, c *Conn, reason string) events.ConnectionRetired {
	c.healthy = false
	for i, other := range pc.conns {
		if other == c {
			pc.conns = append(pc.conns[:i], pc.conns[i+1:]...)
			break
		}
	}
	return events.ConnectionRetired{Provider: c.provider, ConnID: c.id, Reason: reason}
}

// retireExpiredLocked drops idle connections past their lifetime and marks
// busy expired ones unhealthy so they drain out. Caller holds the lock.
func (p *Pool) retireExpiredLocked(pc *providerConns, now time.Time) []events.ConnectionRetired {
	var retired []events.ConnectionRetired
	for _, c := range append([]*Conn(nil), pc.conns...) {
		if c.expired(now, p.cfg.MaxLifetime) {
			retired = append(retired, p.retireLocked(pc, c, "max lifetime exceeded"))
		}
	}
	return retired
}

func (p *Pool) publishRetired(retired []events.ConnectionRetired) {
	if p.cfg.Bus == nil {
		return
	}
	for _, e := range retired {
		p.cfg.Bus.Publish(e)
	}
}

// Sweep runs one janitor pass: idle expiry, lifetime expiry and trimming
// free connections beyond the keep-warm budget. Returns the number of
// connections retired.
func (p *Pool) Sweep() int {
	p.mu.RLock()
	providers := make([]*providerConns, 0, len(p.providers))
	for _, pc := range p.providers {
		providers = append(providers, pc)
	}
	p.mu.RUnlock()

	now := p.cfg.Clock.Now()
	total := 0
	for _, pc := range providers {
		var retired []events.ConnectionRetired

		pc.mu.Lock()
		retired = append(retired, p.retireExpiredLocked(pc, now)...)
		for _, c := range append([]*Conn(nil), pc.conns...) {
			if c.idleExpired(now, p.cfg.IdleTimeout) {
				retired = append(retired, p.retireLocked(pc, c, "idle timeout"))
			}
		}
		// Trim free connections beyond the keep-warm budget, oldest
		// last-used first.
		free := make([]*Conn, 0, len(pc.conns))
		for _, c := range pc.conns {
			if c.inFlight == 0 {
				free = append(free, c)
			}
		}
		for len(free) > p.cfg.MaxFreeSockets {
			oldest := free[0]
			for _, c := range free[1:] {
				if c.lastUsed.Before(oldest.lastUsed) {
					oldest = c
				}
			}
			retired = append(retired, p.retireLocked(pc, oldest, "free socket budget"))
			next := free[:0]
			for _, c := range free {
				if c != oldest {
					next = append(next, c)
				}
			}
			free = next
		}
		pc.mu.Unlock()

		p.publishRetired(retired)
		total += len(retired)
	}

	if p.cfg.Sessions != nil {
		p.cfg.Sessions.Reap()
	}
	return total
}

// Status returns connection snapshots for a provider.
func (p *Pool) Status(provider string) []ConnStatus {
	pc := p.provider(provider)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]ConnStatus, 0, len(pc.conns))
	for _, c := range pc.conns {
		out = append(out, c.status())
	}
	return out
}

// Close retires every connection and fails parked waiters.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	providers := make([]*providerConns, 0, len(p.providers))
	for _, pc := range p.providers {
		providers = append(providers, pc)
	}
	p.mu.Unlock()

	for _, pc := range providers {
		var retired []events.ConnectionRetired
		pc.mu.Lock()
		for _, c := range append([]*Conn(nil), pc.conns...) {
			retired = append(retired, p.retireLocked(pc, c, "pool closed"))
		}
		for _, w := range pc.waiters {
			close(w.ch)
		}
		pc.waiters = nil
		pc.mu.Unlock()
		p.publishRetired(retired)
	}
}
