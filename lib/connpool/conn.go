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
	"time"
)

// Conn is one long-lived upstream connection slot. The pool is the sole
// writer to all mutable fields; callers hold a *Conn only between Get and
// Release and read it through accessors.
type Conn struct {
	id       string
	provider string

	createdAt time.Time
	lastUsed  time.Time
	inFlight  int
	capacity  int
	acquired  uint64
	reuse     uint64
	healthy   bool

	// transport is the opaque handle produced by the configured Dial
	// hook, e.g. a provider-scoped HTTP client. Nil when no hook is set.
	transport any
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Provider returns the owning provider.
func (c *Conn) Provider() string { return c.provider }

// Transport returns the opaque transport handle, nil when no Dial hook was
// configured.
func (c *Conn) Transport() any { return c.transport }

// hasSlot reports whether the connection can take one more in-flight
// request. Caller holds the provider lock.
func (c *Conn) hasSlot() bool {
	return c.healthy && c.inFlight < c.capacity
}

// underStickyCeiling reports whether a sticky session may still pile onto
// this connection: sticky picks tolerate higher load than balanced picks,
// up to the configured share of capacity. Caller holds the provider lock.
func (c *Conn) underStickyCeiling(ceiling float64) bool {
	return c.healthy && float64(c.inFlight) < ceiling*float64(c.capacity)
}

// expired reports whether the connection outlived its maximum lifetime.
// Caller holds the provider lock.
func (c *Conn) expired(now time.Time, maxLifetime time.Duration) bool {
	return maxLifetime > 0 && now.Sub(c.createdAt) >= maxLifetime
}

// idleExpired reports whether an idle connection went stale.
// Caller holds the provider lock.
func (c *Conn) idleExpired(now time.Time, idleTimeout time.Duration) bool {
	return idleTimeout > 0 && c.inFlight == 0 && now.Sub(c.lastUsed) >= idleTimeout
}

// ConnStatus is a read-only snapshot of a connection for diagnostics.
type ConnStatus struct {
	ID        string
	Provider  string
	CreatedAt time.Time
	LastUsed  time.Time
	InFlight  int
	Capacity  int
	Reuse     uint64
	Healthy   bool
}

func (c *Conn) status() ConnStatus {
	return ConnStatus{
		ID:        c.id,
		Provider:  c.provider,
		CreatedAt: c.createdAt,
		LastUsed:  c.lastUsed,
		InFlight:  c.inFlight,
		Capacity:  c.capacity,
		Reuse:     c.reuse,
		Healthy:   c.healthy,
	}
}
