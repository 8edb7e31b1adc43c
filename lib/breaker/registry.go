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
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/skylane/gantry/lib/events"
	"github.com/skylane/gantry/lib/types"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Clock is shared by all breakers, defaults to the real clock.
	Clock clockwork.Clock
	// Breaker is the per-target breaker template.
	Breaker Config
	// Bus receives BreakerTransitioned events, optional.
	Bus *events.Bus
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *RegistryConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Breaker.Clock == nil {
		c.Breaker.Clock = c.Clock
	}
	return c.Breaker.CheckAndSetDefaults()
}

// Registry owns one CircuitBreaker per (provider, model) target. Breakers
// are created lazily from the configured template; all other components
// consult them by target key.
type Registry struct {
	cfg RegistryConfig

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}, nil
}

// Get returns the breaker for the target, creating it on first use.
func (r *Registry) Get(target types.Target) *CircuitBreaker {
	key := target.Key()

	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	cfg := r.cfg.Breaker
	cfg.OnStateChange = func(from, to State) {
		if r.cfg.Bus != nil {
			r.cfg.Bus.Publish(events.BreakerTransitioned{
				Target: target.String(),
				From:   from.String(),
				To:     to.String(),
				At:     r.cfg.Clock.Now(),
			})
		}
	}
	cb, err := New(cfg)
	if err != nil {
		// The template was validated in NewRegistry; a failure here
		// means the template was mutated, which is a programmer error.
		panic(err)
	}
	r.breakers[key] = cb
	return cb
}

// Reset force-closes the breaker for the target, if one exists.
func (r *Registry) Reset(target types.Target) {
	r.mu.RLock()
	cb, ok := r.breakers[target.Key()]
	r.mu.RUnlock()
	if ok {
		cb.Reset()
	}
}

// ResetAll force-closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	all := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		all = append(all, cb)
	}
	r.mu.RUnlock()
	for _, cb := range all {
		cb.Reset()
	}
}

// States returns a snapshot of breaker states by target key.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for key, cb := range r.breakers {
		out[key] = cb.State()
	}
	return out
}
