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

package credentials

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/skylane/gantry/lib/utils"
)

// HealthState is the credential health machine state.
type HealthState int

const (
	// Healthy keys are fully eligible.
	Healthy HealthState = iota
	// Degraded keys are eligible but deprioritized by weighted rotation.
	Degraded
	// RateLimited keys are parked until their announced reset plus a
	// safety buffer, then recover automatically.
	RateLimited
	// Unavailable keys failed authentication and stay out of rotation
	// until an operator resets them.
	Unavailable
)

// String returns the state name.
func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case RateLimited:
		return "rate-limited"
	case Unavailable:
		return "unavailable"
	default:
		return "undefined"
	}
}

// KeyConfig describes one API key of a provider.
type KeyConfig struct {
	// ID names the key in logs and metrics. Never the key material.
	ID string `yaml:"id"`
	// Secret is the opaque key material sent upstream.
	Secret string `yaml:"secret"`
	// RequestsPerMinute is the per-key request budget, 0 for unlimited.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// RequestsPerDay is the per-key daily request budget, 0 for unlimited.
	RequestsPerDay int `yaml:"requests_per_day"`
	// TokensPerMinute is the per-key token budget, 0 for unlimited.
	TokensPerMinute int `yaml:"tokens_per_minute"`
	// Priority weights this key in weighted rotation, defaults to 1.
	Priority int `yaml:"priority"`
	// Disabled takes the key out of rotation without deleting it.
	Disabled bool `yaml:"disabled"`
}

// CheckAndSetDefaults validates the key config.
func (k *KeyConfig) CheckAndSetDefaults() error {
	if k.ID == "" {
		return trace.BadParameter("credential key requires an id")
	}
	if k.Secret == "" {
		return trace.BadParameter("credential key %q requires a secret", k.ID)
	}
	if k.Priority <= 0 {
		k.Priority = 1
	}
	return nil
}

// Credential is one API key with health and rolling usage state. The Pool
// is the sole writer: all fields are guarded by the owning provider set's
// lock and callers only touch credentials through Pool methods and the
// read-only View.
type Credential struct {
	id       string
	secret   string
	provider string
	cfg      KeyConfig

	state            HealthState
	healthScore      int
	rateLimitedUntil time.Time
	lastUsed         time.Time
	lastError        string

	minuteRequests *utils.TimedCounter
	dayRequests    *utils.TimedCounter
	minuteTokens   *weightedWindow
	totalRequests  uint64
	totalLatency   time.Duration
}

func newCredential(provider string, cfg KeyConfig, clock clockwork.Clock) *Credential {
	return &Credential{
		id:             cfg.ID,
		secret:         cfg.Secret,
		provider:       provider,
		cfg:            cfg,
		state:          Healthy,
		healthScore:    100,
		minuteRequests: utils.NewTimedCounter(clock, time.Minute),
		dayRequests:    utils.NewTimedCounter(clock, 24*time.Hour),
		minuteTokens:   newWeightedWindow(clock, time.Minute),
	}
}

// View is the read-only snapshot of a credential handed to callers.
type View struct {
	// ID names the key.
	ID string
	// Provider owns the key.
	Provider string
	// Secret is the key material to send upstream.
	Secret string
	// State is the health state at acquire time.
	State HealthState
	// HealthScore is the 0-100 rolling reputation.
	HealthScore int
	// RateLimitedUntil is when a parked key becomes eligible again.
	RateLimitedUntil time.Time
}

func (c *Credential) view() View {
	return View{
		ID:               c.id,
		Provider:         c.provider,
		Secret:           c.secret,
		State:            c.state,
		HealthScore:      c.healthScore,
		RateLimitedUntil: c.rateLimitedUntil,
	}
}

// weightedWindow counts weighted events (tokens) inside a rolling window.
// The plain TimedCounter counts each event as one; token budgets need each
// event to carry its token weight. Not safe for concurrent use; guarded by
// the provider set lock.
type weightedWindow struct {
	clock  clockwork.Clock
	window time.Duration
	events []weightedEvent
	sum    int
}

type weightedEvent struct {
	at time.Time
	n  int
}

func newWeightedWindow(clock clockwork.Clock, window time.Duration) *weightedWindow {
	return &weightedWindow{clock: clock, window: window}
}

func (w *weightedWindow) Add(n int) {
	w.trim()
	w.events = append(w.events, weightedEvent{at: w.clock.Now(), n: n})
	w.sum += n
}

func (w *weightedWindow) Sum() int {
	w.trim()
	return w.sum
}

func (w *weightedWindow) trim() {
	cutoff := w.clock.Now().Add(-w.window)
	i := 0
	for i < len(w.events) && !w.events[i].at.After(cutoff) {
		w.sum -= w.events[i].n
		i++
	}
	w.events = w.events[i:]
}
