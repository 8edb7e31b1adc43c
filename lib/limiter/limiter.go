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

// Package limiter implements the multi-dimensional rate limiter. Each
// dimension (user, ip, endpoint, credential, global) carries zero or more
// rules; a rule selects one of three algorithms. A check evaluates every
// applicable rule and returns the most restrictive decision, with the
// standard X-RateLimit response headers.
package limiter

import (
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/skylane/gantry/lib/defaults"
)

// Dimension scopes a rate-limit rule.
type Dimension string

const (
	// DimensionUser limits per calling user.
	DimensionUser Dimension = "user"
	// DimensionIP limits per source address.
	DimensionIP Dimension = "ip"
	// DimensionEndpoint limits per API endpoint.
	DimensionEndpoint Dimension = "endpoint"
	// DimensionCredential limits per upstream credential.
	DimensionCredential Dimension = "credential"
	// DimensionGlobal limits the whole process.
	DimensionGlobal Dimension = "global"
)

// Algorithm selects how a rule counts events.
type Algorithm string

const (
	// TokenBucket refills Limit tokens per Window with burst capacity.
	TokenBucket Algorithm = "token_bucket"
	// SlidingWindow keeps per-key event timestamps inside Window.
	SlidingWindow Algorithm = "sliding_window"
	// FixedWindow keeps a per-key counter that zeroes on window reset.
	FixedWindow Algorithm = "fixed_window"
)

// Rule is one rate-limit rule.
type Rule struct {
	// Dimension the rule applies to.
	Dimension Dimension
	// Algorithm used to count events.
	Algorithm Algorithm
	// Limit is the number of events allowed per Window.
	Limit int
	// Window is the measurement period.
	Window time.Duration
	// BurstMultiplier sizes token bucket capacity relative to Limit,
	// defaults to defaults.LimiterBurstMultiplier. Token bucket only.
	BurstMultiplier float64
	// SoftThreshold is the share of Limit at which the decision carries
	// a warning without being denied, defaults to
	// defaults.LimiterSoftThreshold.
	SoftThreshold float64
}

// CheckAndSetDefaults validates the rule and sets defaults.
func (r *Rule) CheckAndSetDefaults() error {
	switch r.Dimension {
	case DimensionUser, DimensionIP, DimensionEndpoint, DimensionCredential, DimensionGlobal:
	default:
		return trace.BadParameter("unknown rate limit dimension %q", r.Dimension)
	}
	switch r.Algorithm {
	case TokenBucket, SlidingWindow, FixedWindow:
	case "":
		r.Algorithm = SlidingWindow
	default:
		return trace.BadParameter("unknown rate limit algorithm %q", r.Algorithm)
	}
	if r.Limit <= 0 {
		return trace.BadParameter("rate limit rule requires a positive limit")
	}
	if r.Window <= 0 {
		return trace.BadParameter("rate limit rule requires a positive window")
	}
	if r.BurstMultiplier <= 0 {
		r.BurstMultiplier = defaults.LimiterBurstMultiplier
	}
	if r.SoftThreshold <= 0 || r.SoftThreshold > 1 {
		r.SoftThreshold = defaults.LimiterSoftThreshold
	}
	return nil
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	// Allowed is false when the request must be rejected.
	Allowed bool
	// Limit is the configured limit of the deciding rule.
	Limit int
	// Remaining is how many events the deciding rule still admits.
	Remaining int
	// ResetTime is when the deciding rule's budget replenishes.
	ResetTime time.Time
	// RetryAfter is how long a denied caller should wait.
	RetryAfter time.Duration
	// Warning is set when usage crossed the soft threshold.
	Warning bool
}

// Headers renders the decision as standard rate-limit response headers.
// Retry-After is present only on denial.
func (d Decision) Headers(now time.Time) map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(max(d.Remaining, 0)),
	}
	if !d.ResetTime.IsZero() {
		h["X-RateLimit-Reset"] = strconv.FormatInt(d.ResetTime.Unix(), 10)
		after := d.ResetTime.Sub(now)
		if after < 0 {
			after = 0
		}
		h["X-RateLimit-Reset-After"] = strconv.FormatInt(int64(after.Round(time.Second)/time.Second), 10)
	}
	if !d.Allowed {
		secs := int64(d.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		h["Retry-After"] = strconv.FormatInt(secs, 10)
	}
	return h
}

// moreRestrictive reports whether a beats b for the "most restrictive
// decision wins" rule.
func moreRestrictive(a, b Decision) bool {
	if a.Allowed != b.Allowed {
		return !a.Allowed
	}
	return a.Remaining < b.Remaining
}

// Config configures a Limiter.
type Config struct {
	// Clock is used to control time, defaults to the real clock.
	Clock clockwork.Clock
	// Rules are the configured rules across all dimensions.
	Rules []Rule
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	for i := range c.Rules {
		if err := c.Rules[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Limiter evaluates rate-limit rules against per-key state.
type Limiter struct {
	cfg   Config
	rules map[Dimension][]Rule

	mu    sync.Mutex
	state map[string]algorithmState
}

// New creates a Limiter.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	rules := make(map[Dimension][]Rule)
	for _, r := range cfg.Rules {
		rules[r.Dimension] = append(rules[r.Dimension], r)
	}
	return &Limiter{
		cfg:   cfg,
		rules: rules,
		state: make(map[string]algorithmState),
	}, nil
}

// Check evaluates every rule applicable to the supplied dimension keys and
// returns the most restrictive decision. Allowed rules consume one event;
// an overall denial does not (the request never runs). The global dimension
// is always evaluated when rules for it exist.
func (l *Limiter) Check(keys map[Dimension]string) Decision {
	now := l.cfg.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Deny-before-consume: evaluate first, then commit only when every
	// applicable rule admits the event.
	type applied struct {
		state algorithmState
	}
	var toCommit []applied

	decision := Decision{Allowed: true, Limit: -1, Remaining: int(^uint(0) >> 1)}
	matched := false

	evaluate := func(rule Rule, key string) {
		st := l.stateFor(rule, key)
		d := st.peek(now)
		if d.Warning || float64(rule.Limit-d.Remaining) >= rule.SoftThreshold*float64(rule.Limit) {
			d.Warning = true
		}
		if !matched || moreRestrictive(d, decision) {
			decision = d
			matched = true
		}
		if d.Allowed {
			toCommit = append(toCommit, applied{state: st})
		}
	}

	for dim, key := range keys {
		for _, rule := range l.rules[dim] {
			evaluate(rule, key)
		}
	}
	if _, ok := keys[DimensionGlobal]; !ok {
		for _, rule := range l.rules[DimensionGlobal] {
			evaluate(rule, "")
		}
	}

	if !matched {
		return Decision{Allowed: true, Limit: 0, Remaining: 0}
	}
	if decision.Allowed {
		for _, a := range toCommit {
			a.state.commit(now)
		}
	}
	return decision
}

// CheckKey evaluates the rules of a single dimension for one key.
func (l *Limiter) CheckKey(dim Dimension, key string) Decision {
	return l.Check(map[Dimension]string{dim: key})
}

// Sweep drops per-key state that has been idle longer than maxIdle. Run by
// the service janitor so abandoned keys do not accumulate.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	now := l.cfg.Clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, st := range l.state {
		if now.Sub(st.lastSeen()) > maxIdle {
			delete(l.state, key)
			removed++
		}
	}
	return removed
}

func (l *Limiter) stateFor(rule Rule, key string) algorithmState {
	id := string(rule.Dimension) + "|" + string(rule.Algorithm) + "|" +
		strconv.Itoa(rule.Limit) + "/" + rule.Window.String() + "|" + key
	st, ok := l.state[id]
	if !ok {
		st = newAlgorithmState(rule)
		l.state[id] = st
	}
	return st
}
