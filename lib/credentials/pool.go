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

// Package credentials implements the per-provider API key pool. The pool
// hands one eligible credential to each request, enforces per-key budgets
// over rolling windows, isolates failing keys through a health machine and
// distributes load by a configurable rotation strategy.
package credentials

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/skylane/gantry/lib/defaults"
	"github.com/skylane/gantry/lib/events"
	"github.com/skylane/gantry/lib/types"
)

// Health score deltas per outcome, clamped to [0,100].
const (
	scoreSuccess   = 1
	scoreError     = -5
	scoreRateLimit = -20
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Clock is used to control time, defaults to the real clock.
	Clock clockwork.Clock
	// Strategy is the default rotation strategy.
	Strategy Strategy
	// ProviderStrategies overrides the strategy per provider.
	ProviderStrategies map[string]Strategy
	// Keys are the configured keys per provider.
	Keys map[string][]KeyConfig
	// SafetyBuffer pads announced rate-limit resets.
	SafetyBuffer time.Duration
	// Cooldown parks a rate-limited key when no reset was announced.
	Cooldown time.Duration
	// Bus receives credential lifecycle events, optional.
	Bus *events.Bus
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *PoolConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if err := c.Strategy.Check(); err != nil {
		return trace.Wrap(err)
	}
	for provider, s := range c.ProviderStrategies {
		if err := s.Check(); err != nil {
			return trace.Wrap(err, "provider %q", provider)
		}
	}
	if c.SafetyBuffer <= 0 {
		c.SafetyBuffer = defaults.CredentialSafetyBuffer
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaults.CredentialCooldown
	}
	for provider, keys := range c.Keys {
		if provider == "" {
			return trace.BadParameter("credential pool: empty provider name")
		}
		seen := make(map[string]struct{}, len(keys))
		for i := range keys {
			if err := keys[i].CheckAndSetDefaults(); err != nil {
				return trace.Wrap(err, "provider %q", provider)
			}
			if _, dup := seen[keys[i].ID]; dup {
				return trace.BadParameter("provider %q: duplicate key id %q", provider, keys[i].ID)
			}
			seen[keys[i].ID] = struct{}{}
		}
	}
	return nil
}

// providerSet holds one provider's credentials behind its own lock so
// unrelated providers never contend.
type providerSet struct {
	mu       sync.Mutex
	strategy Strategy
	creds    []*Credential
	rrIndex  int
}

// Pool owns all credentials. It is the sole writer to credential health.
type Pool struct {
	cfg PoolConfig

	mu        sync.RWMutex
	providers map[string]*providerSet
}

// NewPool creates a pool from configuration.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Pool{
		cfg:       cfg,
		providers: make(map[string]*providerSet),
	}
	for provider, keys := range cfg.Keys {
		ps := &providerSet{strategy: cfg.strategyFor(provider)}
		for _, kc := range keys {
			ps.creds = append(ps.creds, newCredential(provider, kc, cfg.Clock))
		}
		p.providers[provider] = ps
	}
	return p, nil
}

func (c *PoolConfig) strategyFor(provider string) Strategy {
	if s, ok := c.ProviderStrategies[provider]; ok {
		return s
	}
	return c.Strategy
}

// AddKey registers a key at runtime.
func (p *Pool) AddKey(provider string, kc KeyConfig) error {
	if err := kc.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	p.mu.Lock()
	ps, ok := p.providers[provider]
	if !ok {
		ps = &providerSet{strategy: p.cfg.strategyFor(provider)}
		p.providers[provider] = ps
	}
	p.mu.Unlock()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, c := range ps.creds {
		if c.id == kc.ID {
			return trace.AlreadyExists("provider %q already has key %q", provider, kc.ID)
		}
	}
	ps.creds = append(ps.creds, newCredential(provider, kc, p.cfg.Clock))
	return nil
}

func (p *Pool) providerSet(provider string) (*providerSet, error) {
	p.mu.RLock()
	ps, ok := p.providers[provider]
	p.mu.RUnlock()
	if !ok {
		return nil, trace.NotFound("no credentials configured for provider %q", provider)
	}
	return ps, nil
}

// Acquire returns one eligible credential for the provider, applying the
// configured rotation strategy. Returns trace.NotFound when no key is
// currently eligible.
func (p *Pool) Acquire(provider string, estimatedTokens int) (View, error) {
	ps, err := p.providerSet(provider)
	if err != nil {
		return View{}, trace.Wrap(err)
	}

	now := p.cfg.Clock.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	eligible := make([]*Credential, 0, len(ps.creds))
	for _, c := range ps.creds {
		if p.eligible(c, estimatedTokens, now) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return View{}, trace.NotFound("no eligible credential for provider %q", provider)
	}

	chosen := pick(ps, eligible)
	chosen.lastUsed = now
	chosen.minuteRequests.Increment()
	chosen.dayRequests.Increment()
	chosen.totalRequests++
	return chosen.view(), nil
}

// eligible applies the acquire filter. Caller holds the provider set lock.
func (p *Pool) eligible(c *Credential, estimatedTokens int, now time.Time) bool {
	if c.cfg.Disabled || c.state == Unavailable {
		return false
	}
	if c.state == RateLimited {
		if now.Before(c.rateLimitedUntil) {
			return false
		}
		// The announced reset plus the safety buffer elapsed; the key
		// recovers in place.
		c.state = healthStateForScore(c.healthScore)
		c.rateLimitedUntil = time.Time{}
	}
	if limit := c.cfg.RequestsPerMinute; limit > 0 && c.minuteRequests.Count() >= limit {
		return false
	}
	if limit := c.cfg.RequestsPerDay; limit > 0 && c.dayRequests.Count() >= limit {
		return false
	}
	if limit := c.cfg.TokensPerMinute; limit > 0 && c.minuteTokens.Sum()+estimatedTokens > limit {
		return false
	}
	return true
}

// Outcome reports the result of an upstream call made with a credential.
type Outcome struct {
	// Tokens is the actual token usage of the call.
	Tokens int
	// Latency is the upstream call duration.
	Latency time.Duration
	// Err is the call error, nil on success. Its taxonomy class drives
	// the health machine.
	Err error
	// RetryAfter is the provider's announced rate-limit reset, when the
	// call failed with a rate-limit signal.
	RetryAfter time.Duration
}

// RecordOutcome feeds a call result back into the key's health and usage
// accounting.
func (p *Pool) RecordOutcome(v View, outcome Outcome) error {
	ps, err := p.providerSet(v.Provider)
	if err != nil {
		return trace.Wrap(err)
	}

	ps.mu.Lock()
	var parked *events.CredentialRateLimited
	var disabled *events.CredentialUnavailable

	var cred *Credential
	for _, c := range ps.creds {
		if c.id == v.ID {
			cred = c
			break
		}
	}
	if cred == nil {
		ps.mu.Unlock()
		return trace.NotFound("provider %q has no key %q", v.Provider, v.ID)
	}

	if outcome.Tokens > 0 {
		cred.minuteTokens.Add(outcome.Tokens)
	}
	cred.totalLatency += outcome.Latency

	now := p.cfg.Clock.Now()
	switch kind := types.Classify(outcome.Err); {
	case outcome.Err == nil:
		cred.adjustScore(scoreSuccess)
	case kind == types.KindRateLimit:
		cred.adjustScore(scoreRateLimit)
		reset := outcome.RetryAfter
		if reset <= 0 {
			reset = p.cfg.Cooldown
		}
		cred.state = RateLimited
		cred.rateLimitedUntil = now.Add(reset + p.cfg.SafetyBuffer)
		cred.lastError = outcome.Err.Error()
		parked = &events.CredentialRateLimited{
			Provider: v.Provider,
			KeyID:    v.ID,
			Until:    cred.rateLimitedUntil,
		}
	case kind == types.KindAuth:
		cred.adjustScore(scoreError)
		cred.state = Unavailable
		cred.lastError = outcome.Err.Error()
		disabled = &events.CredentialUnavailable{
			Provider: v.Provider,
			KeyID:    v.ID,
			Reason:   outcome.Err.Error(),
		}
	default:
		cred.adjustScore(scoreError)
		cred.lastError = outcome.Err.Error()
	}
	ps.mu.Unlock()

	if p.cfg.Bus != nil {
		if parked != nil {
			p.cfg.Bus.Publish(*parked)
		}
		if disabled != nil {
			p.cfg.Bus.Publish(*disabled)
		}
	}
	return nil
}

// adjustScore applies a health delta and recomputes the derived state,
// without touching rate-limited or unavailable parking.
func (c *Credential) adjustScore(delta int) {
	c.healthScore += delta
	if c.healthScore > 100 {
		c.healthScore = 100
	}
	if c.healthScore < 0 {
		c.healthScore = 0
	}
	if c.state == Healthy || c.state == Degraded {
		c.state = healthStateForScore(c.healthScore)
	}
}

func healthStateForScore(score int) HealthState {
	if score < defaults.HealthDegradedBelow {
		return Degraded
	}
	return Healthy
}

// Reset returns an unavailable or parked key to rotation with a fresh
// health score. This is the operator action the health machine requires
// for unavailable keys.
func (p *Pool) Reset(provider, keyID string) error {
	ps, err := p.providerSet(provider)
	if err != nil {
		return trace.Wrap(err)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, c := range ps.creds {
		if c.id == keyID {
			c.state = Healthy
			c.healthScore = 100
			c.rateLimitedUntil = time.Time{}
			c.lastError = ""
			return nil
		}
	}
	return trace.NotFound("provider %q has no key %q", provider, keyID)
}

// KeyStatus is one key's health snapshot.
type KeyStatus struct {
	ID               string
	State            HealthState
	HealthScore      int
	RateLimitedUntil time.Time
	RequestsInMinute int
	TokensInMinute   int
	TotalRequests    uint64
	LastError        string
}

// Status returns per-key health snapshots for a provider.
func (p *Pool) Status(provider string) ([]KeyStatus, error) {
	ps, err := p.providerSet(provider)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]KeyStatus, 0, len(ps.creds))
	for _, c := range ps.creds {
		out = append(out, KeyStatus{
			ID:               c.id,
			State:            c.state,
			HealthScore:      c.healthScore,
			RateLimitedUntil: c.rateLimitedUntil,
			RequestsInMinute: c.minuteRequests.Count(),
			TokensInMinute:   c.minuteTokens.Sum(),
			TotalRequests:    c.totalRequests,
			LastError:        c.lastError,
		})
	}
	return out, nil
}

// Providers lists the providers with configured keys.
func (p *Pool) Providers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.providers))
	for name := range p.providers {
		out = append(out, name)
	}
	return out
}

// HasEligible reports whether the provider currently has at least one
// eligible key. The failover controller uses this to skip starved targets.
func (p *Pool) HasEligible(provider string, estimatedTokens int) bool {
	ps, err := p.providerSet(provider)
	if err != nil {
		return false
	}
	now := p.cfg.Clock.Now()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, c := range ps.creds {
		if p.eligible(c, estimatedTokens, now) {
			return true
		}
	}
	return false
}
