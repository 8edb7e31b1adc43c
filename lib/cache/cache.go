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

// Package cache is the tiered response cache in front of the failover
// pipeline. Lookups walk the tiers fastest-first (memory, then the shared
// KV, then disk); hits found in a slower tier are promoted upward.
// Concurrent misses on the same fingerprint collapse into a single
// upstream build. A failing tier degrades: its errors are logged at a
// bounded rate and lookups fall through to the remaining tiers.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	gantry "github.com/skylane/gantry"
	"github.com/skylane/gantry/lib/defaults"
	"github.com/skylane/gantry/lib/events"
	"github.com/skylane/gantry/lib/types"
	"github.com/skylane/gantry/lib/utils"
)

// Config configures the Cache.
type Config struct {
	// Clock is used to control time, defaults to the real clock.
	Clock clockwork.Clock
	// Logger is the cache logger.
	Logger *slog.Logger
	// Bus receives degradation events, may be nil.
	Bus *events.Bus
	// MaxEntries bounds the in-memory tier.
	MaxEntries int
	// TTL is the base entry lifetime.
	TTL time.Duration
	// TTLVariance is the uniform random spread added per entry.
	TTLVariance time.Duration
	// FlightTimeout bounds how long a request waits on another request's
	// in-flight build of the same fingerprint.
	FlightTimeout time.Duration
	// RetryShare bounds how many of the collapsed requests may rebuild
	// individually after a shared build fails; the rest inherit the
	// leader's error as-is.
	RetryShare int
	// Fingerprint controls request keying.
	Fingerprint FingerprintConfig
	// Redis enables the KV tier when set.
	Redis RedisClient
	// Disk enables the on-disk overflow tier when set.
	Disk *DiskTierConfig
	// SemanticEnabled turns on similarity matching for near-miss prompts.
	SemanticEnabled bool
	// SemanticThreshold is the minimum similarity score for a hit.
	SemanticThreshold float64
	// SemanticMaxComparisons bounds candidates scanned per lookup.
	SemanticMaxComparisons int
	// Scorer overrides the similarity scorer, Jaccard by default.
	Scorer Scorer
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(gantry.ComponentKey, gantry.ComponentCache)
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaults.CacheMaxEntries
	}
	if c.TTL <= 0 {
		c.TTL = defaults.CacheTTL
	}
	if c.TTLVariance < 0 {
		c.TTLVariance = defaults.CacheTTLVariance
	}
	if c.FlightTimeout <= 0 {
		c.FlightTimeout = defaults.SingleFlightTimeout
	}
	if c.RetryShare <= 0 {
		c.RetryShare = defaults.CacheRetryShare
	}
	if c.SemanticThreshold <= 0 || c.SemanticThreshold > 1 {
		c.SemanticThreshold = defaults.SemanticThreshold
	}
	if c.SemanticMaxComparisons <= 0 {
		c.SemanticMaxComparisons = defaults.SemanticMaxComparisons
	}
	return trace.Wrap(c.Fingerprint.CheckAndSetDefaults())
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	MemoryHits    uint64
	KVHits        uint64
	DiskHits      uint64
	SemanticHits  uint64
	Misses        uint64
	Stores        uint64
	SharedFlights uint64
	TierErrors    uint64
	MemoryEntries int
}

// Hits returns the total hit count across all tiers.
func (s Stats) Hits() uint64 {
	return s.MemoryHits + s.KVHits + s.DiskHits + s.SemanticHits
}

// HitRate returns the share of lookups served from cache.
func (s Stats) HitRate() float64 {
	total := s.Hits() + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits()) / float64(total)
}

// Cache is the tiered response cache.
type Cache struct {
	cfg     Config
	fp      *Fingerprinter
	tiers   []Tier
	flights singleflight.Group

	// semantic is nil when similarity matching is disabled.
	semantic *semanticIndex

	// degradeGate rate-limits degradation logs per tier.
	degradeGate map[types.CacheSource]*utils.SyncTimedCounter

	memoryHits    atomic.Uint64
	kvHits        atomic.Uint64
	diskHits      atomic.Uint64
	semanticHits  atomic.Uint64
	misses        atomic.Uint64
	stores        atomic.Uint64
	sharedFlights atomic.Uint64
	tierErrors    atomic.Uint64

	hitMu    sync.Mutex
	hitsByFP map[string]uint64
}

// New creates a Cache with the configured tiers.
func New(cfg Config) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	fp, err := NewFingerprinter(cfg.Fingerprint)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tiers := []Tier{NewMemoryTier(cfg.MaxEntries, cfg.TTL+cfg.TTLVariance)}
	if cfg.Redis != nil {
		tiers = append(tiers, NewRedisTier(cfg.Redis, cfg.Clock))
	}
	if cfg.Disk != nil {
		disk, err := NewDiskTier(*cfg.Disk)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		tiers = append(tiers, disk)
	}
	c := &Cache{
		cfg:         cfg,
		fp:          fp,
		tiers:       tiers,
		degradeGate: make(map[types.CacheSource]*utils.SyncTimedCounter),
		hitsByFP:    make(map[string]uint64),
	}
	for _, t := range tiers {
		c.degradeGate[t.Name()] = utils.NewSyncTimedCounter(cfg.Clock, defaults.DegradationLogWindow)
	}
	if cfg.SemanticEnabled {
		c.semantic = newSemanticIndex(cfg.Scorer, cfg.SemanticThreshold, cfg.SemanticMaxComparisons, cfg.MaxEntries)
	}
	return c, nil
}

// BuildFunc produces a response upstream on a cache miss.
type BuildFunc func(ctx context.Context) (*types.Response, error)

// flightError carries a failed shared build to every collapsed waiter.
// grants meters how many of them may treat the failure as retryable.
type flightError struct {
	inner  error
	grants atomic.Int64
}

func (e *flightError) Error() string { return e.inner.Error() }

func (e *flightError) Unwrap() error { return e.inner }

// Fetch returns the cached response for the request or builds one. Exactly
// one build per fingerprint runs at a time; concurrent requests for the
// same fingerprint wait on the leader, bounded by the flight timeout.
func (c *Cache) Fetch(ctx context.Context, req *types.Request, build BuildFunc) (*types.Response, error) {
	fingerprint, err := c.fp.Fingerprint(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	prompt := promptText(req)

	if e, source := c.lookup(ctx, fingerprint); e != nil {
		c.recordHit(source, fingerprint)
		return responseFromEntry(e, source), nil
	}
	if c.semantic != nil {
		if near, ok := c.semantic.lookup(prompt); ok && near != fingerprint {
			if e, _ := c.lookup(ctx, near); e != nil {
				c.recordHit(types.CacheSemantic, near)
				return responseFromEntry(e, types.CacheSemantic), nil
			}
			// The cached entry behind the index is gone; forget it.
			c.semantic.drop(near)
		}
	}
	c.misses.Add(1)

	ch := c.flights.DoChan(fingerprint, func() (any, error) {
		resp, err := build(ctx)
		if err != nil {
			fe := &flightError{inner: err}
			fe.grants.Store(int64(c.cfg.RetryShare))
			return nil, fe
		}
		c.store(ctx, fingerprint, prompt, resp)
		return resp, nil
	})

	timer := c.cfg.Clock.NewTimer(c.cfg.FlightTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Shared {
			c.sharedFlights.Add(1)
		}
		if res.Err != nil {
			var fe *flightError
			if !errors.As(res.Err, &fe) {
				return nil, trace.Wrap(res.Err)
			}
			// When the build was shared, the first RetryShare receivers
			// get the failure flagged transient so their own retry policy
			// applies; everyone else fails fast with the leader's error.
			if res.Shared && fe.grants.Add(-1) >= 0 {
				return nil, trace.Wrap(&types.UpstreamError{Kind: types.KindTransient, Err: fe.inner})
			}
			return nil, trace.Wrap(fe.inner)
		}
		return res.Val.(*types.Response), nil
	case <-timer.Chan():
		return nil, trace.LimitExceeded("timed out after %v waiting for concurrent build", c.cfg.FlightTimeout)
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// lookup walks the tiers fastest-first and promotes a hit upward.
func (c *Cache) lookup(ctx context.Context, fingerprint string) (*Entry, types.CacheSource) {
	now := c.cfg.Clock.Now()
	for i, tier := range c.tiers {
		e, err := tier.Get(ctx, fingerprint)
		if err != nil {
			if !trace.IsNotFound(err) {
				c.degraded(tier.Name(), err)
			}
			continue
		}
		if e.expired(now) {
			tier.Delete(ctx, fingerprint)
			continue
		}
		for _, faster := range c.tiers[:i] {
			if err := faster.Set(ctx, e); err != nil {
				c.degraded(faster.Name(), err)
			}
		}
		return e, tier.Name()
	}
	return nil, types.CacheNone
}

// store writes a freshly built response into every tier and the semantic
// index. Tier write failures degrade but never fail the request.
func (c *Cache) store(ctx context.Context, fingerprint, prompt string, resp *types.Response) {
	now := c.cfg.Clock.Now()
	ttl := c.cfg.TTL
	if c.cfg.TTLVariance > 0 {
		ttl += time.Duration(rand.Int63n(int64(c.cfg.TTLVariance)))
	}
	e := &Entry{
		Fingerprint: fingerprint,
		Payload:     resp.Payload,
		Usage:       resp.Usage,
		Target:      resp.TargetUsed,
		Prompt:      prompt,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	for _, tier := range c.tiers {
		if err := tier.Set(ctx, e); err != nil {
			c.degraded(tier.Name(), err)
		}
	}
	if c.semantic != nil {
		c.semantic.add(prompt, fingerprint)
	}
	c.stores.Add(1)
}

// Delete removes one fingerprint from every tier.
func (c *Cache) Delete(ctx context.Context, fingerprint string) error {
	var errs []error
	for _, tier := range c.tiers {
		if err := tier.Delete(ctx, fingerprint); err != nil {
			errs = append(errs, err)
		}
	}
	if c.semantic != nil {
		c.semantic.drop(fingerprint)
	}
	return trace.NewAggregate(errs...)
}

// Invalidate removes every entry whose stored prompt matches the pattern
// across all tiers and returns the total number removed. An empty pattern
// matches everything.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, trace.BadParameter("invalid invalidation pattern %q: %v", pattern, err)
	}
	removed := 0
	var errs []error
	for _, tier := range c.tiers {
		n, err := tier.Invalidate(ctx, re)
		removed += n
		if err != nil {
			c.degraded(tier.Name(), err)
			errs = append(errs, err)
		}
	}
	if c.semantic != nil {
		c.semantic.invalidate(re)
	}
	return removed, trace.NewAggregate(errs...)
}

// Stats returns a snapshot of cache activity.
func (c *Cache) Stats() Stats {
	entries, _ := c.tiers[0].Len(context.Background())
	return Stats{
		MemoryHits:    c.memoryHits.Load(),
		KVHits:        c.kvHits.Load(),
		DiskHits:      c.diskHits.Load(),
		SemanticHits:  c.semanticHits.Load(),
		Misses:        c.misses.Load(),
		Stores:        c.stores.Load(),
		SharedFlights: c.sharedFlights.Load(),
		TierErrors:    c.tierErrors.Load(),
		MemoryEntries: entries,
	}
}

func (c *Cache) recordHit(source types.CacheSource, fingerprint string) {
	switch source {
	case types.CacheMemory:
		c.memoryHits.Add(1)
	case types.CacheKV:
		c.kvHits.Add(1)
	case types.CacheDisk:
		c.diskHits.Add(1)
	case types.CacheSemantic:
		c.semanticHits.Add(1)
	}
	c.hitMu.Lock()
	c.hitsByFP[fingerprint]++
	c.hitMu.Unlock()
}

// FingerprintHits is one entry of the per-fingerprint hit ranking.
type FingerprintHits struct {
	Fingerprint string
	Hits        uint64
}

// TopFingerprints returns the n most frequently hit fingerprints, most hit
// first.
func (c *Cache) TopFingerprints(n int) []FingerprintHits {
	c.hitMu.Lock()
	ranked := make([]FingerprintHits, 0, len(c.hitsByFP))
	for fp, hits := range c.hitsByFP {
		ranked = append(ranked, FingerprintHits{Fingerprint: fp, Hits: hits})
	}
	c.hitMu.Unlock()

	slices.SortFunc(ranked, func(a, b FingerprintHits) int {
		if a.Hits != b.Hits {
			if a.Hits > b.Hits {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Fingerprint, b.Fingerprint)
	})
	if n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}

// degraded accounts a tier failure, logging at most once per window so a
// dead Redis does not flood the logs at request rate.
func (c *Cache) degraded(tier types.CacheSource, err error) {
	c.tierErrors.Add(1)
	gate, ok := c.degradeGate[tier]
	if !ok || gate.Increment() > 1 {
		return
	}
	c.cfg.Logger.Warn("Cache tier degraded, falling through.",
		"tier", string(tier),
		"error", err,
	)
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(events.CacheDegraded{Tier: string(tier), Err: err.Error()})
	}
}

func responseFromEntry(e *Entry, source types.CacheSource) *types.Response {
	return &types.Response{
		Payload:    e.Payload,
		Usage:      e.Usage,
		TargetUsed: e.Target,
		Cached:     source,
	}
}

func promptText(req *types.Request) string {
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}
