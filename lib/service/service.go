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

// Package service assembles the gantry core from its configuration. The
// Service owns every component explicitly: the event bus, the rate
// limiter, the credential pool, the connection pool, the sequential
// queues, the breaker registry, the cache and the failover controller are
// built once, wired together here, and shut down together. Nothing in the
// core reaches for process-global state.
package service

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	gantry "github.com/skylane/gantry"
	"github.com/skylane/gantry/lib/breaker"
	"github.com/skylane/gantry/lib/cache"
	"github.com/skylane/gantry/lib/config"
	"github.com/skylane/gantry/lib/connpool"
	"github.com/skylane/gantry/lib/credentials"
	"github.com/skylane/gantry/lib/defaults"
	"github.com/skylane/gantry/lib/events"
	"github.com/skylane/gantry/lib/failover"
	"github.com/skylane/gantry/lib/health"
	"github.com/skylane/gantry/lib/limiter"
	"github.com/skylane/gantry/lib/sequential"
	"github.com/skylane/gantry/lib/types"
)

// Config configures the Service.
type Config struct {
	// Clock is used to control time, defaults to the real clock.
	Clock clockwork.Clock
	// Logger overrides the logger built from the file config.
	Logger *slog.Logger
	// FileConfig is the parsed configuration.
	FileConfig *config.Config
	// Executor performs upstream calls; supplied by the embedding
	// router.
	Executor failover.Executor
	// Dial is the optional connection transport hook handed to the pool.
	Dial func(provider string) (any, error)
	// Scorer overrides the cache similarity scorer, may be nil.
	Scorer cache.Scorer
	// Probe is the optional active target health probe.
	Probe health.ProbeFunc
	// DisableMetrics skips prometheus registration, used by tests that
	// build multiple services in one process.
	DisableMetrics bool
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.FileConfig == nil {
		return trace.BadParameter("missing parameter FileConfig")
	}
	if c.Executor == nil {
		return trace.BadParameter("missing parameter Executor")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = newLogger(c.FileConfig.Log)
	}
	return nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// ClientInfo identifies the caller for ingress rate limiting.
type ClientInfo struct {
	// User is the authenticated caller identity.
	User string
	// IP is the caller source address.
	IP string
	// Endpoint is the called API endpoint.
	Endpoint string
}

// Service is the assembled gantry core.
type Service struct {
	cfg    Config
	logger *slog.Logger

	bus        *events.Bus
	metrics    *health.Metrics
	limiter    *limiter.Limiter
	creds      *credentials.Pool
	sessions   *connpool.SessionIndex
	conns      *connpool.Pool
	sequential *sequential.Manager
	breakers   *breaker.Registry
	cache      *cache.Cache
	checker    *health.Checker
	controller *failover.Controller

	redisClient *redis.Client
}

// New builds and wires the core. The returned service is ready to Handle
// requests; Run starts the background janitors.
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	fc := cfg.FileConfig
	clock := cfg.Clock
	logger := cfg.Logger

	var targets []types.Target
	if len(fc.Targets) > 0 {
		var err error
		targets, err = fc.TargetChain()
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	s := &Service{cfg: cfg, logger: logger}
	s.bus = events.NewBus()

	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	if !cfg.DisableMetrics {
		metrics, err := health.NewMetrics(s.bus.Dropped)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.metrics = metrics
	}

	rules := make([]limiter.Rule, 0, len(fc.Limiter.Rules))
	for _, r := range fc.Limiter.Rules {
		rules = append(rules, r.Rule())
	}
	lim, err := limiter.New(limiter.Config{Clock: clock, Rules: rules})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.limiter = lim

	providerStrategies := make(map[string]credentials.Strategy, len(fc.Credentials.ProviderStrategies))
	for provider, strategy := range fc.Credentials.ProviderStrategies {
		providerStrategies[provider] = credentials.Strategy(strategy)
	}
	s.creds, err = credentials.NewPool(credentials.PoolConfig{
		Clock:              clock,
		Strategy:           credentials.Strategy(fc.Credentials.Strategy),
		ProviderStrategies: providerStrategies,
		Keys:               fc.Credentials.Keys,
		SafetyBuffer:       fc.Credentials.SafetyBuffer.Value(),
		Cooldown:           fc.Credentials.Cooldown.Value(),
		Bus:                s.bus,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.sessions = connpool.NewSessionIndex(clock, fc.ConnPool.SessionInactivity.Value(), s.bus)
	s.conns, err = connpool.NewPool(connpool.Config{
		Clock:             clock,
		MaxSockets:        fc.ConnPool.MaxSockets,
		MaxFreeSockets:    fc.ConnPool.MaxFreeSockets,
		Capacity:          fc.ConnPool.Capacity,
		IdleTimeout:       fc.ConnPool.IdleTimeout.Value(),
		MaxLifetime:       fc.ConnPool.MaxLifetime.Value(),
		WaitTimeout:       fc.ConnPool.WaitTimeout.Value(),
		StickyLoadCeiling: fc.ConnPool.StickyLoadCeiling,
		Sessions:          s.sessions,
		Bus:               s.bus,
		Dial:              cfg.Dial,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.sequential, err = sequential.NewManager(sequential.Config{
		Clock:             clock,
		Enabled:           fc.Sequential.Enabled,
		ProviderOverrides: fc.Sequential.ProviderOverrides,
		MaxQueue:          fc.Sequential.MaxQueue,
		QueueTimeout:      fc.Sequential.QueueTimeout.Value(),
		Dwell:             dwellOrDefault(fc.Sequential.Dwell),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.breakers, err = breaker.NewRegistry(breaker.RegistryConfig{
		Clock: clock,
		Breaker: breaker.Config{
			Clock:            clock,
			FailureThreshold: fc.Failover.Breaker.FailureThreshold,
			SuccessThreshold: fc.Failover.Breaker.SuccessThreshold,
			Window:           fc.Failover.Breaker.Window.Value(),
			ResetTimeout:     fc.Failover.Breaker.ResetTimeout.Value(),
			HalfOpenMax:      fc.Failover.Breaker.HalfOpenMax,
		},
		Bus: s.bus,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if !fc.Cache.Disabled {
		cacheCfg := cache.Config{
			Clock:                  clock,
			Logger:                 logger.With(gantry.ComponentKey, gantry.ComponentCache),
			Bus:                    s.bus,
			MaxEntries:             fc.Cache.MaxEntries,
			TTL:                    fc.Cache.TTL.Value(),
			TTLVariance:            fc.Cache.TTLVariance.Value(),
			FlightTimeout:          fc.Cache.FlightTimeout.Value(),
			RetryShare:             fc.Cache.RetryShare,
			Fingerprint:            fc.Cache.Fingerprint,
			SemanticEnabled:        fc.Cache.Semantic.Enabled,
			SemanticThreshold:      fc.Cache.Semantic.Threshold,
			SemanticMaxComparisons: fc.Cache.Semantic.MaxComparisons,
			Scorer:                 cfg.Scorer,
		}
		if fc.Cache.RedisAddr != "" {
			s.redisClient = redis.NewClient(&redis.Options{
				Addr:     fc.Cache.RedisAddr,
				Password: fc.Cache.RedisPassword,
				DB:       fc.Cache.RedisDB,
			})
			cacheCfg.Redis = s.redisClient
		}
		if fc.Cache.DiskDir != "" {
			cacheCfg.Disk = &cache.DiskTierConfig{
				Dir:      fc.Cache.DiskDir,
				MinBytes: fc.Cache.DiskMinBytes,
				MaxBytes: fc.Cache.DiskMaxBytes,
			}
		}
		s.cache, err = cache.New(cacheCfg)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	s.controller, err = failover.NewController(failover.Config{
		Clock:           clock,
		Logger:          logger.With(gantry.ComponentKey, gantry.ComponentFailover),
		Targets:         targets,
		MaxRetries:      fc.Failover.MaxRetries,
		RetryBase:       fc.Failover.RetryBase.Value(),
		RetryMultiplier: fc.Failover.RetryMultiplier,
		RetryMax:        fc.Failover.RetryMax.Value(),
		Breakers:        s.breakers,
		Credentials:     s.creds,
		Conns:           s.conns,
		Sessions:        s.sessions,
		Sequential:      s.sequential,
		Executor:        cfg.Executor,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.checker, err = health.NewChecker(health.CheckerConfig{
		Clock:       clock,
		Logger:      logger.With(gantry.ComponentKey, gantry.ComponentHealth),
		Interval:    fc.Health.Interval.Value(),
		Targets:     targets,
		Breakers:    s.breakers,
		Credentials: s.creds,
		Sequential:  s.sequential,
		Metrics:     s.metrics,
		Probe:       cfg.Probe,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ok = true
	return s, nil
}

// dwellOrDefault maps an unset dwell to the default pacing.
func dwellOrDefault(d config.Duration) time.Duration {
	if d.Value() <= 0 {
		return defaults.SequentialDwell
	}
	return d.Value()
}

// Handle drives one request through the rate limiter, the cache and the
// failover pipeline. The returned decision carries the rate-limit header
// values even when the request is allowed.
func (s *Service) Handle(ctx context.Context, req *types.Request, client ClientInfo) (*types.Response, limiter.Decision, error) {
	start := s.cfg.Clock.Now()

	decision := s.limiter.Check(limiterKeys(client))
	if !decision.Allowed {
		return nil, decision, trace.LimitExceeded("rate limit exceeded, retry after %v", decision.RetryAfter)
	}

	build := func(ctx context.Context) (*types.Response, error) {
		return s.controller.Execute(ctx, req)
	}
	var resp *types.Response
	var err error
	if s.cache != nil {
		resp, err = s.cache.Fetch(ctx, req, build)
	} else {
		resp, err = build(ctx)
	}

	latency := s.cfg.Clock.Now().Sub(start)
	s.observe(resp, err, latency)
	if err != nil {
		return nil, decision, trace.Wrap(err)
	}
	return resp, decision, nil
}

// observe feeds one request result into the health checker and metrics.
func (s *Service) observe(resp *types.Response, err error, latency time.Duration) {
	target := "none"
	outcome := "ok"
	if err != nil {
		outcome = types.Classify(err).String()
	} else {
		target = resp.TargetUsed
		if resp.Cached != types.CacheNone {
			outcome = "cached"
			if s.metrics != nil {
				s.metrics.IncCacheHit(string(resp.Cached))
			}
		}
		if s.metrics != nil && resp.Attempts > 1 {
			s.metrics.IncRetries(resp.TargetUsed, resp.Attempts-1)
		}
	}
	s.checker.RecordRequest(target, outcome, latency)
}

func limiterKeys(client ClientInfo) map[limiter.Dimension]string {
	keys := make(map[limiter.Dimension]string, 3)
	if client.User != "" {
		keys[limiter.DimensionUser] = client.User
	}
	if client.IP != "" {
		keys[limiter.DimensionIP] = client.IP
	}
	if client.Endpoint != "" {
		keys[limiter.DimensionEndpoint] = client.Endpoint
	}
	return keys
}

// InvalidateCache removes cached entries whose prompt matches the pattern.
func (s *Service) InvalidateCache(ctx context.Context, pattern string) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	n, err := s.cache.Invalidate(ctx, pattern)
	return n, trace.Wrap(err)
}

// SetSequential switches sequential mode globally at runtime.
func (s *Service) SetSequential(enabled bool) {
	s.sequential.SetEnabled(enabled)
}

// Health returns the aggregated health report.
func (s *Service) Health() health.Report {
	return s.checker.Health()
}

// CacheStats returns cache activity counters, zero when disabled.
func (s *Service) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// BreakerStates returns the per-target breaker states.
func (s *Service) BreakerStates() map[string]breaker.State {
	return s.breakers.States()
}

// ResetCredential returns a disabled key to rotation, an admin action.
func (s *Service) ResetCredential(provider, keyID string) error {
	return trace.Wrap(s.creds.Reset(provider, keyID))
}

// Run starts the periodic janitors and the health checker and blocks
// until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.checker.Run(ctx)
	})
	group.Go(func() error {
		interval := s.cfg.FileConfig.ConnPool.SweepInterval.Value()
		if interval <= 0 {
			interval = defaults.PoolSweepInterval
		}
		ticker := s.cfg.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				s.conns.Sweep()
				s.limiter.Sweep(defaults.SessionInactivityTimeout)
			case <-ctx.Done():
				return nil
			}
		}
	})
	return trace.Wrap(group.Wait())
}

// Close releases every component. Safe to call more than once.
func (s *Service) Close() error {
	var errs []error
	if s.conns != nil {
		s.conns.Close()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
	return trace.NewAggregate(errs...)
}
