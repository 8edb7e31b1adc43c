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

// Package health aggregates the live state of the core's resilience
// machinery into one report and keeps the prometheus gauges current. An
// optional active probe runs through the circuit breakers, so a recovering
// upstream is rediscovered without waiting for caller traffic.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	gantry "github.com/skylane/gantry"
	"github.com/skylane/gantry/lib/breaker"
	"github.com/skylane/gantry/lib/credentials"
	"github.com/skylane/gantry/lib/defaults"
	"github.com/skylane/gantry/lib/sequential"
	"github.com/skylane/gantry/lib/types"
	"github.com/skylane/gantry/lib/utils"
)

// ProbeFunc actively checks one target, returning nil when it is serving.
type ProbeFunc func(ctx context.Context, target types.Target) error

// CheckerConfig configures the Checker.
type CheckerConfig struct {
	// Clock is used to control time, defaults to the real clock.
	Clock clockwork.Clock
	// Logger is the checker logger.
	Logger *slog.Logger
	// Interval is the periodic evaluation cadence.
	Interval time.Duration
	// Targets is the monitored target set.
	Targets []types.Target
	// Breakers is consulted for per-target state and gates the probes.
	Breakers *breaker.Registry
	// Credentials reports per-provider key eligibility.
	Credentials *credentials.Pool
	// Sequential reports queue depths, may be nil.
	Sequential *sequential.Manager
	// Metrics receives gauge updates, may be nil.
	Metrics *Metrics
	// Probe actively checks targets, may be nil.
	Probe ProbeFunc
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *CheckerConfig) CheckAndSetDefaults() error {
	if c.Breakers == nil {
		return trace.BadParameter("missing parameter Breakers")
	}
	if c.Credentials == nil {
		return trace.BadParameter("missing parameter Credentials")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(gantry.ComponentKey, gantry.ComponentHealth)
	}
	if c.Interval <= 0 {
		c.Interval = defaults.HealthCheckInterval
	}
	return nil
}

// TargetHealth is the live state of one target.
type TargetHealth struct {
	// Target is the "provider,model" spec.
	Target string `json:"target"`
	// Breaker is the breaker state name.
	Breaker string `json:"breaker"`
	// CredentialsEligible is whether the provider has a usable key.
	CredentialsEligible bool `json:"credentials_eligible"`
	// Healthy is whether the target can serve right now.
	Healthy bool `json:"healthy"`
	// ProbeError is the last active probe failure, empty when passing.
	ProbeError string `json:"probe_error,omitempty"`
}

// Report is the aggregated health snapshot served on the health endpoint.
type Report struct {
	// Healthy is true when at least one target can serve.
	Healthy bool `json:"healthy"`
	// RequestsPerSecond is the rolling request rate.
	RequestsPerSecond float64 `json:"requests_per_second"`
	// Targets is the per-target detail.
	Targets []TargetHealth `json:"targets"`
}

// Checker keeps the health report and gauges current.
type Checker struct {
	cfg CheckerConfig
	tps *utils.SyncTimedCounter

	mu          sync.Mutex
	probeErrors map[string]string
}

// NewChecker creates a Checker.
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Checker{
		cfg:         cfg,
		tps:         utils.NewSyncTimedCounter(cfg.Clock, defaults.TPSWindow),
		probeErrors: make(map[string]string),
	}, nil
}

// RecordRequest feeds one completed request into the rolling rate and the
// request metrics.
func (c *Checker) RecordRequest(target, outcome string, latency time.Duration) {
	c.tps.Increment()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ObserveRequest(target, outcome, latency.Seconds())
	}
}

// RequestsPerSecond returns the rolling request rate.
func (c *Checker) RequestsPerSecond() float64 {
	return float64(c.tps.Count()) / defaults.TPSWindow.Seconds()
}

// Health returns the aggregated report.
func (c *Checker) Health() Report {
	c.mu.Lock()
	probeErrors := make(map[string]string, len(c.probeErrors))
	for k, v := range c.probeErrors {
		probeErrors[k] = v
	}
	c.mu.Unlock()

	report := Report{
		RequestsPerSecond: c.RequestsPerSecond(),
	}
	for _, target := range c.cfg.Targets {
		state := c.cfg.Breakers.Get(target).State()
		eligible := c.cfg.Credentials.HasEligible(target.Provider, 0)
		th := TargetHealth{
			Target:              target.String(),
			Breaker:             state.String(),
			CredentialsEligible: eligible,
			Healthy:             state != breaker.StateOpen && eligible,
			ProbeError:          probeErrors[target.String()],
		}
		if th.Healthy {
			report.Healthy = true
		}
		report.Targets = append(report.Targets, th)
	}
	return report
}

// Run evaluates health on the configured cadence until the context is
// cancelled. Run by the service container.
func (c *Checker) Run(ctx context.Context) error {
	ticker := c.cfg.Clock.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			c.evaluate(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// evaluate runs the probes and refreshes the gauges once.
func (c *Checker) evaluate(ctx context.Context) {
	for _, target := range c.cfg.Targets {
		if c.cfg.Probe != nil {
			c.probe(ctx, target)
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SetBreakerState(target.String(), breakerGauge(c.cfg.Breakers.Get(target).State()))
		}
	}
	if c.cfg.Metrics == nil {
		return
	}
	for _, provider := range c.cfg.Credentials.Providers() {
		status, err := c.cfg.Credentials.Status(provider)
		if err != nil {
			continue
		}
		for _, key := range status {
			c.cfg.Metrics.SetCredentialHealth(provider, key.ID, key.HealthScore)
		}
		if c.cfg.Sequential != nil {
			c.cfg.Metrics.SetQueueDepth(provider, c.cfg.Sequential.Depth(provider))
		}
	}
}

// probe runs the active check through the breaker so a passing probe on a
// half-open breaker counts toward closing it.
func (c *Checker) probe(ctx context.Context, target types.Target) {
	_, err := c.cfg.Breakers.Get(target).Execute(func() (any, error) {
		return nil, c.cfg.Probe(ctx, target)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if _, seen := c.probeErrors[target.String()]; !seen {
			c.cfg.Logger.Warn("Target probe failing.", "target", target.String(), "error", err)
		}
		c.probeErrors[target.String()] = err.Error()
		return
	}
	delete(c.probeErrors, target.String())
}

func breakerGauge(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
