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

// Package failover drives a request through the ordered target chain.
// Each target gets a bounded retry budget with jittered exponential
// backoff; targets with an open breaker or no eligible credential are
// skipped up front. When every target is exhausted the caller receives
// the per-target diagnostic trail along with the last error.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	gantry "github.com/skylane/gantry"
	"github.com/skylane/gantry/lib/breaker"
	"github.com/skylane/gantry/lib/connpool"
	"github.com/skylane/gantry/lib/credentials"
	"github.com/skylane/gantry/lib/defaults"
	"github.com/skylane/gantry/lib/sequential"
	"github.com/skylane/gantry/lib/types"
	"github.com/skylane/gantry/lib/utils"
)

// ExhaustionError is returned when no target in the chain produced a
// response. Outcomes is the per-target trail in chain order.
type ExhaustionError struct {
	// Outcomes records each failed target.
	Outcomes []types.AttemptOutcome
	// Last is the final target's error.
	Last error
}

// Error implements the error interface.
func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("all %d targets exhausted, last error: %v", len(e.Outcomes), e.Last)
}

// Unwrap returns the last target's error.
func (e *ExhaustionError) Unwrap() error {
	return e.Last
}

// Config configures the Controller.
type Config struct {
	// Clock is used to control time, defaults to the real clock.
	Clock clockwork.Clock
	// Logger is the controller logger.
	Logger *slog.Logger
	// Targets is the configured failover chain, primary first. A request
	// pinning its own target bypasses the chain.
	Targets []types.Target
	// MaxRetries is the per-target retry budget past the first attempt.
	MaxRetries int
	// RetryBase seeds the backoff schedule.
	RetryBase time.Duration
	// RetryMultiplier grows the backoff between attempts.
	RetryMultiplier float64
	// RetryMax caps a single backoff sleep.
	RetryMax time.Duration
	// Breakers gates every upstream call per target.
	Breakers *breaker.Registry
	// Credentials supplies provider keys.
	Credentials *credentials.Pool
	// Conns supplies pooled upstream connections.
	Conns *connpool.Pool
	// Sessions tracks caller affinity, may be nil.
	Sessions *connpool.SessionIndex
	// Sequential serializes per-provider execution when engaged, may be
	// nil.
	Sequential *sequential.Manager
	// Executor performs the actual upstream call.
	Executor Executor
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Breakers == nil {
		return trace.BadParameter("missing parameter Breakers")
	}
	if c.Credentials == nil {
		return trace.BadParameter("missing parameter Credentials")
	}
	if c.Conns == nil {
		return trace.BadParameter("missing parameter Conns")
	}
	if c.Executor == nil {
		return trace.BadParameter("missing parameter Executor")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(gantry.ComponentKey, gantry.ComponentFailover)
	}
	if c.MaxRetries < 0 {
		return trace.BadParameter("parameter MaxRetries must not be negative")
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaults.RetryBaseDelay
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = defaults.RetryBackoffMultiplier
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaults.RetryMaxDelay
	}
	return nil
}

// Controller owns the per-request target selection loop.
type Controller struct {
	cfg    Config
	jitter utils.Jitter
}

// NewController creates a Controller.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{cfg: cfg, jitter: utils.NewSpreadJitter()}, nil
}

// Execute drives the request through the chain and returns the first
// successful response, stamped with the failover diagnostics.
func (c *Controller) Execute(ctx context.Context, req *types.Request) (*types.Response, error) {
	start := c.cfg.Clock.Now()

	chain, err := c.chainFor(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	primary := chain[0]
	viable := c.viable(chain, req.EstimatedTokens())
	if len(viable) == 0 {
		// Every target looks unavailable; attempt the declared order
		// anyway rather than failing without trying.
		viable = chain
	}

	totalAttempts := 0
	var outcomes []types.AttemptOutcome
	var lastErr error
	for _, target := range viable {
		resp, attempts, err := c.attemptTarget(ctx, target, req)
		totalAttempts += attempts
		if err == nil {
			resp.TargetUsed = target.String()
			resp.Failover = target != primary
			resp.Cached = types.CacheNone
			resp.Attempts = totalAttempts
			resp.TotalLatency = c.cfg.Clock.Now().Sub(start)
			if resp.Failover {
				c.cfg.Logger.Info("Request failed over.",
					"primary", primary.String(),
					"target", target.String(),
					"attempts", totalAttempts,
				)
			}
			return resp, nil
		}
		lastErr = err
		outcomes = append(outcomes, types.AttemptOutcome{
			Target:   target.String(),
			Kind:     attemptKind(err),
			Attempts: attempts,
			Err:      err.Error(),
		})
		if types.Classify(err) == types.KindClientError {
			// The request itself is bad; another target cannot help.
			return nil, trace.Wrap(err)
		}
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, trace.Wrap(err)
		}
		c.cfg.Logger.Warn("Target exhausted, moving down the chain.",
			"target", target.String(),
			"attempts", attempts,
			"error", err,
		)
	}
	return nil, trace.Wrap(&ExhaustionError{Outcomes: outcomes, Last: lastErr})
}

// chainFor resolves the target order for one request.
func (c *Controller) chainFor(req *types.Request) ([]types.Target, error) {
	if req.Target != "" {
		t, err := types.ParseTarget(req.Target)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return []types.Target{t}, nil
	}
	if len(c.cfg.Targets) == 0 {
		return nil, trace.BadParameter("no failover targets configured and request pins none")
	}
	return c.cfg.Targets, nil
}

// viable filters the chain down to targets that are worth attempting:
// breaker not open and at least one eligible credential.
func (c *Controller) viable(chain []types.Target, estimatedTokens int) []types.Target {
	out := make([]types.Target, 0, len(chain))
	for _, target := range chain {
		if c.cfg.Breakers.Get(target).State() == breaker.StateOpen {
			continue
		}
		if !c.cfg.Credentials.HasEligible(target.Provider, estimatedTokens) {
			continue
		}
		out = append(out, target)
	}
	return out
}

// attemptTarget runs the bounded retry loop against a single target and
// reports how many upstream attempts were consumed.
func (c *Controller) attemptTarget(ctx context.Context, target types.Target, req *types.Request) (*types.Response, int, error) {
	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:       c.cfg.RetryBase,
		Multiplier: c.cfg.RetryMultiplier,
		Max:        c.cfg.RetryMax,
		Jitter:     c.jitter,
		Clock:      c.cfg.Clock,
	})
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}

	attempts := 0
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, err := c.attemptOnce(ctx, target, req)
		if breaker.IsBreakerError(err) {
			// The breaker rejected the call without touching the
			// upstream; this target is done.
			return nil, attempts, trace.Wrap(err)
		}
		attempts++
		if err == nil {
			return resp, attempts, nil
		}
		lastErr = err

		kind := types.Classify(err)
		if !kind.Retryable() || attempt == c.cfg.MaxRetries {
			break
		}
		delay := retry.Duration()
		retry.Inc()
		// A provider-announced cooldown overrides a shorter backoff.
		if after := retryAfterOf(err); after > delay {
			delay = after
		}
		c.cfg.Logger.Debug("Attempt failed, backing off.",
			"target", target.String(),
			"attempt", attempts,
			"kind", kind.String(),
			"delay", delay,
			"error", err,
		)
		select {
		case <-c.cfg.Clock.After(delay):
		case <-ctx.Done():
			return nil, attempts, trace.Wrap(ctx.Err())
		}
	}
	return nil, attempts, trace.Wrap(lastErr)
}

// attemptOnce performs a single upstream call with a credential and a
// pooled connection, feeding the result back into the breaker, the
// credential pool and the session index.
func (c *Controller) attemptOnce(ctx context.Context, target types.Target, req *types.Request) (*types.Response, error) {
	session := req.Metadata.Session
	if c.cfg.Sessions != nil && session != "" {
		c.cfg.Sessions.Observe(session, target.Provider, req.Metadata.Priority, req.Metadata.Sticky)
	}

	v, err := c.cfg.Breakers.Get(target).Execute(func() (any, error) {
		// The connection comes first: acquiring a credential charges its
		// per-minute and per-day budget, which must not happen for a call
		// that never leaves the pool.
		conn, err := c.cfg.Conns.Get(ctx, target.Provider, session)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cred, err := c.cfg.Credentials.Acquire(target.Provider, req.EstimatedTokens())
		if err != nil {
			c.cfg.Conns.Release(conn, nil)
			return nil, trace.Wrap(err)
		}

		start := c.cfg.Clock.Now()
		call := func() (any, error) {
			return c.cfg.Executor.Execute(ctx, target, req, cred, conn)
		}
		var out any
		if c.cfg.Sequential != nil {
			out, err = c.cfg.Sequential.Do(ctx, target.Provider, req.Metadata.Priority, call)
		} else {
			out, err = call()
		}
		latency := c.cfg.Clock.Now().Sub(start)
		c.cfg.Conns.Release(conn, err)

		tokens := 0
		var resp *types.Response
		if out != nil {
			resp = out.(*types.Response)
			tokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
		}
		c.cfg.Credentials.RecordOutcome(cred, credentials.Outcome{
			Tokens:     tokens,
			Latency:    latency,
			Err:        err,
			RetryAfter: retryAfterOf(err),
		})
		if err != nil {
			return nil, err
		}
		if c.cfg.Sessions != nil && session != "" {
			c.cfg.Sessions.RecordLatency(session, latency)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Response), nil
}

func attemptKind(err error) string {
	if breaker.IsBreakerError(err) {
		return "breaker_open"
	}
	return types.Classify(err).String()
}

func retryAfterOf(err error) time.Duration {
	var ue *types.UpstreamError
	if errors.As(err, &ue) {
		return ue.RetryAfter
	}
	return 0
}
