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

// Package breaker implements a per-target circuit breaker. A breaker counts
// failures in a rolling window and isolates a failing (provider, model)
// target from further traffic for a cooldown, letting a bounded number of
// probes through afterwards to test recovery.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/skylane/gantry/lib/defaults"
	"github.com/skylane/gantry/lib/types"
	"github.com/skylane/gantry/lib/utils"
)

// State represents the operating state of a CircuitBreaker.
type State int

const (
	// StateClosed is the normal operating mode: calls pass through and
	// outcomes are counted.
	StateClosed State = iota
	// StateOpen blocks all calls until the next-attempt time.
	StateOpen
	// StateHalfOpen lets a bounded number of probes through to test
	// whether the target recovered.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "undefined"
	}
}

// ErrStateOpen is returned from Execute when the breaker is open and the
// cooldown has not elapsed. The wrapped call is never invoked.
var ErrStateOpen = errors.New("breaker is open, upstream is not available")

// ErrTooManyProbes is returned from Execute when the breaker is half-open
// and the probe budget is already in flight.
var ErrTooManyProbes = errors.New("breaker is recovering, probe limit reached")

// IsBreakerError reports whether err originates from breaker gating rather
// than from the wrapped call.
func IsBreakerError(err error) bool {
	return errors.Is(err, ErrStateOpen) || errors.Is(err, ErrTooManyProbes)
}

// Config contains configuration of a CircuitBreaker.
type Config struct {
	// Clock is used to control time, defaults to the real clock.
	Clock clockwork.Clock
	// FailureThreshold is the number of failures in Window that trips the
	// breaker.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// that close the breaker.
	SuccessThreshold int
	// Window is the rolling window failures are counted over.
	Window time.Duration
	// ResetTimeout is how long a tripped breaker blocks before allowing
	// a probe.
	ResetTimeout time.Duration
	// HalfOpenMax bounds concurrent half-open probes, defaults to 1.
	HalfOpenMax int
	// IsSuccessful decides whether the outcome of the wrapped call counts
	// as a failure. Defaults to counting transient and 5xx classes.
	IsSuccessful func(v any, err error) bool
	// OnStateChange is invoked, outside the breaker lock, on every
	// transition.
	OnStateChange func(from, to State)
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.BreakerFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaults.BreakerSuccessThreshold
	}
	if c.Window <= 0 {
		c.Window = defaults.BreakerWindow
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = defaults.BreakerResetTimeout
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = defaults.BreakerHalfOpenMax
	}
	if c.IsSuccessful == nil {
		c.IsSuccessful = DefaultIsSuccessful
	}
	return nil
}

// DefaultIsSuccessful treats transient network failures and upstream 5xx as
// breaker failures; everything else, including rate limits and client
// errors, leaves the failure window untouched.
func DefaultIsSuccessful(v any, err error) bool {
	if err == nil {
		return true
	}
	return !types.Classify(err).CountsAgainstBreaker()
}

// CircuitBreaker is the state machine isolating one target.
type CircuitBreaker struct {
	cfg Config

	mu             sync.Mutex
	state          State
	failures       *utils.TimedCounter
	successes      int
	probes         int
	nextAttempt    time.Time
	lastTransition time.Time
}

// New returns a CircuitBreaker in the closed state.
func New(cfg Config) (*CircuitBreaker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &CircuitBreaker{
		cfg:      cfg,
		state:    StateClosed,
		failures: utils.NewTimedCounter(cfg.Clock, cfg.Window),
	}, nil
}

// Execute runs f if the breaker allows it and records the outcome.
// The returned error is either the breaker gating error (f never ran) or
// whatever f returned.
func (cb *CircuitBreaker) Execute(f func() (any, error)) (any, error) {
	if err := cb.beforeCall(); err != nil {
		return nil, trace.Wrap(err)
	}
	v, err := f()
	cb.afterCall(v, err)
	return v, err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// NextAttempt returns when an open breaker will allow a probe; the zero
// time when the breaker is not open.
func (cb *CircuitBreaker) NextAttempt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return time.Time{}
	}
	return cb.nextAttempt
}

// Reset forces the breaker into the closed state, clearing all counts.
// Used by operators to bring a target back manually.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	prev := cb.state
	cb.state = StateClosed
	cb.failures.Reset()
	cb.successes = 0
	cb.probes = 0
	cb.lastTransition = cb.cfg.Clock.Now()
	cb.mu.Unlock()

	if prev != StateClosed && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(prev, StateClosed)
	}
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return nil
	case StateOpen:
		if cb.cfg.Clock.Now().Before(cb.nextAttempt) {
			cb.mu.Unlock()
			return ErrStateOpen
		}
		// Cooldown elapsed: this caller becomes the first probe.
		prev := cb.state
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.probes = 1
		cb.lastTransition = cb.cfg.Clock.Now()
		cb.mu.Unlock()
		cb.notify(prev, StateHalfOpen)
		return nil
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return ErrTooManyProbes
		}
		cb.probes++
		cb.mu.Unlock()
		return nil
	default:
		cb.mu.Unlock()
		return trace.BadParameter("breaker in undefined state %v", cb.state)
	}
}

func (cb *CircuitBreaker) afterCall(v any, err error) {
	success := cb.cfg.IsSuccessful(v, err)

	cb.mu.Lock()
	var from, to State
	transitioned := false

	switch cb.state {
	case StateClosed:
		if success {
			// Successes pay down the failure window so noise does
			// not accumulate into a trip.
			cb.failures.DecrementOldest()
			break
		}
		if cb.failures.Increment() >= cb.cfg.FailureThreshold {
			from, to = cb.state, StateOpen
			cb.trip()
			transitioned = true
		}
	case StateHalfOpen:
		if cb.probes > 0 {
			cb.probes--
		}
		if success {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				from, to = cb.state, StateClosed
				cb.state = StateClosed
				cb.failures.Reset()
				cb.successes = 0
				cb.lastTransition = cb.cfg.Clock.Now()
				transitioned = true
			}
			break
		}
		// Any half-open failure re-trips immediately.
		from, to = cb.state, StateOpen
		cb.trip()
		transitioned = true
	case StateOpen:
		// A call that started before the trip finished after it;
		// nothing to record.
	}
	cb.mu.Unlock()

	if transitioned {
		cb.notify(from, to)
	}
}

// trip moves to the open state. Caller holds the lock.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.successes = 0
	cb.probes = 0
	now := cb.cfg.Clock.Now()
	cb.nextAttempt = now.Add(cb.cfg.ResetTimeout)
	cb.lastTransition = now
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
