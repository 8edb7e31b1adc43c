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

package utils

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter is a function which applies random jitter to a duration. Used to
// randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a new jitter on the range [n/2,n). Suitable for
// jittering backoff operations where breaking cycles quickly is a priority.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	return func(d time.Duration) time.Duration {
		// values less than 1 would panic the rng, and some logic relies
		// on treating zero duration as the non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rand.Int63n(int64(d))/2)
	}
}

// NewSpreadJitter returns a jitter on the range [n/2,3n/2). This is the
// backoff spread used by the retry engine: the scheduled delay is scaled by
// a uniform factor in [0.5,1.5).
func NewSpreadJitter() Jitter {
	var mu sync.Mutex
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rand.Int63n(int64(d)))
	}
}

// Retry is an interface that provides retry logic.
type Retry interface {
	// Reset resets retry state.
	Reset()
	// Inc increments the retry attempt.
	Inc()
	// Duration returns the current retry delay, could be 0.
	Duration() time.Duration
	// After returns a channel that fires after Duration delay, and fires
	// right away if Duration is 0.
	After() <-chan time.Time
	// Clone creates a copy of this retry in a reset state.
	Clone() Retry
}

// LinearConfig sets up retry configuration using arithmetic progression.
type LinearConfig struct {
	// First is the first element of the progression, could be 0.
	First time.Duration
	// Step is the step of the progression, can't be 0.
	Step time.Duration
	// Max is the ceiling of the progression, can't be 0.
	Max time.Duration
	// Jitter is an optional jitter applied to the delay. Supplying a
	// jitter means successive calls to Duration may differ.
	Jitter Jitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a new instance of linear retry.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newLinear(cfg), nil
}

func newLinear(cfg LinearConfig) *Linear {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Linear{LinearConfig: cfg, closedChan: closedChan}
}

// Linear calculates a retry delay that grows by a fixed step per attempt.
type Linear struct {
	// LinearConfig is a linear retry config.
	LinearConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets the retry period to the initial state.
func (r *Linear) Reset() {
	r.attempt = 0
}

// Clone creates an identical copy of Linear with fresh state.
func (r *Linear) Clone() Retry {
	return newLinear(r.LinearConfig)
}

// Inc increments the attempt counter.
func (r *Linear) Inc() {
	r.attempt++
}

// Duration returns the retry duration based on state.
func (r *Linear) Duration() time.Duration {
	a := r.First + time.Duration(r.attempt)*r.Step
	if a < 1 {
		return 0
	}
	if a > r.Max {
		a = r.Max
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	return a
}

// After returns a channel that fires after the Duration delay. As a special
// case a zero Duration returns a closed channel.
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a user-friendly representation of the Linear retry.
func (r *Linear) String() string {
	return fmt.Sprintf("Linear(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// ExponentialConfig sets up retry configuration using geometric progression.
type ExponentialConfig struct {
	// Base is the delay of the first retry, can't be 0.
	Base time.Duration
	// Multiplier grows the delay between attempts, defaults to 2.
	Multiplier float64
	// Max is the ceiling of a single delay, can't be 0.
	Max time.Duration
	// Jitter is an optional jitter applied to the delay.
	Jitter Jitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	if c.Base == 0 {
		return trace.BadParameter("missing parameter Base")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.Multiplier < 1 {
		return trace.BadParameter("parameter Multiplier must be >= 1")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a new instance of exponential retry:
// delay = min(Max, Base * Multiplier^attempt), optionally jittered.
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newExponential(cfg), nil
}

func newExponential(cfg ExponentialConfig) *Exponential {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Exponential{ExponentialConfig: cfg, closedChan: closedChan}
}

// Exponential calculates a retry delay that grows geometrically per attempt.
type Exponential struct {
	// ExponentialConfig is an exponential retry config.
	ExponentialConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets the retry period to the initial state.
func (r *Exponential) Reset() {
	r.attempt = 0
}

// Clone creates an identical copy of Exponential with fresh state.
func (r *Exponential) Clone() Retry {
	return newExponential(r.ExponentialConfig)
}

// Inc increments the attempt counter.
func (r *Exponential) Inc() {
	r.attempt++
}

// Attempt returns the current attempt counter.
func (r *Exponential) Attempt() int64 {
	return r.attempt
}

// Duration returns the retry duration based on state. The first call, before
// any Inc, returns the base delay.
func (r *Exponential) Duration() time.Duration {
	d := time.Duration(float64(r.Base) * math.Pow(r.Multiplier, float64(r.attempt)))
	if d < 1 || d > r.Max {
		d = r.Max
	}
	if r.Jitter != nil {
		d = r.Jitter(d)
	}
	return d
}

// After returns a channel that fires after the Duration delay. As a special
// case a zero Duration returns a closed channel.
func (r *Exponential) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a user-friendly representation of the Exponential retry.
func (r *Exponential) String() string {
	return fmt.Sprintf("Exponential(attempt=%v, duration=%v)", r.attempt, r.Duration())
}
