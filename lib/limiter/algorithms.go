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

package limiter

import (
	"time"

	"golang.org/x/time/rate"
)

// algorithmState is the per-key counting state behind one rule. peek
// evaluates without consuming; commit consumes one event. The limiter lock
// serializes both.
type algorithmState interface {
	peek(now time.Time) Decision
	commit(now time.Time)
	lastSeen() time.Time
}

func newAlgorithmState(rule Rule) algorithmState {
	switch rule.Algorithm {
	case TokenBucket:
		burst := int(float64(rule.Limit) * rule.BurstMultiplier)
		if burst < 1 {
			burst = 1
		}
		return &tokenBucketState{
			rule:  rule,
			burst: burst,
			lim:   rate.NewLimiter(rate.Limit(float64(rule.Limit)/rule.Window.Seconds()), burst),
		}
	case FixedWindow:
		return &fixedWindowState{rule: rule}
	default:
		return &slidingWindowState{rule: rule}
	}
}

// tokenBucketState wraps an x/time/rate limiter. Capacity is
// limit × burst multiplier; the refill rate is limit/window. All calls pass
// the injected clock's notion of now so fake clocks drive refill in tests.
type tokenBucketState struct {
	rule  Rule
	burst int
	lim   *rate.Limiter
	seen  time.Time
}

func (s *tokenBucketState) peek(now time.Time) Decision {
	tokens := s.lim.TokensAt(now)
	d := Decision{
		Limit:   s.rule.Limit,
		Allowed: tokens >= 1,
	}
	// Remaining reports the budget left after this event is admitted,
	// matching the X-RateLimit-Remaining convention.
	if d.Allowed {
		d.Remaining = int(tokens) - 1
	}
	refillPerSec := float64(s.lim.Limit())
	if missing := float64(s.burst) - tokens; missing > 0 && refillPerSec > 0 {
		d.ResetTime = now.Add(time.Duration(missing / refillPerSec * float64(time.Second)))
	} else {
		d.ResetTime = now
	}
	if !d.Allowed && refillPerSec > 0 {
		d.RetryAfter = time.Duration((1 - tokens) / refillPerSec * float64(time.Second))
	}
	return d
}

func (s *tokenBucketState) commit(now time.Time) {
	s.lim.AllowN(now, 1)
	s.seen = now
}

func (s *tokenBucketState) lastSeen() time.Time { return s.seen }

// slidingWindowState keeps the timestamps of admitted events inside the
// window; the decision is |events| < limit.
type slidingWindowState struct {
	rule   Rule
	events []time.Time
	seen   time.Time
}

func (s *slidingWindowState) trim(now time.Time) {
	cutoff := now.Add(-s.rule.Window)
	i := 0
	for i < len(s.events) && !s.events[i].After(cutoff) {
		i++
	}
	s.events = s.events[i:]
}

func (s *slidingWindowState) peek(now time.Time) Decision {
	s.trim(now)
	d := Decision{
		Limit:     s.rule.Limit,
		Remaining: s.rule.Limit - len(s.events),
		Allowed:   len(s.events) < s.rule.Limit,
	}
	if d.Allowed {
		d.Remaining--
	}
	if len(s.events) > 0 {
		d.ResetTime = s.events[0].Add(s.rule.Window)
	} else {
		d.ResetTime = now
	}
	if !d.Allowed {
		d.RetryAfter = d.ResetTime.Sub(now)
	}
	return d
}

func (s *slidingWindowState) commit(now time.Time) {
	s.trim(now)
	s.events = append(s.events, now)
	s.seen = now
}

func (s *slidingWindowState) lastSeen() time.Time { return s.seen }

// fixedWindowState is a counter zeroed at each window boundary.
type fixedWindowState struct {
	rule        Rule
	count       int
	windowStart time.Time
	seen        time.Time
}

func (s *fixedWindowState) roll(now time.Time) {
	if s.windowStart.IsZero() || !now.Before(s.windowStart.Add(s.rule.Window)) {
		s.windowStart = now
		s.count = 0
	}
}

func (s *fixedWindowState) peek(now time.Time) Decision {
	s.roll(now)
	reset := s.windowStart.Add(s.rule.Window)
	d := Decision{
		Limit:     s.rule.Limit,
		Remaining: s.rule.Limit - s.count,
		Allowed:   s.count < s.rule.Limit,
		ResetTime: reset,
	}
	if d.Allowed {
		d.Remaining--
	}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d
}

func (s *fixedWindowState) commit(now time.Time) {
	s.roll(now)
	s.count++
	s.seen = now
}

func (s *fixedWindowState) lastSeen() time.Time { return s.seen }
