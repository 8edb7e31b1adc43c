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
	"github.com/gravitational/trace"
)

// Strategy selects how the pool rotates across eligible keys.
type Strategy string

const (
	// StrategyRoundRobin cycles through eligible keys in order.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyLeastRecentlyUsed picks the key idle the longest.
	StrategyLeastRecentlyUsed Strategy = "least-recently-used"
	// StrategyLeastLoaded picks the key with the lowest in-window load,
	// where load = requests + tokens/1000.
	StrategyLeastLoaded Strategy = "least-loaded"
	// StrategyWeighted picks the key with the highest
	// priority × health score.
	StrategyWeighted Strategy = "weighted"
)

// Check validates the strategy name.
func (s Strategy) Check() error {
	switch s {
	case StrategyRoundRobin, StrategyLeastRecentlyUsed, StrategyLeastLoaded, StrategyWeighted:
		return nil
	default:
		return trace.BadParameter("unknown credential rotation strategy %q", s)
	}
}

// pick applies the provider's strategy to a non-empty eligible slice.
// Caller holds the provider set lock.
func pick(ps *providerSet, eligible []*Credential) *Credential {
	switch ps.strategy {
	case StrategyLeastRecentlyUsed:
		return pickLeastRecentlyUsed(eligible)
	case StrategyLeastLoaded:
		return pickLeastLoaded(eligible)
	case StrategyWeighted:
		return pickWeighted(eligible)
	default:
		c := eligible[ps.rrIndex%len(eligible)]
		ps.rrIndex++
		return c
	}
}

func pickLeastRecentlyUsed(eligible []*Credential) *Credential {
	best := eligible[0]
	for _, c := range eligible[1:] {
		if c.lastUsed.Before(best.lastUsed) {
			best = c
		}
	}
	return best
}

func pickLeastLoaded(eligible []*Credential) *Credential {
	best := eligible[0]
	bestLoad := load(best)
	for _, c := range eligible[1:] {
		if l := load(c); l < bestLoad {
			best, bestLoad = c, l
		}
	}
	return best
}

func load(c *Credential) float64 {
	return float64(c.minuteRequests.Count()) + float64(c.minuteTokens.Sum())/1000
}

func pickWeighted(eligible []*Credential) *Credential {
	best := eligible[0]
	bestWeight := weight(best)
	for _, c := range eligible[1:] {
		switch w := weight(c); {
		case w > bestWeight:
			best, bestWeight = c, w
		case w == bestWeight && c.lastUsed.Before(best.lastUsed):
			// Ties go to the key idle the longest.
			best = c
		}
	}
	return best
}

func weight(c *Credential) float64 {
	return float64(c.cfg.Priority) * float64(c.healthScore) / 100
}
