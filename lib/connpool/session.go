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

package connpool

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/skylane/gantry/lib/defaults"
	"github.com/skylane/gantry/lib/events"
	"github.com/skylane/gantry/lib/types"
)

// maxFallbackConns bounds the ordered fallback list a session keeps.
const maxFallbackConns = 3

// Session tracks one caller's affinity to pool connections. Sessions hold
// connection ids only, never *Conn: the index reconciles on retirement
// events, so there is no cycle between the pool and the index.
type Session struct {
	id       string
	provider string
	priority types.Priority
	sticky   bool

	preferred string
	fallbacks []string

	firstActivity time.Time
	lastActivity  time.Time
	requests      uint64
	avgLatency    time.Duration
}

// SessionStatus is a read-only snapshot of a session.
type SessionStatus struct {
	ID           string
	Provider     string
	Priority     types.Priority
	Sticky       bool
	Preferred    string
	Fallbacks    []string
	LastActivity time.Time
	Requests     uint64
	AvgLatency   time.Duration
}

// SessionIndex maintains session affinity state separately from the pool.
type SessionIndex struct {
	clock      clockwork.Clock
	inactivity time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionIndex creates a session index. When bus is non-nil the index
// subscribes to connection retirement events and clears stale references.
func NewSessionIndex(clock clockwork.Clock, inactivity time.Duration, bus *events.Bus) *SessionIndex {
	if inactivity <= 0 {
		inactivity = defaults.SessionInactivityTimeout
	}
	idx := &SessionIndex{
		clock:      clock,
		inactivity: inactivity,
		sessions:   make(map[string]*Session),
	}
	if bus != nil {
		bus.Subscribe(func(e events.Event) {
			if retired, ok := e.(events.ConnectionRetired); ok {
				idx.dropConn(retired.ConnID)
			}
		})
	}
	return idx
}

// Observe creates or refreshes a session on request arrival.
func (idx *SessionIndex) Observe(id, provider string, priority types.Priority, sticky bool) {
	if id == "" {
		return
	}
	now := idx.clock.Now()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.sessions[id]
	if !ok {
		s = &Session{
			id:            id,
			provider:      provider,
			firstActivity: now,
		}
		idx.sessions[id] = s
	}
	s.provider = provider
	s.priority = priority
	s.sticky = sticky
	s.lastActivity = now
	s.requests++
}

// Preferred returns the session's preferred connection id and ordered
// fallbacks, empty when the session is unknown or not sticky.
func (idx *SessionIndex) Preferred(id string) (preferred string, fallbacks []string, sticky bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.sessions[id]
	if !ok || !s.sticky {
		return "", nil, false
	}
	return s.preferred, append([]string(nil), s.fallbacks...), true
}

// SetPreferred records that the session last ran on connID. The previous
// preferred connection moves to the head of the fallback list.
func (idx *SessionIndex) SetPreferred(id, connID string) {
	if id == "" || connID == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.sessions[id]
	if !ok {
		return
	}
	if s.preferred == connID {
		return
	}
	if s.preferred != "" {
		s.fallbacks = pushFront(s.fallbacks, s.preferred)
	}
	s.preferred = connID
	s.fallbacks = remove(s.fallbacks, connID)
}

// RecordLatency folds one request latency into the session's running
// average.
func (idx *SessionIndex) RecordLatency(id string, latency time.Duration) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.sessions[id]
	if !ok {
		return
	}
	if s.avgLatency == 0 {
		s.avgLatency = latency
		return
	}
	// Exponentially weighted running average.
	s.avgLatency = (s.avgLatency*7 + latency) / 8
}

// Status returns a snapshot of one session, or false when unknown.
func (idx *SessionIndex) Status(id string) (SessionStatus, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.sessions[id]
	if !ok {
		return SessionStatus{}, false
	}
	return SessionStatus{
		ID:           s.id,
		Provider:     s.provider,
		Priority:     s.priority,
		Sticky:       s.sticky,
		Preferred:    s.preferred,
		Fallbacks:    append([]string(nil), s.fallbacks...),
		LastActivity: s.lastActivity,
		Requests:     s.requests,
		AvgLatency:   s.avgLatency,
	}, true
}

// Len returns the number of live sessions.
func (idx *SessionIndex) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.sessions)
}

// Reap removes sessions inactive longer than the inactivity window and
// returns how many were dropped. Run by the pool janitor.
func (idx *SessionIndex) Reap() int {
	cutoff := idx.clock.Now().Add(-idx.inactivity)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	removed := 0
	for id, s := range idx.sessions {
		if s.lastActivity.Before(cutoff) {
			delete(idx.sessions, id)
			removed++
		}
	}
	return removed
}

// dropConn clears every reference to a retired connection.
func (idx *SessionIndex) dropConn(connID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, s := range idx.sessions {
		if s.preferred == connID {
			s.preferred = ""
			if len(s.fallbacks) > 0 {
				s.preferred = s.fallbacks[0]
				s.fallbacks = s.fallbacks[1:]
			}
		}
		s.fallbacks = remove(s.fallbacks, connID)
	}
}

func pushFront(list []string, v string) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, v)
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	if len(out) > maxFallbackConns {
		out = out[:maxFallbackConns]
	}
	return out
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
