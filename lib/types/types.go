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

// Package types holds the request, response and target contracts shared by
// the gantry core. The external router hands gantry a parsed Request; the
// core hands back a Response with its diagnostic trail.
package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Target identifies one (provider, model) pair a request may be routed to.
// The wire encoding is "provider,model"; the model part may be empty when a
// breaker or health check applies to the whole provider.
type Target struct {
	// Provider is the upstream provider name, e.g. "openrouter".
	Provider string
	// Model is the provider-scoped model identifier, e.g.
	// "anthropic/claude-3.5-sonnet". May be empty.
	Model string
}

// ParseTarget parses the "provider,model" encoding. A bare "provider" with
// no comma is accepted and yields an empty model.
func ParseTarget(s string) (Target, error) {
	provider, model, _ := strings.Cut(s, ",")
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return Target{}, trace.BadParameter("invalid target spec %q: missing provider", s)
	}
	return Target{Provider: provider, Model: strings.TrimSpace(model)}, nil
}

// ParseTargetChain parses an ordered failover chain; the first element is
// the primary target.
func ParseTargetChain(specs []string) ([]Target, error) {
	if len(specs) == 0 {
		return nil, trace.BadParameter("empty target chain")
	}
	out := make([]Target, 0, len(specs))
	for _, s := range specs {
		t, err := ParseTarget(s)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, t)
	}
	return out, nil
}

// String returns the "provider,model" encoding.
func (t Target) String() string {
	if t.Model == "" {
		return t.Provider
	}
	return t.Provider + "," + t.Model
}

// Key returns the breaker registry key for this target.
func (t Target) Key() string {
	if t.Model == "" {
		return t.Provider
	}
	return t.Provider + ":" + t.Model
}

// IsZero reports whether the target is unset.
func (t Target) IsZero() bool {
	return t.Provider == ""
}

// Priority orders queued work. Lower values run first.
type Priority int

const (
	// PriorityCritical preempts all other queued work.
	PriorityCritical Priority = iota
	// PriorityHigh runs before normal traffic.
	PriorityHigh
	// PriorityNormal is the default.
	PriorityNormal
	// PriorityLow yields to everything else.
	PriorityLow
)

// ParsePriority parses a priority name, defaulting to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Message is one chat turn of an inference request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a tool made available to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Metadata carries request attributes that never reach the upstream wire
// format but steer routing, affinity and caching.
type Metadata struct {
	// Session is the affinity key derived from the caller identity.
	Session string `json:"session,omitempty"`
	// Project scopes cache entries when vary-by is configured.
	Project string `json:"project,omitempty"`
	// Priority orders the request in sequential-mode queues.
	Priority Priority `json:"priority,omitempty"`
	// Sticky pins the session to its preferred connection.
	Sticky bool `json:"sticky,omitempty"`
}

// Request is the parsed inference request handed to the core by the
// external router. The router has already resolved a target chain; Target
// is only set when the caller pinned one explicitly.
type Request struct {
	// Target is the pinned "provider,model" spec, empty when the
	// configured chain applies.
	Target string `json:"target,omitempty"`
	// Model is the caller-requested model name, used for fingerprinting.
	Model string `json:"model"`
	// Messages is the conversation to complete.
	Messages []Message `json:"messages"`
	// Parameters are the sampling parameters (temperature, max_tokens...).
	Parameters map[string]any `json:"parameters,omitempty"`
	// Tools are the tools offered to the model.
	Tools []Tool `json:"tools,omitempty"`
	// Stream asks for a streamed response. Excluded from fingerprints.
	Stream bool `json:"stream,omitempty"`
	// Metadata steers routing and caching.
	Metadata Metadata `json:"metadata,omitempty"`
}

// EstimatedTokens returns a cheap token estimate used for credential budget
// checks: one token per four characters of message content.
func (r *Request) EstimatedTokens() int {
	total := 0
	for _, m := range r.Messages {
		total += len(m.Content)
	}
	return total/4 + 1
}

// CacheSource names the tier a cached response was served from.
type CacheSource string

const (
	// CacheNone marks a response built upstream.
	CacheNone CacheSource = "none"
	// CacheMemory marks a hit in the in-memory tier.
	CacheMemory CacheSource = "memory"
	// CacheKV marks a hit in the out-of-process KV tier.
	CacheKV CacheSource = "kv"
	// CacheDisk marks a hit in the on-disk overflow tier.
	CacheDisk CacheSource = "disk"
	// CacheSemantic marks a similarity hit.
	CacheSemantic CacheSource = "semantic"
)

// Usage carries upstream token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the core's reply: the opaque upstream payload plus the
// diagnostic trail the ingress forwards to the caller.
type Response struct {
	// Payload is the upstream response body, passed through untouched.
	Payload json.RawMessage `json:"payload"`
	// Usage is the upstream token accounting, when reported.
	Usage Usage `json:"usage"`
	// TargetUsed is the target that produced the payload.
	TargetUsed string `json:"target_used"`
	// Failover is true when TargetUsed is not the primary target.
	Failover bool `json:"failover"`
	// Cached names the tier that served the response, "none" on build.
	Cached CacheSource `json:"cached"`
	// Attempts is the total number of upstream attempts across targets.
	Attempts int `json:"attempts"`
	// TotalLatency is the wall-clock cost of the whole operation.
	TotalLatency time.Duration `json:"total_latency_ms"`
}

// AttemptOutcome records one failed target for the diagnostic trail.
type AttemptOutcome struct {
	Target   string `json:"target"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Err      string `json:"error"`
}
