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

// Package upstream executes chat-completion calls against provider HTTP
// APIs. It is the production Executor handed to the failover controller by
// the gantry binary; tests and embedders substitute their own.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/skylane/gantry/lib/connpool"
	"github.com/skylane/gantry/lib/credentials"
	"github.com/skylane/gantry/lib/defaults"
	"github.com/skylane/gantry/lib/failover"
	"github.com/skylane/gantry/lib/types"
)

// defaultBaseURLs maps the providers gantry knows out of the box to their
// chat-completion API roots. Config overrides win.
var defaultBaseURLs = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"openai":     "https://api.openai.com/v1",
}

// Config configures the Executor.
type Config struct {
	// BaseURLs overrides or extends the built-in provider API roots.
	BaseURLs map[string]string
	// Client is the fallback HTTP client, used when the pooled connection
	// carries no transport of its own.
	Client *http.Client
	// Timeout bounds a single upstream call. Defaults to 2 minutes.
	Timeout time.Duration
	// MaxResponseBytes bounds the response body read. Defaults to 16 MiB.
	MaxResponseBytes int64
}

// CheckAndSetDefaults validates the config and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 16 << 20
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.Timeout}
	}
	base := make(map[string]string, len(defaultBaseURLs)+len(c.BaseURLs))
	for provider, url := range defaultBaseURLs {
		base[provider] = url
	}
	for provider, url := range c.BaseURLs {
		base[provider] = url
	}
	c.BaseURLs = base
	return nil
}

// Executor performs chat-completion calls over HTTP.
type Executor struct {
	cfg Config
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Executor{cfg: cfg}, nil
}

// wireRequest is the JSON body sent upstream. Sampling parameters are
// inlined next to the fixed fields, matching the OpenAI-compatible wire
// format the supported providers share.
type wireRequest struct {
	Model    string          `json:"model"`
	Messages []types.Message `json:"messages"`
	Tools    []types.Tool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream,omitempty"`
}

func encodeBody(target types.Target, req *types.Request) ([]byte, error) {
	fixed := wireRequest{
		Model:    target.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
		Stream:   req.Stream,
	}
	raw, err := json.Marshal(fixed)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(req.Parameters) == 0 {
		return raw, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, trace.Wrap(err)
	}
	for k, v := range req.Parameters {
		if _, fixed := merged[k]; !fixed {
			merged[k] = v
		}
	}
	out, err := json.Marshal(merged)
	return out, trace.Wrap(err)
}

// Execute implements failover.Executor.
func (e *Executor) Execute(ctx context.Context, target types.Target, req *types.Request, cred credentials.View, conn *connpool.Conn) (*types.Response, error) {
	base, ok := e.cfg.BaseURLs[target.Provider]
	if !ok {
		return nil, trace.NotFound("no API endpoint configured for provider %q", target.Provider)
	}
	body, err := encodeBody(target, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.Secret)

	client := e.cfg.Client
	if conn != nil {
		if pooled, ok := conn.Transport().(*http.Client); ok {
			client = pooled
		}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &types.UpstreamError{
			Kind:   types.Classify(err),
			Target: target,
			Err:    trace.Wrap(err),
		}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxResponseBytes))
	if err != nil {
		return nil, &types.UpstreamError{
			Kind:   types.KindTransient,
			Target: target,
			Err:    trace.Wrap(err),
		}
	}
	if upErr := failover.ResponseError(target, resp.StatusCode, resp.Header.Get("Retry-After"), trace.BadParameter("%s", summarize(payload))); upErr != nil {
		return nil, upErr
	}

	return &types.Response{
		Payload: payload,
		Usage:   extractUsage(payload),
	}, nil
}

// Probe returns an active health probe that issues a GET against the
// provider's API root plus the endpoint path. A nil result means the
// provider answered with a 2xx.
func (e *Executor) Probe(endpoint string, timeout time.Duration) func(ctx context.Context, target types.Target) error {
	if timeout <= 0 {
		timeout = defaults.ProbeTimeout
	}
	return func(ctx context.Context, target types.Target) error {
		base, ok := e.cfg.BaseURLs[target.Provider]
		if !ok {
			return trace.NotFound("no API endpoint configured for provider %q", target.Provider)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+endpoint, nil)
		if err != nil {
			return trace.Wrap(err)
		}
		resp, err := e.cfg.Client.Do(httpReq)
		if err != nil {
			return trace.Wrap(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return trace.Errorf("probe of %v returned status %v", target.Provider, resp.StatusCode)
		}
		return nil
	}
}

// extractUsage pulls token accounting out of an OpenAI-style body. A body
// without usage is fine, accounting just stays zero.
func extractUsage(payload []byte) types.Usage {
	var envelope struct {
		Usage types.Usage `json:"usage"`
	}
	_ = json.Unmarshal(payload, &envelope)
	return envelope.Usage
}

// summarize trims an error body to a log-friendly size.
func summarize(payload []byte) string {
	const maxLen = 256
	s := string(payload)
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
