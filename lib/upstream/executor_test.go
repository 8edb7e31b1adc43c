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

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/skylane/gantry/lib/credentials"
	"github.com/skylane/gantry/lib/types"
)

var testTarget = types.Target{Provider: "openrouter", Model: "anthropic/claude-3.5-sonnet"}

func testExecutor(t *testing.T, handler http.HandlerFunc) *Executor {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	executor, err := NewExecutor(Config{
		BaseURLs: map[string]string{"openrouter": server.URL},
	})
	require.NoError(t, err)
	return executor
}

func TestExecuteSendsWireRequest(t *testing.T) {
	t.Parallel()

	var got map[string]any
	var auth string
	executor := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34}}`))
	})

	req := &types.Request{
		Model:      "anthropic/claude-3.5-sonnet",
		Messages:   []types.Message{{Role: "user", Content: "hi"}},
		Parameters: map[string]any{"temperature": 0.2, "model": "ignored"},
	}
	resp, err := executor.Execute(context.Background(), testTarget, req, credentials.View{Secret: "sk-or-1"}, nil)
	require.NoError(t, err)

	require.Equal(t, "Bearer sk-or-1", auth)
	// The target's model wins over both the request and the parameters.
	require.Equal(t, "anthropic/claude-3.5-sonnet", got["model"])
	require.Equal(t, 0.2, got["temperature"])
	require.Equal(t, 12, resp.Usage.PromptTokens)
	require.Equal(t, 34, resp.Usage.CompletionTokens)
	require.JSONEq(t, `{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34}}`, string(resp.Payload))
}

func TestExecuteClassifiesStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantKind   types.ErrorKind
		wantWait   time.Duration
	}{
		{name: "rate limited", status: 429, retryAfter: "30", wantKind: types.KindRateLimit, wantWait: 30 * time.Second},
		{name: "server error", status: 503, wantKind: types.KindServerError},
		{name: "bad key", status: 401, wantKind: types.KindAuth},
		{name: "bad request", status: 400, wantKind: types.KindClientError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			executor := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			})

			req := &types.Request{Messages: []types.Message{{Role: "user", Content: "hi"}}}
			_, err := executor.Execute(context.Background(), testTarget, req, credentials.View{}, nil)
			require.Error(t, err)

			var ue *types.UpstreamError
			require.ErrorAs(t, err, &ue)
			require.Equal(t, tt.wantKind, ue.Kind)
			require.Equal(t, tt.status, ue.StatusCode)
			require.Equal(t, tt.wantWait, ue.RetryAfter)
		})
	}
}

func TestExecuteUnknownProvider(t *testing.T) {
	t.Parallel()

	executor, err := NewExecutor(Config{})
	require.NoError(t, err)

	req := &types.Request{Messages: []types.Message{{Role: "user", Content: "hi"}}}
	_, err = executor.Execute(context.Background(), types.Target{Provider: "nocorp", Model: "m"}, req, credentials.View{}, nil)
	require.True(t, trace.IsNotFound(err))
}

func TestProbeReportsProviderStatus(t *testing.T) {
	t.Parallel()

	executor := testExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	})

	probe := executor.Probe("/models", time.Second)
	require.NoError(t, probe(context.Background(), testTarget))

	// A non-2xx answer and an unknown provider both fail the probe.
	require.Error(t, executor.Probe("/missing", time.Second)(context.Background(), testTarget))
	require.Error(t, probe(context.Background(), types.Target{Provider: "nocorp", Model: "m"}))
}

func TestExecuteConnectionRefused(t *testing.T) {
	t.Parallel()

	executor, err := NewExecutor(Config{
		BaseURLs: map[string]string{"openrouter": "http://127.0.0.1:1"},
		Timeout:  time.Second,
	})
	require.NoError(t, err)

	req := &types.Request{Messages: []types.Message{{Role: "user", Content: "hi"}}}
	_, err = executor.Execute(context.Background(), testTarget, req, credentials.View{}, nil)
	require.Error(t, err)

	var ue *types.UpstreamError
	require.ErrorAs(t, err, &ue)
	require.True(t, ue.Kind.Retryable())
}
