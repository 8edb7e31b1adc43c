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

package failover

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/skylane/gantry/lib/connpool"
	"github.com/skylane/gantry/lib/credentials"
	"github.com/skylane/gantry/lib/types"
)

// Executor performs one upstream call against a single target. The
// embedding router supplies the provider wire formats; the controller
// supplies the credential and the pooled connection the call must use.
// Failures should be returned as *types.UpstreamError so classification
// is exact; raw errors are classified best-effort.
type Executor interface {
	Execute(ctx context.Context, target types.Target, req *types.Request, cred credentials.View, conn *connpool.Conn) (*types.Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, target types.Target, req *types.Request, cred credentials.View, conn *connpool.Conn) (*types.Response, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, target types.Target, req *types.Request, cred credentials.View, conn *connpool.Conn) (*types.Response, error) {
	return f(ctx, target, req, cred, conn)
}

// ResponseError converts a non-success HTTP status into a classified
// upstream error. Returns nil for 2xx statuses. retryAfter is the raw
// Retry-After header value, either delta-seconds or an HTTP date.
func ResponseError(target types.Target, statusCode int, retryAfter string, cause error) error {
	kind := types.ClassifyStatus(statusCode)
	if kind == types.KindUnknown {
		return nil
	}
	return &types.UpstreamError{
		Kind:       kind,
		StatusCode: statusCode,
		Target:     target,
		RetryAfter: ParseRetryAfter(retryAfter, time.Now()),
		Err:        cause,
	}
}

// ParseRetryAfter parses a Retry-After header value relative to now.
// Returns 0 when the value is absent or malformed.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
