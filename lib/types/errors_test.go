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

package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

// timeoutError mimics a socket-level deadline failure such as the i/o
// timeout a net.Conn surfaces.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return false }

func TestClassifySocketTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	kind := Classify(timeoutError{})
	require.Equal(t, KindTransient, kind)
	require.True(t, kind.Retryable())
	require.True(t, kind.CountsAgainstBreaker())

	// Wrapping does not change the class.
	require.Equal(t, KindTransient, Classify(fmt.Errorf("dial upstream: %w", timeoutError{})))
}

func TestClassifyCallerDeadline(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	require.Equal(t, KindTimeout, Classify(fmt.Errorf("call: %w", context.Canceled)))
	require.False(t, KindTimeout.Retryable())
}

func TestClassifyKeepsUpstreamKind(t *testing.T) {
	t.Parallel()

	err := &UpstreamError{Kind: KindRateLimit, StatusCode: 429, Err: errors.New("slow down")}
	require.Equal(t, KindRateLimit, Classify(trace.Wrap(err)))
}
