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
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
)

// ErrorKind classifies an upstream call result for the retry engine, the
// breaker and the credential pool.
type ErrorKind int

const (
	// KindUnknown is an unclassified error, treated as non-retryable.
	KindUnknown ErrorKind = iota
	// KindTransient covers connection resets, DNS failures, refused
	// sockets and I/O timeouts. Retryable; counts against the breaker and
	// may retire the connection.
	KindTransient
	// KindRateLimit is an explicit 429 or provider rate-limit signal.
	// Retryable with respect for Retry-After; marks the credential
	// rate-limited.
	KindRateLimit
	// KindServerError is an upstream 5xx. Retryable up to budget; counts
	// against the breaker.
	KindServerError
	// KindClientError is a non-429 4xx. Not retryable.
	KindClientError
	// KindAuth is a 401/403. Not retryable; marks the credential
	// unavailable.
	KindAuth
	// KindTimeout is a per-request deadline or caller cancellation.
	// Not retryable at this layer, surfaced as-is.
	KindTimeout
	// KindConfig is a programmer or configuration error (invalid target
	// spec, missing provider). Not retryable.
	KindConfig
)

// String returns the kind name used in logs and diagnostics.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindServerError:
		return "server_error"
	case KindClientError:
		return "client_error"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Retryable reports whether the retry engine may re-attempt after this
// kind of failure.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimit, KindServerError:
		return true
	default:
		return false
	}
}

// CountsAgainstBreaker reports whether the failure feeds the breaker's
// rolling failure window.
func (k ErrorKind) CountsAgainstBreaker() bool {
	switch k {
	case KindTransient, KindServerError:
		return true
	default:
		return false
	}
}

// ConnectionFatal reports whether the failed connection must be retired
// rather than returned to the pool.
func (k ErrorKind) ConnectionFatal() bool {
	return k == KindTransient
}

// UpstreamError is a classified upstream call failure.
type UpstreamError struct {
	// Kind is the taxonomy class.
	Kind ErrorKind
	// StatusCode is the HTTP status, 0 for network-level failures.
	StatusCode int
	// Target is the target that produced the failure.
	Target Target
	// RetryAfter is the provider's announced cooldown, 0 when absent.
	RetryAfter time.Duration
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	msg := "upstream " + e.Kind.String()
	if !e.Target.IsZero() {
		msg += " from " + e.Target.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code onto the taxonomy.
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code >= 500:
		return KindServerError
	case code >= 400:
		return KindClientError
	default:
		return KindUnknown
	}
}

// Classify maps an arbitrary call error onto the taxonomy. Errors already
// carrying an UpstreamError keep their class.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	// Socket-level timeouts are transient like any other network failure:
	// caller deadlines and cancellations were already peeled off above.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindTransient
	}
	if trace.IsConnectionProblem(err) {
		return KindTransient
	}
	if trace.IsLimitExceeded(err) {
		return KindRateLimit
	}
	if trace.IsAccessDenied(err) {
		return KindAuth
	}
	if trace.IsBadParameter(err) || trace.IsNotFound(err) {
		return KindConfig
	}
	return KindUnknown
}
