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

// Package defaults contains default constants used across gantry.
package defaults

import "time"

const (
	// ConnectTimeout bounds upstream connection establishment.
	ConnectTimeout = 10 * time.Second

	// RequestTimeout bounds a single upstream request attempt.
	RequestTimeout = 120 * time.Second

	// SingleFlightTimeout bounds how long a cache lookup waits for a
	// concurrent build of the same fingerprint.
	SingleFlightTimeout = 30 * time.Second

	// QueueTimeout bounds how long a request waits in a sequential-mode
	// queue before it is abandoned.
	QueueTimeout = 60 * time.Second

	// SessionInactivityTimeout is how long a session survives without
	// activity before the session index reaps it.
	SessionInactivityTimeout = 30 * time.Minute

	// ConnWaitTimeout bounds how long a request waits for a free
	// connection slot when the pool is saturated.
	ConnWaitTimeout = 30 * time.Second

	// SequentialDwell is the pause between sequential-mode requests that
	// lets the provider reuse the warm connection.
	SequentialDwell = 10 * time.Millisecond
)

const (
	// MaxSockets is the per-provider connection fleet ceiling.
	MaxSockets = 8

	// MaxFreeSockets is how many idle connections a provider keeps warm.
	MaxFreeSockets = 4

	// ConnIdleTimeout retires a connection that has not carried a request.
	ConnIdleTimeout = 90 * time.Second

	// ConnKeepAlive is the keep-alive interval advertised on new
	// connections.
	ConnKeepAlive = 30 * time.Second

	// ConnMaxLifetime retires a connection regardless of activity.
	ConnMaxLifetime = 10 * time.Minute

	// ConnCapacity is how many requests a single connection multiplexes.
	ConnCapacity = 6

	// StickyLoadCeiling caps sticky reuse of a preferred connection at
	// this share of its capacity.
	StickyLoadCeiling = 0.8

	// PoolSweepInterval is how often pool janitors run.
	PoolSweepInterval = 30 * time.Second
)

const (
	// CacheMaxEntries bounds the in-memory cache tier.
	CacheMaxEntries = 2048

	// CacheTTL is the default response time-to-live.
	CacheTTL = time.Hour

	// CacheTTLVariance is the uniform random spread added to every stored
	// TTL so entries do not expire in lockstep.
	CacheTTLVariance = 5 * time.Minute

	// CacheRetryShare is how many collapsed requests may rebuild after a
	// shared in-flight build fails. The rest fail fast with the leader's
	// error.
	CacheRetryShare = 1

	// CacheDiskMinBytes is the serialized size above which a response
	// spills to the disk tier.
	CacheDiskMinBytes = 64 * 1024

	// CacheDiskMaxBytes is the disk tier byte budget.
	CacheDiskMaxBytes = 512 * 1024 * 1024

	// SemanticThreshold is the minimum Jaccard score for a semantic hit.
	SemanticThreshold = 0.85

	// SemanticMaxComparisons bounds candidates scanned per semantic lookup.
	SemanticMaxComparisons = 50
)

const (
	// BreakerFailureThreshold trips a breaker after this many failures in
	// the rolling window.
	BreakerFailureThreshold = 5

	// BreakerSuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	BreakerSuccessThreshold = 3

	// BreakerWindow is the rolling window failures are counted over.
	BreakerWindow = time.Minute

	// BreakerResetTimeout is how long a tripped breaker stays open before
	// letting one probe through.
	BreakerResetTimeout = 60 * time.Second

	// BreakerHalfOpenMax is the number of concurrent half-open probes.
	BreakerHalfOpenMax = 1
)

const (
	// MaxRetries is the per-target retry budget, not counting the first
	// attempt.
	MaxRetries = 2

	// RetryBaseDelay seeds the exponential backoff schedule.
	RetryBaseDelay = 500 * time.Millisecond

	// RetryBackoffMultiplier grows the backoff between attempts.
	RetryBackoffMultiplier = 2.0

	// RetryMaxDelay caps a single backoff sleep.
	RetryMaxDelay = 10 * time.Second
)

const (
	// CredentialSafetyBuffer pads a rate-limited key's announced reset so
	// the key is not reused a moment too early.
	CredentialSafetyBuffer = 5 * time.Second

	// CredentialCooldown is the rate-limited cooldown used when the
	// provider did not announce a reset.
	CredentialCooldown = 60 * time.Second

	// HealthDegradedBelow flips a credential to degraded under this
	// health score.
	HealthDegradedBelow = 50

	// HealthCheckInterval is how often credential health is re-evaluated.
	HealthCheckInterval = 30 * time.Second

	// ProbeTimeout bounds a single active health probe call.
	ProbeTimeout = 5 * time.Second
)

const (
	// LimiterSoftThreshold is the share of a limit at which a warning is
	// raised without denying the request.
	LimiterSoftThreshold = 0.8

	// LimiterBurstMultiplier sizes a token bucket relative to its rate.
	LimiterBurstMultiplier = 1.5
)

const (
	// SequentialMaxQueue bounds a provider's sequential queue.
	SequentialMaxQueue = 100

	// TPSWindow is the rolling window for the requests-per-second gauge.
	TPSWindow = 10 * time.Second

	// DegradationLogWindow rate-limits repeated degradation log lines for
	// a failing cache tier.
	DegradationLogWindow = time.Minute
)
