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

// Package gantry holds constants shared across the gantry codebase.
package gantry

// Version is the current gantry release.
const Version = "0.4.0"

// MetricNamespace is the prometheus namespace for all gantry metrics.
const MetricNamespace = "gantry"

const (
	// ComponentKey is the log attribute key naming the emitting component.
	ComponentKey = "component"

	// ComponentFailover is the per-request target selection loop.
	ComponentFailover = "gantry:failover"

	// ComponentCache is the multi-tier request cache.
	ComponentCache = "gantry:cache"

	// ComponentCredentials is the provider credential pool.
	ComponentCredentials = "gantry:credentials"

	// ComponentConnPool is the upstream connection pool.
	ComponentConnPool = "gantry:connpool"

	// ComponentSequential is the sequential-mode queue manager.
	ComponentSequential = "gantry:sequential"

	// ComponentBreaker is the circuit breaker registry.
	ComponentBreaker = "gantry:breaker"

	// ComponentLimiter is the rate limiter.
	ComponentLimiter = "gantry:limiter"

	// ComponentHealth is the health checker.
	ComponentHealth = "gantry:health"

	// ComponentService is the top level service container.
	ComponentService = "gantry:service"
)

// EnvPrefix is the prefix shared by all environment variable overrides
// recognized by the configuration loader, e.g. GANTRY_CACHE_ENABLED.
const EnvPrefix = "GANTRY_"
