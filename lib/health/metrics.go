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

package health

import (
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	gantry "github.com/skylane/gantry"
	"github.com/skylane/gantry/lib/utils"
)

// Metrics holds the prometheus collectors exported by the core.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	cacheHitsTotal   *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	credentialHealth *prometheus.GaugeVec
	queueDepth       *prometheus.GaugeVec
	eventsDropped    prometheus.GaugeFunc
}

// NewMetrics builds and registers the collectors. droppedEvents reports the
// event bus drop counter, may be nil.
func NewMetrics(droppedEvents func() uint64) (*Metrics, error) {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: gantry.MetricNamespace,
			Name:      "requests_total",
			Help:      "Requests completed, by target and outcome.",
		}, []string{"target", "outcome"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: gantry.MetricNamespace,
			Name:      "retries_total",
			Help:      "Upstream retries, by target.",
		}, []string{"target"}),
		cacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: gantry.MetricNamespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits, by serving tier.",
		}, []string{"tier"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: gantry.MetricNamespace,
			Name:      "request_seconds",
			Help:      "End to end request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"target"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: gantry.MetricNamespace,
			Name:      "breaker_state",
			Help:      "Breaker state per target: 0 closed, 1 half-open, 2 open.",
		}, []string{"target"}),
		credentialHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: gantry.MetricNamespace,
			Name:      "credential_health_score",
			Help:      "Credential health score 0-100, by provider and key.",
		}, []string{"provider", "key"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: gantry.MetricNamespace,
			Name:      "sequential_queue_depth",
			Help:      "Sequential-mode queue depth, by provider.",
		}, []string{"provider"}),
	}
	collectors := []prometheus.Collector{
		m.requestsTotal, m.retriesTotal, m.cacheHitsTotal,
		m.requestLatency, m.breakerState, m.credentialHealth, m.queueDepth,
	}
	if droppedEvents != nil {
		m.eventsDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: gantry.MetricNamespace,
			Name:      "events_dropped_total",
			Help:      "Lifecycle events dropped due to backpressure.",
		}, func() float64 { return float64(droppedEvents()) })
		collectors = append(collectors, m.eventsDropped)
	}
	if err := utils.RegisterPrometheusCollectors(collectors...); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

// ObserveRequest accounts one completed request.
func (m *Metrics) ObserveRequest(target, outcome string, seconds float64) {
	m.requestsTotal.WithLabelValues(target, outcome).Inc()
	m.requestLatency.WithLabelValues(target).Observe(seconds)
}

// IncRetries accounts upstream retries beyond the first attempt.
func (m *Metrics) IncRetries(target string, n int) {
	if n > 0 {
		m.retriesTotal.WithLabelValues(target).Add(float64(n))
	}
}

// IncCacheHit accounts a cache hit on the serving tier.
func (m *Metrics) IncCacheHit(tier string) {
	m.cacheHitsTotal.WithLabelValues(tier).Inc()
}

// SetBreakerState publishes a breaker state gauge.
func (m *Metrics) SetBreakerState(target string, state float64) {
	m.breakerState.WithLabelValues(target).Set(state)
}

// SetCredentialHealth publishes a key health score gauge.
func (m *Metrics) SetCredentialHealth(provider, key string, score int) {
	m.credentialHealth.WithLabelValues(provider, key).Set(float64(score))
}

// SetQueueDepth publishes a sequential queue depth gauge.
func (m *Metrics) SetQueueDepth(provider string, depth int) {
	m.queueDepth.WithLabelValues(provider).Set(float64(depth))
}
