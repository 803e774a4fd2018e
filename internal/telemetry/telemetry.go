// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry exposes Prometheus metrics for every core subsystem:
// pipeline throughput, cache hit/miss/eviction, limiter imbalance, breaker
// state, and connection-pool occupancy. Safe to call from hot paths — every
// exported function is a cheap counter/gauge update, never I/O.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every gauge/counter/histogram this module exports, all
// registered against a dedicated prometheus.Registry rather than the global
// default, so embedding flashpipe in a larger process never collides with
// that process's own metric names.
type Registry struct {
	reg *prometheus.Registry

	itemsStarted   prometheus.Counter
	itemsCompleted prometheus.Counter
	itemsFailed    prometheus.Counter
	itemsCancelled prometheus.Counter
	batchDuration  prometheus.Histogram

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheHotRatio  prometheus.Gauge

	limiterImbalance prometheus.Gauge
	limiterRefusals  prometheus.Counter
	limiterReserved  prometheus.Counter

	breakerState       prometheus.Gauge
	breakerTransitions *prometheus.CounterVec
	breakerProbes      prometheus.Counter

	poolSize    prometheus.Gauge
	poolInUse   prometheus.Gauge
	poolTimeout prometheus.Counter
	poolSlowQry prometheus.Counter
}

// New builds and registers a Registry. namespace/subsystem follow the
// Prometheus convention of dotted metric names collapsed to underscores,
// e.g. namespace="flashpipe".
func New(namespace string) *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	mk := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "pipeline", Name: name, Help: help})
		r.reg.MustRegister(c)
		return c
	}
	r.itemsStarted = mk("items_started_total", "Vocabulary items that entered processing")
	r.itemsCompleted = mk("items_completed_total", "Vocabulary items that completed successfully")
	r.itemsFailed = mk("items_failed_total", "Vocabulary items that failed")
	r.itemsCancelled = mk("items_cancelled_total", "Vocabulary items cut short by cancellation")

	r.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "pipeline", Name: "batch_duration_seconds",
		Help:    "Wall-clock duration of a full batch run",
		Buckets: prometheus.DefBuckets,
	})
	r.reg.MustRegister(r.batchDuration)

	r.cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "hits_total", Help: "Cache hits by tier",
	}, []string{"tier"})
	r.cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "misses_total", Help: "Cache misses",
	}, []string{"tier"})
	r.cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "evictions_total", Help: "Cache evictions by tier and policy",
	}, []string{"tier", "policy"})
	r.cacheHotRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "hot_entry_ratio", Help: "Fraction of L1 entries marked hot",
	})
	r.reg.MustRegister(r.cacheHits, r.cacheMisses, r.cacheEvictions, r.cacheHotRatio)

	r.limiterImbalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "limiter", Name: "imbalance_ratio", Help: "(maxLoad-minLoad)/avgLoad across shards",
	})
	r.limiterRefusals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "limiter", Name: "refusals_total", Help: "Acquire/reserve refusals",
	})
	r.limiterReserved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "limiter", Name: "reservations_total", Help: "Reservations granted",
	})
	r.reg.MustRegister(r.limiterImbalance, r.limiterRefusals, r.limiterReserved)

	r.breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "breaker", Name: "state", Help: "0=closed 1=open 2=half_open 3=isolated",
	})
	r.breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "breaker", Name: "transitions_total", Help: "State transitions by destination state",
	}, []string{"to"})
	r.breakerProbes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "breaker", Name: "half_open_probes_total", Help: "Half-open probe calls issued",
	})
	r.reg.MustRegister(r.breakerState, r.breakerTransitions, r.breakerProbes)

	r.poolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pool", Name: "current_size", Help: "Current pool size",
	})
	r.poolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pool", Name: "in_use", Help: "Connections currently checked out",
	})
	r.poolTimeout = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pool", Name: "acquire_timeouts_total", Help: "Acquire calls that timed out",
	})
	r.poolSlowQry = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pool", Name: "slow_queries_total", Help: "Queries that exceeded the slow-query threshold",
	})
	r.reg.MustRegister(r.poolSize, r.poolInUse, r.poolTimeout, r.poolSlowQry)

	return r
}

// Handler returns an http.Handler serving this registry's metrics in the
// Prometheus exposition format, for mounting at "/metrics".
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Pipeline-facing observers.

func (r *Registry) ObserveItemStarted()             { r.itemsStarted.Inc() }
func (r *Registry) ObserveItemCompleted()            { r.itemsCompleted.Inc() }
func (r *Registry) ObserveItemFailed()               { r.itemsFailed.Inc() }
func (r *Registry) ObserveItemCancelled()            { r.itemsCancelled.Inc() }
func (r *Registry) ObserveBatchDuration(d time.Duration) { r.batchDuration.Observe(d.Seconds()) }

// Cache-facing observers.

func (r *Registry) ObserveCacheHit(tier string)  { r.cacheHits.WithLabelValues(tier).Inc() }
func (r *Registry) ObserveCacheMiss(tier string) { r.cacheMisses.WithLabelValues(tier).Inc() }
func (r *Registry) ObserveCacheEviction(tier, policy string) {
	r.cacheEvictions.WithLabelValues(tier, policy).Inc()
}
func (r *Registry) SetCacheHotRatio(ratio float64) { r.cacheHotRatio.Set(ratio) }

// Limiter-facing observers.

func (r *Registry) SetLimiterImbalance(ratio float64) { r.limiterImbalance.Set(ratio) }
func (r *Registry) ObserveLimiterRefusal()             { r.limiterRefusals.Inc() }
func (r *Registry) ObserveLimiterReservation()         { r.limiterReserved.Inc() }

// Breaker-facing observers. state follows breaker.State's ordering
// (closed=0, open=1, half_open=2, isolated=3).
func (r *Registry) SetBreakerState(state int)        { r.breakerState.Set(float64(state)) }
func (r *Registry) ObserveBreakerTransition(to string) { r.breakerTransitions.WithLabelValues(to).Inc() }
func (r *Registry) ObserveBreakerProbe()             { r.breakerProbes.Inc() }

// Pool-facing observers.

func (r *Registry) SetPoolSize(current, inUse int) {
	r.poolSize.Set(float64(current))
	r.poolInUse.Set(float64(inUse))
}
func (r *Registry) ObservePoolTimeout()    { r.poolTimeout.Inc() }
func (r *Registry) ObservePoolSlowQuery()  { r.poolSlowQry.Inc() }
