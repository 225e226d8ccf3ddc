// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package metrics exposes the worker pool's (C7) and degradation
// controller's (C9) running counters as Prometheus collectors (spec §4.7,
// §4.9 "stats exposition"), in the package-level-vars-plus-init-registration
// style the example pack's metrics packages use.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kb-labs/plugin-runtime/internal/degradation"
	"github.com/kb-labs/plugin-runtime/internal/structs"
)

var (
	PoolRequestsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plugin_runtime_pool_requests_total",
		Help: "Total requests submitted to the worker pool",
	})
	PoolSuccessTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plugin_runtime_pool_success_total",
		Help: "Worker pool requests that completed successfully",
	})
	PoolErrorTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plugin_runtime_pool_error_total",
		Help: "Worker pool requests that completed with an error",
	})
	PoolAcquireTimeoutsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plugin_runtime_pool_acquire_timeouts_total",
		Help: "Worker pool submissions that timed out waiting for a worker",
	})
	PoolQueueFullTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plugin_runtime_pool_queue_full_total",
		Help: "Worker pool submissions rejected because the queue was full",
	})
	PoolWorkerCrashesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plugin_runtime_pool_worker_crashes_total",
		Help: "Worker crashes observed by the pool",
	})
	PoolWorkersRecycledTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plugin_runtime_pool_workers_recycled_total",
		Help: "Workers recycled after hitting a request/uptime cap",
	})
	PoolExecutionMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plugin_runtime_pool_execution_ms",
		Help: "Worker pool execution time in milliseconds, by quantile",
	}, []string{"quantile"})
	PoolWaitMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plugin_runtime_pool_wait_ms",
		Help: "Worker pool queue wait time in milliseconds, by quantile",
	}, []string{"quantile"})

	DegradationState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plugin_runtime_degradation_state",
		Help: "Degradation controller state (0=normal, 1=degraded, 2=critical)",
	})
)

func init() {
	prometheus.MustRegister(
		PoolRequestsTotal, PoolSuccessTotal, PoolErrorTotal,
		PoolAcquireTimeoutsTotal, PoolQueueFullTotal,
		PoolWorkerCrashesTotal, PoolWorkersRecycledTotal,
		PoolExecutionMs, PoolWaitMs, DegradationState,
	)
}

// UpdatePoolStats sets every pool gauge from a fresh structs.PoolStats
// snapshot. Called on whatever cadence the host adapter scrapes at (spec
// doesn't mandate push vs. pull; this module only maintains the gauges).
func UpdatePoolStats(s structs.PoolStats) {
	PoolRequestsTotal.Set(float64(s.TotalRequests))
	PoolSuccessTotal.Set(float64(s.SuccessCount))
	PoolErrorTotal.Set(float64(s.ErrorCount))
	PoolAcquireTimeoutsTotal.Set(float64(s.AcquireTimeouts))
	PoolQueueFullTotal.Set(float64(s.QueueFullRejections))
	PoolWorkerCrashesTotal.Set(float64(s.WorkerCrashes))
	PoolWorkersRecycledTotal.Set(float64(s.WorkersRecycled))
	PoolExecutionMs.WithLabelValues("avg").Set(s.AvgExecutionMs)
	PoolExecutionMs.WithLabelValues("p95").Set(s.P95ExecutionMs)
	PoolExecutionMs.WithLabelValues("p99").Set(s.P99ExecutionMs)
	PoolWaitMs.WithLabelValues("avg").Set(s.AvgWaitMs)
	PoolWaitMs.WithLabelValues("p95").Set(s.P95WaitMs)
	PoolWaitMs.WithLabelValues("p99").Set(s.P99WaitMs)
}

// UpdateDegradationState sets the degradation gauge from the controller's
// current state.
func UpdateDegradationState(state degradation.State) {
	switch state {
	case degradation.StateCritical:
		DegradationState.Set(2)
	case degradation.StateDegraded:
		DegradationState.Set(1)
	default:
		DegradationState.Set(0)
	}
}

// Handler returns the Prometheus scrape handler for mounting on whatever
// HTTP mux the host process runs.
func Handler() http.Handler {
	return promhttp.Handler()
}
