// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loader

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status constants for callback metrics.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusPanicked = "panicked"
)

// CallbacksTotal counts plugin callback invocations.
// Use RegisterMetrics to register this with a Prometheus registry.
var CallbacksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "harness_plugin_callbacks_total",
		Help: "Total number of plugin lifecycle callback invocations",
	},
	[]string{"plugin", "phase", "status"},
)

// CallbackDuration observes how long each plugin callback ran.
// Use RegisterMetrics to register this with a Prometheus registry.
var CallbackDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "harness_plugin_callback_duration_seconds",
		Help:    "Plugin lifecycle callback duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"plugin", "phase"},
)

// workersRunning tracks start() goroutines that have not returned yet.
var workersRunning = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "harness_plugin_workers_running",
		Help: "Number of plugin start callbacks currently running",
	},
)

// stageGauge exposes the numeric Stage of the current loader run.
var stageGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "harness_loader_stage",
		Help: "Current loader stage (0=unset ... 7=unloading)",
	},
)

// RegisterMetrics registers loader metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(CallbacksTotal)
	reg.MustRegister(CallbackDuration)
	reg.MustRegister(workersRunning)
	reg.MustRegister(stageGauge)
}

// RecordCallback records one callback invocation.
func RecordCallback(plugin, phase, status string, duration time.Duration) {
	CallbacksTotal.WithLabelValues(plugin, phase, status).Inc()
	CallbackDuration.WithLabelValues(plugin, phase).Observe(duration.Seconds())
}
