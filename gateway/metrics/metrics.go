// Copyright 2025 ModelGate
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

// Package metrics exposes Prometheus metrics for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts completion requests by final status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_requests_total",
			Help: "Total number of completion requests processed",
		},
		[]string{"status"},
	)

	// RequestDuration tracks end-to-end request latency.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelgate_request_duration_milliseconds",
			Help:    "Request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"stage"},
	)

	// AdmissionDecisions counts policy evaluation outcomes.
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_admission_decisions_total",
			Help: "Total number of admission policy decisions",
		},
		[]string{"action"},
	)

	// ProviderCalls counts upstream model calls by provider and status.
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_provider_calls_total",
			Help: "Total number of upstream model API calls",
		},
		[]string{"provider", "status"},
	)

	// RouteAttempts counts dispatch attempts by attempt number.
	RouteAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_route_attempts_total",
			Help: "Total number of routing attempts, labeled by ordinal",
		},
		[]string{"attempt"},
	)

	// CostTotal accumulates accounted spend in USD.
	CostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_cost_usd_total",
			Help: "Total accounted cost in USD",
		},
		[]string{"provider", "model"},
	)

	// ThreatsDetected counts security scan findings by category.
	ThreatsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_threats_detected_total",
			Help: "Total number of security threats detected in requests",
		},
		[]string{"category", "severity"},
	)

	// TelemetrySubscribers gauges current live telemetry connections.
	TelemetrySubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelgate_telemetry_subscribers",
			Help: "Current number of telemetry subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(AdmissionDecisions)
	prometheus.MustRegister(ProviderCalls)
	prometheus.MustRegister(RouteAttempts)
	prometheus.MustRegister(CostTotal)
	prometheus.MustRegister(ThreatsDetected)
	prometheus.MustRegister(TelemetrySubscribers)
}
