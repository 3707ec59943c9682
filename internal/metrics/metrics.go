// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes the relay's operational counters as a
// Prometheus scrape endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram the relay exposes, registered
// against its own registry so tests can construct independent instances.
type Metrics struct {
	registry *prometheus.Registry

	MessagesWritten   prometheus.Counter
	BroadcastsSent    *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	OpenTransports    prometheus.Gauge
	ProtocolErrors    *prometheus.CounterVec
}

// New builds and registers every metric.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		MessagesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evolu",
			Subsystem: "relay",
			Name:      "messages_written_total",
			Help:      "CRDT messages accepted and persisted.",
		}),
		BroadcastsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evolu",
			Subsystem: "relay",
			Name:      "broadcasts_sent_total",
			Help:      "Broadcast messages published, labeled by fan-out transport.",
		}, []string{"transport"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "evolu",
			Subsystem: "relay",
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent running one RBSR reconciliation pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		OpenTransports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "evolu",
			Subsystem: "relay",
			Name:      "open_transports",
			Help:      "Transports currently open in the resource pool.",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evolu",
			Subsystem: "relay",
			Name:      "protocol_errors_total",
			Help:      "Protocol error responses sent, labeled by error code.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.MessagesWritten,
		m.BroadcastsSent,
		m.ReconcileDuration,
		m.OpenTransports,
		m.ProtocolErrors,
	)
	return m
}

// Handler returns the HTTP handler to mount at the scrape path (e.g.
// "/metrics").
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveReconcile records how long a reconciliation pass took.
func (m *Metrics) ObserveReconcile(d time.Duration) {
	m.ReconcileDuration.Observe(d.Seconds())
}
