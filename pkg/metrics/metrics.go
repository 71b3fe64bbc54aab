// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the pinhole SFU.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsWaiting prometheus.Gauge
	PeersActive     prometheus.Gauge
	JoinsTotal      *prometheus.CounterVec
	CleanupsTotal   *prometheus.CounterVec

	// Control plane metrics
	ControlConnectionsActive prometheus.Gauge
	ControlConnectionsTotal  prometheus.Counter
	NotificationsTotal       *prometheus.CounterVec
	ProtocolErrorsTotal      prometheus.Counter

	// Relay metrics
	DatagramsForwarded prometheus.Counter
	DatagramsDropped   *prometheus.CounterVec
	BytesRelayed       prometheus.Counter
	EndpointsLearned   prometheus.Counter
}

// New creates a new Metrics instance with all counters, gauges, and histograms.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "pinhole"
	}

	return &Metrics{
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently in the registry",
		}),
		SessionsWaiting: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_waiting",
			Help:      "Number of sessions waiting for a second peer",
		}),
		PeersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_active",
			Help:      "Number of registered peers",
		}),
		JoinsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "joins_total",
				Help:      "Total number of JOIN requests by result",
			},
			[]string{"result"},
		),
		CleanupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanups_total",
				Help:      "Total number of peer teardowns by trigger",
			},
			[]string{"trigger"},
		),
		ControlConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_connections_active",
			Help:      "Number of open control connections",
		}),
		ControlConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_connections_total",
			Help:      "Total number of accepted control connections",
		}),
		NotificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total lifecycle notifications by type and result",
			},
			[]string{"type", "result"},
		),
		ProtocolErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total control connections closed on protocol errors",
		}),
		DatagramsForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_forwarded_total",
			Help:      "Total UDP datagrams forwarded to a partner endpoint",
		}),
		DatagramsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagrams_dropped_total",
				Help:      "Total UDP datagrams dropped by reason",
			},
			[]string{"reason"},
		),
		BytesRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total payload bytes forwarded between peers",
		}),
		EndpointsLearned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoints_learned_total",
			Help:      "Total UDP endpoints bound from registration datagrams",
		}),
	}
}
