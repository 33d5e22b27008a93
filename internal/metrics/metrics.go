// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package metrics

import (
	"github.com/foundriesio/fwota/pkg/ota"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the update engine Prometheus metrics
type Metrics struct {
	Sessions          *prometheus.CounterVec
	Failures          *prometheus.CounterVec
	BytesReceived     prometheus.Counter
	InProgress        prometheus.Gauge
	LastImageBytes    prometheus.Gauge
	RestartsScheduled prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwota_update_sessions_total",
			Help: "Total number of finished update sessions",
		}, []string{"backend", "result"}),

		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwota_update_failures_total",
			Help: "Total number of failed update sessions by failure kind",
		}, []string{"kind"}),

		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwota_update_bytes_received_total",
			Help: "Total number of firmware bytes accepted by storage backends",
		}),

		InProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwota_update_in_progress",
			Help: "Whether an update session is in progress (1) or not (0)",
		}),

		LastImageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwota_update_last_image_bytes",
			Help: "Size of the last successfully installed image",
		}),

		RestartsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwota_restarts_scheduled_total",
			Help: "Total number of device restarts scheduled after an update",
		}),
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Sessions.Describe(ch)
	m.Failures.Describe(ch)
	m.BytesReceived.Describe(ch)
	m.InProgress.Describe(ch)
	m.LastImageBytes.Describe(ch)
	m.RestartsScheduled.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Sessions.Collect(ch)
	m.Failures.Collect(ch)
	m.BytesReceived.Collect(ch)
	m.InProgress.Collect(ch)
	m.LastImageBytes.Collect(ch)
	m.RestartsScheduled.Collect(ch)
}

// Register registers all metrics with reg
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}

func (m *Metrics) SessionStarted(string, ota.StartRequest, ota.BackendKind) {
	m.InProgress.Set(1)
}

func (m *Metrics) SessionFinished(res ota.Result) {
	m.InProgress.Set(0)
	result := "success"
	if res.Succeeded() {
		m.LastImageBytes.Set(float64(res.Received))
	} else {
		result = "failure"
		m.Failures.WithLabelValues(ota.GetKind(res.Err).String()).Inc()
	}
	m.Sessions.WithLabelValues(res.Backend.String(), result).Inc()
	m.BytesReceived.Add(float64(res.Received))
}

func (m *Metrics) RestartScheduled() {
	m.RestartsScheduled.Inc()
}
