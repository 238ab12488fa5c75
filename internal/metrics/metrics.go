// Copyright 2025 Tom Barlow
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

// Package metrics defines the prometheus collectors fed by the queue
// telemetry hooks and worker outcomes. Exposition is the deployment's
// concern; the daemon only fills the registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tombee/dispatch/internal/queue"
)

// Metrics holds the collectors for one daemon process.
type Metrics struct {
	registry *prometheus.Registry

	RunsCreated     prometheus.Counter
	RunsCompleted   *prometheus.CounterVec
	StepsCompleted  *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	InboxDuplicates prometheus.Counter

	QueueWaiting   *prometheus.GaugeVec
	QueueDelayed   *prometheus.GaugeVec
	QueueOldestAge *prometheus.GaugeVec
	DLQDepth       *prometheus.GaugeVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "runs_created_total",
			Help:      "Runs created from submitted plans.",
		}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "runs_completed_total",
			Help:      "Runs reaching a terminal status.",
		}, []string{"status"}),
		StepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "steps_completed_total",
			Help:      "Steps reaching a terminal status.",
		}, []string{"status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "step_duration_seconds",
			Help:      "Tool execution duration per attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"tool", "outcome"}),
		InboxDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "inbox_duplicates_total",
			Help:      "Deliveries dropped by the inbox dedup guard.",
		}),
		QueueWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "queue_waiting",
			Help:      "Payloads waiting for delivery.",
		}, []string{"topic"}),
		QueueDelayed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "queue_delayed",
			Help:      "Payloads waiting on a retry backoff.",
		}, []string{"topic"}),
		QueueOldestAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "queue_oldest_age_seconds",
			Help:      "Age of the oldest waiting payload.",
		}, []string{"topic"}),
		DLQDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Name:      "dlq_depth",
			Help:      "Dead-lettered payloads per topic.",
		}, []string{"topic"}),
	}

	m.registry.MustRegister(
		m.RunsCreated, m.RunsCompleted, m.StepsCompleted, m.StepDuration,
		m.InboxDuplicates, m.QueueWaiting, m.QueueDelayed, m.QueueOldestAge,
		m.DLQDepth,
	)
	return m
}

// Registry returns the collector registry for exposition by the deployment.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveQueue records a telemetry sample for a topic.
func (m *Metrics) ObserveQueue(topic string, counts queue.Counts, oldest time.Duration) {
	m.QueueWaiting.WithLabelValues(topic).Set(float64(counts.Waiting))
	m.QueueDelayed.WithLabelValues(topic).Set(float64(counts.Delayed))
	m.QueueOldestAge.WithLabelValues(topic).Set(oldest.Seconds())
	m.DLQDepth.WithLabelValues(topic).Set(float64(counts.Failed))
}
