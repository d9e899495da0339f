/*
Copyright 2022 The Koordinator Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics registers the execution scheduler's prometheus
// collectors: ticket/staging/using accounting, HOL-waiting, paging, and
// forced-eviction counters. Grounded on the general
// prometheus/client_golang collector-registration idiom this codebase
// depends on throughout (k8s.io/component-base/metrics wraps the same
// client library for its own plugin metrics).
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "gpu_execsched"

var (
	// ResourceUsingBytes reports the currently-charged amount for one
	// resource tag, labeled by device and resource type.
	ResourceUsingBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "resources",
		Name:      "using",
		Help:      "Currently charged (using) amount per resource tag.",
	}, []string{"device", "resource"})

	// ResourceStagingBytes reports the currently-staged (reserved but not
	// yet charged) amount per resource tag.
	ResourceStagingBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "resources",
		Name:      "staging",
		Help:      "Currently staged (reserved, uncharged) amount per resource tag.",
	}, []string{"device", "resource"})

	// ResourceLimitBytes reports the remaining capacity per resource tag.
	ResourceLimitBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "resources",
		Name:      "limit",
		Help:      "Remaining capacity per resource tag.",
	}, []string{"device", "resource"})

	// TicketsIssued counts tickets minted by the monitor.
	TicketsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resources",
		Name:      "tickets_issued_total",
		Help:      "Total tickets issued by the resource monitor.",
	})

	// SessionHOLWaiting reports the current head-of-line waiting counter
	// for a session.
	SessionHOLWaiting = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "hol_waiting",
		Help:      "Head-of-line waiting counter per session.",
	}, []string{"session"})

	// SessionQueueDepth reports the current bgQueue length per session.
	SessionQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "queue_depth",
		Help:      "Pending task count per session.",
	}, []string{"session"})

	// PagingAttemptsTotal counts paging attempts by outcome.
	PagingAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "paging",
		Name:      "attempts_total",
		Help:      "Paging attempts, labeled by outcome (volunteered, forced_evict, failed).",
	}, []string{"outcome"})

	// ForcedEvictionsTotal counts sessions force-evicted.
	ForcedEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "paging",
		Name:      "forced_evictions_total",
		Help:      "Total sessions force-evicted to recover from memory exhaustion.",
	})

	// LaneQueueDepth reports the pending-iteration count per lane.
	LaneQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "lane_queue_depth",
		Help:      "Pending iteration count per lane.",
	}, []string{"lane"})

	// LaneExpensiveRunning reports whether a lane's single expensive slot
	// is currently occupied (0 or 1).
	LaneExpensiveRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "lane_expensive_running",
		Help:      "1 if a lane's expensive iteration slot is occupied, else 0.",
	}, []string{"lane"})
)

func init() {
	prometheus.MustRegister(
		ResourceUsingBytes,
		ResourceStagingBytes,
		ResourceLimitBytes,
		TicketsIssued,
		SessionHOLWaiting,
		SessionQueueDepth,
		PagingAttemptsTotal,
		ForcedEvictionsTotal,
		LaneQueueDepth,
		LaneExpensiveRunning,
	)
}
