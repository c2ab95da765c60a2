// Package metrics declares the Prometheus collectors of the connection graph.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionRequests counts RequestConnection outcomes by result code.
	ConnectionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chiller",
		Subsystem: "connections",
		Name:      "requests_total",
		Help:      "Connection requests by outcome.",
	}, []string{"result"})

	// ConnectionResponses counts Respond outcomes by decision and result code.
	ConnectionResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chiller",
		Subsystem: "connections",
		Name:      "responses_total",
		Help:      "Responses to connection requests by decision and outcome.",
	}, []string{"decision", "result"})

	// DegreeRecomputes counts per-subject degree recomputations.
	DegreeRecomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chiller",
		Subsystem: "degrees",
		Name:      "recomputes_total",
		Help:      "Per-subject degree edge recomputations by outcome.",
	}, []string{"result"})

	// DegreeRecomputeDuration observes the time spent replacing one subject's edges.
	DegreeRecomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chiller",
		Subsystem: "degrees",
		Name:      "recompute_duration_seconds",
		Help:      "Time spent recomputing the degree edges of one subject.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// RepairQueueDepth is the number of subjects awaiting repair.
	RepairQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chiller",
		Subsystem: "degrees",
		Name:      "repair_queue_depth",
		Help:      "Subjects whose degree edges are waiting for a repair pass.",
	})

	// DiscoveryMatches counts contacts matched to registered users.
	DiscoveryMatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chiller",
		Subsystem: "discovery",
		Name:      "matches_total",
		Help:      "Phone contacts matched to registered users.",
	})
)

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)
