package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync protocol metrics: pushes accepted/rejected, pull sizes, merge
// conflicts by kind, compression warnings, version assignment latency.
var (
	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncdb",
			Subsystem: "protocol",
			Name:      "pushes_total",
			Help:      "Total push requests by outcome (accepted, rejected, error)",
		},
		[]string{"outcome"},
	)

	PullOperationsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "syncdb",
			Subsystem: "protocol",
			Name:      "pull_operations_returned",
			Help:      "Number of compressed operations returned per pull",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		},
	)

	MergeConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncdb",
			Subsystem: "merge",
			Name:      "conflicts_total",
			Help:      "Identity conflicts detected by kind (delete_delete, delete_update, update_update, dependency, reversed_dependency, insert_collision, unique_swap)",
		},
		[]string{"kind"},
	)

	CompressionWarningsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncdb",
			Subsystem: "journal",
			Name:      "compression_warnings_total",
			Help:      "Operation sequences that did not match the local compression grammar",
		},
	)

	VersionAssignmentSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "syncdb",
			Subsystem: "protocol",
			Name:      "version_assignment_seconds",
			Help:      "Latency of assigning a new version to an accepted push, inside its transaction",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)
)
