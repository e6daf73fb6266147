package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Import pipeline metrics
	ImportBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_import_batches_total",
			Help: "Total number of import batches by terminal status",
		},
		[]string{"status"},
	)

	ImportLinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_import_lines_total",
			Help: "Total number of imported artifact lines by result status",
		},
		[]string{"status"},
	)

	ImportBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repository_import_batch_duration_seconds",
			Help:    "Time taken to process one import batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Deduplication metrics
	DedupDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_dedup_decisions_total",
			Help: "Total deduplication decisions by determination and confidence",
		},
		[]string{"determination", "confidence"},
	)

	CandidateRetrievalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repository_dedup_candidate_retrieval_seconds",
			Help:    "Time taken to retrieve dedup candidates from the search store",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatch metrics
	PendingEnhancements = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "repository_pending_enhancements",
			Help: "Pending enhancements by status",
		},
		[]string{"status"},
	)

	RobotBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_robot_batches_total",
			Help: "Robot enhancement batches by terminal status",
		},
		[]string{"status"},
	)

	LeaseRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_lease_renewals_total",
			Help: "Lease renewal attempts by outcome",
		},
		[]string{"outcome"},
	)

	SweeperExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repository_sweeper_expired_total",
			Help: "Pending enhancements reclaimed by the lease sweeper",
		},
	)

	RobotNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_robot_notifications_total",
			Help: "Batch push notifications to robots by outcome",
		},
		[]string{"outcome"},
	)

	// Percolation metrics
	PercolationMatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repository_percolation_matches_total",
			Help: "Automation matches produced by percolation",
		},
	)

	PercolationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repository_percolation_duration_seconds",
			Help:    "Time taken to percolate one change batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Search store metrics
	ProjectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_projections_total",
			Help: "Reference projections into the search store by outcome",
		},
		[]string{"outcome"},
	)

	IndexOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_index_operations_total",
			Help: "Index manager operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	RepairCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repository_repair_cycles_total",
			Help: "Completed repair/reconcile cycles",
		},
	)

	RepairDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repository_repair_duration_seconds",
			Help:    "Time taken by one repair cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Bus metrics
	BusTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_bus_tasks_total",
			Help: "Bus task deliveries by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	BusDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "repository_bus_depth",
			Help: "Tasks waiting or in flight per queue",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(
		ImportBatchesTotal,
		ImportLinesTotal,
		ImportBatchDuration,
		DedupDecisionsTotal,
		CandidateRetrievalDuration,
		PendingEnhancements,
		RobotBatchesTotal,
		LeaseRenewalsTotal,
		SweeperExpiredTotal,
		RobotNotificationsTotal,
		PercolationMatchesTotal,
		PercolationDuration,
		ProjectionsTotal,
		IndexOperationsTotal,
		RepairCyclesTotal,
		RepairDuration,
		BusTasksTotal,
		BusDepth,
	)
}

// Handler returns the HTTP handler exposing the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
