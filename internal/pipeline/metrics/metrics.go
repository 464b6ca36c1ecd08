package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReportsIngested tracks ingested failure reports by dedup outcome
	ReportsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_reports_ingested_total",
			Help: "Total number of failure reports ingested",
		},
		[]string{"outcome"}, // created, duplicate
	)

	// TasksEnqueued tracks enqueued evaluation tasks per transport
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_tasks_enqueued_total",
			Help: "Total number of evaluation tasks enqueued",
		},
		[]string{"transport"}, // stream, fallback
	)

	// TasksProcessed tracks worker task completions
	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_tasks_processed_total",
			Help: "Total number of evaluation tasks processed",
		},
		[]string{"transport", "result"}, // ok, error, skipped
	)

	// EvaluationLatency tracks rule engine evaluation latency
	EvaluationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mender_evaluation_latency_seconds",
			Help:    "Rule engine evaluation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ExecutionsTotal tracks auto-executions by terminal state
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_executions_total",
			Help: "Total number of recovery action executions",
		},
		[]string{"action", "state"},
	)

	// ClaimContention tracks execution claims lost to another worker
	ClaimContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mender_claim_contention_total",
			Help: "Execution claims lost to a concurrent worker",
		},
	)

	// TasksReclaimed tracks stalled tasks returned to the queue
	TasksReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mender_tasks_reclaimed_total",
			Help: "Stalled tasks reclaimed for redelivery",
		},
	)

	// TasksDeadLettered tracks tasks archived after exhausting reclaims
	TasksDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_tasks_dead_lettered_total",
			Help: "Tasks archived to the dead letter store",
		},
		[]string{"kind"},
	)

	// QueueDepth tracks eligible work per transport
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mender_queue_depth",
			Help: "Number of eligible tasks per transport",
		},
		[]string{"transport"},
	)

	// OutboxDelivered tracks outbox event deliveries
	OutboxDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_outbox_delivered_total",
			Help: "Outbox event delivery attempts by result",
		},
		[]string{"result"}, // ok, retry, dead_letter
	)

	// MaintenanceRuns tracks leader-elected job executions
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_maintenance_runs_total",
			Help: "Maintenance job runs by job and outcome",
		},
		[]string{"job", "outcome"}, // ok, error, lock_held
	)

	// DBConnectionPoolUsage tracks database pool utilization percent
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mender_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
