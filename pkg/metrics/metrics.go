package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_executions_total",
			Help: "Total number of workflow executions by terminal status",
		},
		[]string{"workflow_id", "status", "trigger"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowmesh_execution_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"workflow_id"},
	)

	NodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	NodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowmesh_node_execution_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"node_type"},
	)

	NodeRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_node_retries_total",
			Help: "Total number of node-level retries",
		},
		[]string{"node_type"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowmesh_queue_depth",
			Help: "Number of jobs waiting in the queue",
		},
		[]string{"priority"},
	)

	JobsProcessing = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowmesh_jobs_processing",
			Help: "Number of jobs currently being processed",
		},
	)

	JobRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowmesh_job_retries_total",
			Help: "Total number of job-level retries",
		},
	)

	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_snapshots_total",
			Help: "Total number of state snapshots taken",
		},
		[]string{"checkpoint_type"},
	)

	SnapshotBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowmesh_snapshot_bytes",
			Help:    "Serialized snapshot size in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)
)

// RecordExecution records a finished workflow execution.
func RecordExecution(workflowID, status, trigger string, seconds float64) {
	ExecutionsTotal.WithLabelValues(workflowID, status, trigger).Inc()
	ExecutionDuration.WithLabelValues(workflowID).Observe(seconds)
}

// RecordNodeExecution records a finished node execution.
func RecordNodeExecution(nodeType, status string, seconds float64) {
	NodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	NodeExecutionDuration.WithLabelValues(nodeType).Observe(seconds)
}

// RecordSnapshot records one snapshot write.
func RecordSnapshot(checkpointType string, size int) {
	SnapshotsTotal.WithLabelValues(checkpointType).Inc()
	SnapshotBytes.Observe(float64(size))
}
