package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueItemsProcessed tracks flush outcomes per transaction type
	// status: processed, failed
	QueueItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_queue_items_total",
		Help: "Total number of queued transactions submitted during flushes",
	}, []string{"status", "type"})

	// FlushDuration measures how long a full flush cycle takes
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_flush_duration_seconds",
		Help:    "Duration of a complete offline queue flush in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ChunkSize tracks the number of transactions sent per batch call
	ChunkSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_flush_chunk_size",
		Help:    "Number of transactions submitted per batch call",
		Buckets: []float64{1, 10, 25, 50, 100, 500, 1000},
	})

	// ChunkFailures counts batch calls that failed at the transport level
	ChunkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_flush_chunk_failures_total",
		Help: "Batch calls that failed before the backend returned a verdict",
	}, []string{"type"})

	// FlushSkipped counts flushes that did not run
	// reason: offline, offline_mode, in_flight
	FlushSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_flush_skipped_total",
		Help: "Flush attempts skipped before submitting anything",
	}, []string{"reason"})

	// QueueBacklog is the number of transactions waiting locally
	// This is the primary indicator of how far the device is behind
	QueueBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_queue_backlog",
		Help: "Current number of transactions held in the offline queue",
	})

	// ImportRows counts parsed import rows by validity
	ImportRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_import_rows_total",
		Help: "Rows parsed from bulk import payloads",
	}, []string{"validity"})

	// ImportRecords counts submitted import records by outcome
	// outcome: created, failed, skipped
	ImportRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_import_records_total",
		Help: "Records submitted to the bulk creation endpoint by outcome",
	}, []string{"outcome"})

	// BrokerHealthy provides a binary 0/1 signal for the event publisher link
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_broker_healthy",
		Help: "Current health of the RabbitMQ event link (1 healthy, 0 down)",
	})
)
