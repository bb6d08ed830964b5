// Package metrics declares the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Source chain ingestion
	ChainHeadBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_chain_head_block",
			Help: "Latest block number reported by the source chain RPC",
		},
		[]string{"chain"},
	)

	CheckpointBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_checkpoint_block",
			Help: "Block number of the persisted checkpoint cursor",
		},
		[]string{"chain"},
	)

	RPCErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rpc_errors_total",
			Help: "Total number of failed source chain RPC calls",
		},
		[]string{"chain", "method"},
	)

	Reorgs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_reorgs_total",
			Help: "Total number of chain reorganizations that rewound the cursor",
		},
		[]string{"chain"},
	)

	// Event pipeline
	EventsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_observed_total",
			Help: "Total number of Deposit logs handed to the engine",
		},
		[]string{"chain"},
	)

	EventsMalformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_malformed_total",
			Help: "Total number of logs dropped because they could not be normalized",
		},
		[]string{"chain"},
	)

	EventsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_duplicate_total",
			Help: "Total number of observations rejected by the duplicate gate",
		},
		[]string{"chain"},
	)

	AttestationsSigned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_attestations_signed_total",
			Help: "Total number of attestations signed and persisted",
		},
		[]string{"chain"},
	)

	AttestationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_attestations_delivered_total",
			Help: "Total number of attestations handed to deliverers",
		},
		[]string{"chain"},
	)

	ProcessingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_processing_failures_total",
			Help: "Total number of failed processing attempts",
		},
		[]string{"chain", "stage"},
	)

	PermanentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_permanent_failures_total",
			Help: "Total number of deposits that exhausted automatic retries",
		},
		[]string{"chain"},
	)

	OrphanedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_orphaned_records_total",
			Help: "Total number of records flagged orphaned by a reorganization",
		},
		[]string{"chain"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Delivery and alerting
	DeliveryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_errors_total",
			Help: "Total number of failed deliveries per deliverer",
		},
		[]string{"deliverer"},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_alerts_sent_total",
			Help: "Total number of alerts emitted",
		},
		[]string{"type"},
	)
)
