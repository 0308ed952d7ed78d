// Package metrics declares the Prometheus collectors of the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsIngested counts raw records accepted at intake per source.
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_records_ingested_total",
			Help: "Raw records accepted at intake",
		},
		[]string{"source"},
	)

	// RecordsRejected counts intake rows that failed envelope validation.
	RecordsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_records_rejected_total",
			Help: "Intake rows rejected by envelope validation",
		},
		[]string{"format"},
	)

	// RecordsMigrated counts raw records by the stage outcome they reached.
	RecordsMigrated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_records_migrated_total",
			Help: "Raw records by migration stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	// StageDuration tracks how long each migration stage takes.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_migration_stage_seconds",
			Help:    "Migration stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// TierOperations counts tier calls by tier, operation and result.
	TierOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_tier_operations_total",
			Help: "Backup tier operations",
		},
		[]string{"tier", "operation", "result"},
	)

	// TierLatency tracks tier call latency.
	TierLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_tier_latency_seconds",
			Help:    "Backup tier call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tier", "operation"},
	)

	// CircuitState is 0 closed, 1 open, 2 half-open per tier.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intake_tier_circuit_state",
			Help: "Circuit breaker state per tier (0 closed, 1 open, 2 half-open)",
		},
		[]string{"tier"},
	)

	// CorruptionsDetected counts checksum mismatches found per tier.
	CorruptionsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_tier_corruptions_total",
			Help: "Backup copies that failed checksum verification",
		},
		[]string{"tier"},
	)

	// DetectorFindings counts loss-detector findings by kind and severity.
	DetectorFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_detector_findings_total",
			Help: "Loss detector findings",
		},
		[]string{"kind", "severity"},
	)

	// RecoveryOperations counts finished recovery operations.
	RecoveryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_recovery_operations_total",
			Help: "Recovery operations by scope and terminal status",
		},
		[]string{"scope", "status"},
	)

	// RecordsRecovered counts records restored and re-queued by recovery.
	RecordsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_records_recovered_total",
			Help: "Records restored by recovery operations",
		},
		[]string{"scope"},
	)

	// SyncInconsistencies tracks the result of the last tier consistency pass.
	SyncInconsistencies = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intake_sync_last_result",
			Help: "Counts from the most recent tier consistency check",
		},
		[]string{"kind"},
	)
)
