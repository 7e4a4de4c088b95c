package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Envelope flow metrics
	EnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_envelopes_total",
			Help: "Total number of envelopes received, by source channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	EnvelopeBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_envelope_bytes_total",
			Help: "Total payload bytes received, by source channel",
		},
		[]string{"channel"},
	)

	// Pipeline metrics
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inlet_pipeline_duration_seconds",
			Help:    "End-to-end duration of one pipeline run in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_rejections_total",
			Help: "Total rejected envelopes, by reason code",
		},
		[]string{"reason"},
	)

	// Security metrics
	ThreatMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_threat_matches_total",
			Help: "Total threat signature matches, by signature name",
		},
		[]string{"signature"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_rate_limit_hits_total",
			Help: "Total rate limit denials, by identity",
		},
		[]string{"identity"},
	)

	// Storage metrics
	StorageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inlet_storage_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_storage_errors_total",
			Help: "Total number of storage errors, by operation",
		},
		[]string{"op"},
	)

	VersionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inlet_version_conflicts_total",
			Help: "Total optimistic-concurrency conflicts on record updates",
		},
	)

	// Sync metrics
	SyncPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inlet_sync_pending_entries",
			Help: "Change queue entries not yet acknowledged by the replica",
		},
	)

	SyncPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inlet_sync_published_total",
			Help: "Change queue entries acknowledged by the replica",
		},
	)

	SyncErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inlet_sync_errors_total",
			Help: "Failed replication publish attempts",
		},
	)

	// Streaming metrics
	StreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inlet_stream_connections",
			Help: "Currently open streaming connections",
		},
	)

	// Filesystem metrics
	FilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_files_processed_total",
			Help: "Watched files processed, by outcome (processed or error)",
		},
		[]string{"outcome"},
	)
)
