// Package config provides configuration defaults and utilities
// for the shieldedge application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via the config directory or environment
// variables.
package config

import "time"

// =============================================================================
// Collector Defaults
// =============================================================================

const (
	// DefaultPollIntervalMs is the register-block poll interval.
	// Override via config: sources.<id>.interval_ms
	DefaultPollIntervalMs = 1000

	// DefaultPullIntervalSec is the HTTP pull interval per endpoint.
	// Override via config: sources.<id>.interval_sec
	DefaultPullIntervalSec = 60

	// DefaultBackoffMin is the minimum reconnect backoff.
	// Override via config: sources.<id>.backoff.min
	DefaultBackoffMin = 1 * time.Second

	// DefaultBackoffMax is the maximum reconnect backoff.
	// Override via config: sources.<id>.backoff.max
	DefaultBackoffMax = 60 * time.Second

	// DefaultBackoffJitter is the fraction of jitter applied to every
	// backoff delay (0.2 = ±20%).
	DefaultBackoffJitter = 0.2

	// DefaultOutputQueueSize is the capacity of a collector's output channel.
	// Sized so 1 Hz × ~100 tags keeps end-to-end latency under budget.
	// Override via config: sources.<id>.queue_size
	DefaultOutputQueueSize = 1024

	// DefaultStopDeadline bounds the drain of in-flight reads during Stop.
	DefaultStopDeadline = 10 * time.Second
)

// =============================================================================
// Quality Pipeline Defaults
// =============================================================================

const (
	// DefaultHistorySize is the per-tag rolling history of good samples (N).
	// Override via config: pipeline.history_size
	DefaultHistorySize = 8

	// DefaultHistoryWindow bounds the age of rolling history entries.
	DefaultHistoryWindow = 30 * time.Second

	// DefaultGapMaxSeconds is the largest gap the interpolation stage fills.
	// Exactly at the limit interpolates; one millisecond over drops.
	// Override via config: pipeline.gap_max_seconds
	DefaultGapMaxSeconds = 10.0

	// DefaultGapFlushInterval is how often pending gaps past their
	// look-ahead window are resolved.
	DefaultGapFlushInterval = 1 * time.Second
)

// =============================================================================
// Buffer Writer Defaults
// =============================================================================

const (
	// DefaultBufferMaxSize is the per-table FIFO capacity in records.
	// Override via config: buffer.max_size
	DefaultBufferMaxSize = 10000

	// DefaultFlushThreshold triggers an early flush when a FIFO reaches it.
	// Override via config: buffer.flush_threshold
	DefaultFlushThreshold = 1000

	// DefaultFlushInterval is the wall-time flush cadence.
	// Override via config: buffer.flush_interval
	DefaultFlushInterval = 5 * time.Second

	// DefaultFlushRetryDelay is the wait before the single flush retry.
	DefaultFlushRetryDelay = 100 * time.Millisecond

	// DefaultShutdownGrace bounds the shutdown drain. Remaining records are
	// moved to the poison sidecar when it elapses.
	// Override via config: buffer.shutdown_grace
	DefaultShutdownGrace = 30 * time.Second
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultDBPath is the embedded database file. Override via DB_PATH or
	// config: store.path
	DefaultDBPath = "data/edge.db"

	// DefaultPoisonDir receives batches that failed to flush twice.
	DefaultPoisonDir = "poison"

	// DefaultBusyRetries is the retry count for database-busy errors.
	DefaultBusyRetries = 3

	// DefaultRetentionDays keeps raw sample rows before archival.
	// Override via config: store.retention_days per table
	DefaultRetentionDays = 90

	// DefaultRetentionInterval is the cadence of the archival job.
	DefaultRetentionInterval = 1 * time.Hour

	// DefaultArchiveBatchSize is how many rows one archival page moves.
	DefaultArchiveBatchSize = 5000
)

// BusyRetryDelays are the waits between database-busy retries.
var BusyRetryDelays = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
}

// =============================================================================
// Ring Aligner Defaults
// =============================================================================

const (
	// DefaultAlignerTickInterval is the cadence of the alignment job.
	// Override via config: aligner.tick_interval
	DefaultAlignerTickInterval = 300 * time.Second

	// DefaultSettlementLagWindow is how long after ring start settlement
	// measurements are associated. Inclusive lower bound, exclusive upper.
	// Override via config: aligner.settlement_lag_window
	DefaultSettlementLagWindow = 120 * time.Second

	// DefaultGraceWindow is the post-write interval during which a summary
	// may be updated once with delayed monitoring data.
	// Override via config: aligner.grace_window
	DefaultGraceWindow = 8 * time.Hour

	// DefaultMaxRingAge finalizes incomplete rings after this long.
	// Override via config: aligner.max_ring_age
	DefaultMaxRingAge = 24 * time.Hour
)

// =============================================================================
// Ring Geometry Defaults
// =============================================================================

const (
	// DefaultTunnelDiameter is the excavation diameter in meters.
	// Override via config: aligner.geometry.tunnel_diameter
	DefaultTunnelDiameter = 6.2

	// DefaultRingWidth is the advance per ring in meters.
	// Override via config: aligner.geometry.ring_width
	DefaultRingWidth = 1.5
)

// =============================================================================
// Service Defaults
// =============================================================================

const (
	// DefaultRingPageSize is the page size ListRings uses when the caller
	// does not set one.
	DefaultRingPageSize = 100

	// MaxRingPageSize caps the page size a caller may request.
	MaxRingPageSize = 1000
)

// =============================================================================
// Observability Defaults
// =============================================================================

const (
	// DefaultConfigWatchInterval is how often the config watcher polls
	// the directory for modified files.
	DefaultConfigWatchInterval = 10 * time.Second

	// DefaultLogLimitInterval is the minimum spacing between log lines of
	// the same failure kind, to avoid log storms.
	DefaultLogLimitInterval = 30 * time.Second

	// DefaultLatencySketchAccuracy is the DDSketch relative accuracy used
	// for pipeline latency distributions.
	DefaultLatencySketchAccuracy = 0.01

	// DefaultIndicatorSketchAccuracy is the DDSketch relative accuracy
	// used for per-ring indicator quantiles.
	DefaultIndicatorSketchAccuracy = 0.01
)
