// Package loader - Configuration Types
//
// Defines the YAML structure of the configuration directory. Every file in
// the directory is parsed into a File; sections from later files merge over
// earlier ones, so operators can split sources, thresholds and calibration
// into separate files.
package loader

import (
	"time"
)

// =============================================================================
// File
// =============================================================================

// File is the root structure of one configuration file. Every section is
// optional; map sections merge across files, struct sections replace.
type File struct {
	// Sources maps source id to its definition.
	Sources map[string]*SourceYAML `yaml:"sources"`

	// Pipeline configures the quality pipeline.
	Pipeline *PipelineYAML `yaml:"pipeline"`

	// Thresholds maps tag name to its valid range.
	Thresholds map[string]*ThresholdYAML `yaml:"thresholds"`

	// Calibration maps tag name to its linear correction.
	Calibration map[string]*CalibrationYAML `yaml:"calibration"`

	// Reasonableness holds rate and cross-tag rules.
	Reasonableness *ReasonablenessYAML `yaml:"reasonableness"`

	// Buffer configures the buffer writer.
	Buffer *BufferYAML `yaml:"buffer"`

	// Store configures the embedded database.
	Store *StoreYAML `yaml:"store"`

	// Aligner configures the ring alignment job.
	Aligner *AlignerYAML `yaml:"aligner"`
}

// =============================================================================
// Sources
// =============================================================================

// SourceYAML defines one data source.
type SourceYAML struct {
	// Kind selects the collector variant.
	//   subscription - server pushes on change
	//   polling      - fixed-interval register block reads
	//   pull         - periodic HTTP fetch
	//   snmp         - periodic SNMP poll
	Kind string `yaml:"kind"`

	// Endpoint is "host:port" for register and SNMP sources, a URL for
	// pull sources.
	Endpoint string `yaml:"endpoint"`

	// Table is the destination sample table: plc, attitude, monitoring.
	Table string `yaml:"table"`

	// Tags is the channel list.
	Tags []TagYAML `yaml:"tags"`

	// IntervalMs is the poll cadence for polling sources.
	// Default: 1000
	IntervalMs int `yaml:"interval_ms"`

	// IntervalSec is the fetch cadence for pull and SNMP sources.
	// Default: 60
	IntervalSec int `yaml:"interval_sec"`

	// Backoff bounds reconnect backoff.
	Backoff *BackoffYAML `yaml:"backoff"`

	// QueueSize is the output channel capacity. Default: 1024
	QueueSize int `yaml:"queue_size"`

	// Auth is the pull authentication mode: none, bearer, basic.
	Auth string `yaml:"auth"`

	// TokenEnv names the environment variable holding the bearer token
	// or basic-auth password.
	TokenEnv string `yaml:"token_env"`

	// Username is the basic-auth user name.
	Username string `yaml:"username"`

	// Community is the SNMP community string. Default: "public"
	Community string `yaml:"community"`

	// RingNumberTag names the tag carrying the PLC ring counter.
	RingNumberTag string `yaml:"ring_number_tag"`
}

// TagYAML defines one channel of a source.
type TagYAML struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Unit    string `yaml:"unit"`
	Address string `yaml:"address"`
}

// BackoffYAML bounds reconnect backoff.
type BackoffYAML struct {
	// Min is the first delay. Default: 1s
	Min Duration `yaml:"min"`

	// Max caps the delay. Default: 60s
	Max Duration `yaml:"max"`

	// Jitter is the symmetric jitter fraction. Default: 0.2
	Jitter *float64 `yaml:"jitter"`
}

// =============================================================================
// Pipeline
// =============================================================================

// PipelineYAML configures the quality pipeline.
type PipelineYAML struct {
	// HistorySize is the per-tag rolling history of good samples.
	// Default: 8
	HistorySize int `yaml:"history_size"`

	// HistoryWindow bounds the age of history entries. Default: 30s
	HistoryWindow Duration `yaml:"history_window"`

	// GapMaxSeconds is the largest gap interpolation fills. Default: 10
	GapMaxSeconds float64 `yaml:"gap_max_seconds"`
}

// ThresholdYAML bounds a tag's valid range.
type ThresholdYAML struct {
	Min      float64  `yaml:"min"`
	Max      float64  `yaml:"max"`
	WarnLow  *float64 `yaml:"warn_low"`
	WarnHigh *float64 `yaml:"warn_high"`
}

// CalibrationYAML is a per-tag linear correction.
type CalibrationYAML struct {
	Offset float64 `yaml:"offset"`
	Scale  float64 `yaml:"scale"`

	// Type must be "linear" when set.
	Type string `yaml:"type"`
}

// ReasonablenessYAML holds physical-reasonableness rules.
type ReasonablenessYAML struct {
	// Tags maps tag name to its rate bound.
	Tags map[string]*RateRuleYAML `yaml:"tags"`

	// Cross lists cross-tag implications.
	Cross []CrossRuleYAML `yaml:"cross"`
}

// RateRuleYAML bounds a tag's first derivative.
type RateRuleYAML struct {
	// MaxRate is the largest allowed |dvalue/dt| per second.
	MaxRate float64 `yaml:"max_rate"`
}

// CrossRuleYAML is an implication between two tags.
type CrossRuleYAML struct {
	Name         string  `yaml:"name"`
	When         string  `yaml:"when"`
	WhenAbove    float64 `yaml:"when_above"`
	Require      string  `yaml:"require"`
	RequireAbove float64 `yaml:"require_above"`
}

// =============================================================================
// Buffer
// =============================================================================

// BufferYAML configures the buffer writer.
type BufferYAML struct {
	// MaxSize is the per-table FIFO capacity. Default: 10000
	MaxSize int `yaml:"max_size"`

	// FlushThreshold triggers an early flush. Default: 1000
	FlushThreshold int `yaml:"flush_threshold"`

	// FlushInterval is the wall-time flush cadence. Default: 5s
	FlushInterval Duration `yaml:"flush_interval"`

	// ShutdownGrace bounds the shutdown drain. Default: 30s
	ShutdownGrace Duration `yaml:"shutdown_grace"`

	// Overflow: drop_oldest, drop_newest, block. Default: drop_oldest
	Overflow string `yaml:"overflow"`

	// PoisonDir receives batches that failed to flush twice.
	// Default: "poison"
	PoisonDir string `yaml:"poison_dir"`
}

// =============================================================================
// Store
// =============================================================================

// StoreYAML configures the embedded database.
type StoreYAML struct {
	// Path is the database file. Overridable via DB_PATH.
	// Default: "data/edge.db"
	Path string `yaml:"path"`

	// BusyRetries is the retry count for busy errors. Default: 3
	BusyRetries int `yaml:"busy_retries"`

	// RetentionDays maps table name to raw-row retention.
	// Default: 90 for the three sample tables.
	RetentionDays map[string]int `yaml:"retention_days"`

	// ArchiveDir receives Parquet archives of purged rows.
	ArchiveDir string `yaml:"archive_dir"`
}

// =============================================================================
// Aligner
// =============================================================================

// AlignerYAML configures the ring alignment job.
type AlignerYAML struct {
	// TickInterval is the job cadence. Default: 300s
	TickInterval Duration `yaml:"tick_interval"`

	// SettlementLagWindow associates monitoring samples after ring
	// start. Default: 120s
	SettlementLagWindow Duration `yaml:"settlement_lag_window"`

	// GraceWindow allows one post-write summary update. Default: 8h
	GraceWindow Duration `yaml:"grace_window"`

	// MaxRingAge finalizes incomplete rings. Default: 24h
	MaxRingAge Duration `yaml:"max_ring_age"`

	Geometry *GeometryYAML `yaml:"geometry"`

	// CutterheadRPM is the nominal cutterhead speed fallback.
	CutterheadRPM float64 `yaml:"cutterhead_rpm"`

	Zones []ZoneYAML `yaml:"zones"`

	// Indicators maps aggregate indicator name to its source tag.
	Indicators map[string]string `yaml:"indicators"`

	// AttitudeTags maps attitude fields to tag names.
	AttitudeTags map[string]string `yaml:"attitude_tags"`

	SettlementTag   string `yaml:"settlement_tag"`
	DisplacementTag string `yaml:"displacement_tag"`
}

// GeometryYAML describes the excavation geometry.
type GeometryYAML struct {
	// TunnelDiameter in meters. Default: 6.2
	TunnelDiameter float64 `yaml:"tunnel_diameter"`

	// RingWidth in meters. Default: 1.5
	RingWidth float64 `yaml:"ring_width"`

	// TailVoidVolume in cubic meters. Default: derived from overcut
	TailVoidVolume float64 `yaml:"tail_void_volume"`
}

// ZoneYAML maps a ring range to a geological zone label.
type ZoneYAML struct {
	Name     string `yaml:"name"`
	FromRing int64  `yaml:"from_ring"`
	ToRing   int64  `yaml:"to_ring"`
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML, either
// as a duration string ("30s") or an integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// An integer node also decodes into a string, so try the integer
	// form first.
	var i int
	if err := unmarshal(&i); err == nil {
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
