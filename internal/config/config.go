// Package config defines the validated value structs the core consumes.
//
// The text configuration on disk is parsed by internal/loader; everything
// past the loader boundary works with the types in this package. A complete
// configuration is published as an immutable Snapshot through an atomic
// pointer, so hot paths read it without locks and a reload never tears an
// in-flight record.
package config

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Source Configuration
// =============================================================================

// SourceKind identifies the collector variant for a data source.
type SourceKind string

const (
	// KindSubscription is a server-push source: the library invokes a
	// callback per value change.
	KindSubscription SourceKind = "subscription"

	// KindPolling reads a block of registers at a fixed interval.
	KindPolling SourceKind = "polling"

	// KindPull fetches an HTTP endpoint periodically.
	KindPull SourceKind = "pull"

	// KindSNMP polls site environmental sensors over SNMP.
	KindSNMP SourceKind = "snmp"
)

// TagType is the wire type of a polled register or decoded field.
type TagType string

const (
	TypeFloat32BE TagType = "float32_be"
	TypeFloat32LE TagType = "float32_le"
	TypeFloat64BE TagType = "float64_be"
	TypeUint16    TagType = "uint16"
	TypeInt16     TagType = "int16"
	TypeUint32    TagType = "uint32"
	TypeInt32     TagType = "int32"
	TypeBool      TagType = "bool"
)

// RegisterWords returns the number of 16-bit registers the type occupies.
func (t TagType) RegisterWords() int {
	switch t {
	case TypeFloat32BE, TypeFloat32LE, TypeUint32, TypeInt32:
		return 2
	case TypeFloat64BE:
		return 4
	default:
		return 1
	}
}

// TagConfig describes one channel of a source.
type TagConfig struct {
	// Name is the tag name samples carry (e.g. "thrust_total").
	Name string

	// Type is the decode type for polling sources. Ignored by pull
	// sources, which decode per the JSON schema mapping.
	Type TagType

	// Unit is informational (e.g. "kN", "bar", "mm/min").
	Unit string

	// Address is source-specific: a register address, an OID, or a
	// JSON path into the pull response body.
	Address string
}

// AuthMode selects the pull-API authentication scheme.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBearer AuthMode = "bearer"
	AuthBasic  AuthMode = "basic"
)

// BackoffConfig bounds reconnect backoff. Delays grow exponentially from
// Min to Max with Jitter applied as a symmetric fraction.
type BackoffConfig struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64
}

// SourceConfig is the validated configuration of one data source.
type SourceConfig struct {
	// ID is the unique source identifier (e.g. "plc-main").
	ID string

	Kind SourceKind

	// Endpoint is the address of the source: "host:port" for register
	// and SNMP sources, a URL for pull sources.
	Endpoint string

	// Table is the destination sample table for this source's output.
	Table types.Table

	// Tags is the channel list. Polling sources read them as one
	// register block; subscription sources subscribe to each.
	Tags []TagConfig

	// IntervalMs is the poll cadence for polling sources.
	IntervalMs int

	// IntervalSec is the fetch cadence for pull and SNMP sources.
	IntervalSec int

	Backoff BackoffConfig

	// QueueSize is the capacity of the collector's output channel.
	QueueSize int

	// Auth applies to pull sources only.
	Auth AuthMode

	// TokenEnv names the environment variable holding the bearer token
	// or basic-auth password. Resolved once at start, never stored.
	TokenEnv string

	// Username is the basic-auth user name.
	Username string

	// Community is the SNMP community string (v2c).
	Community string

	// RingNumberTag names the tag carrying the PLC ring counter. Only
	// meaningful on the source that feeds ring detection.
	RingNumberTag string
}

// =============================================================================
// Quality Pipeline Configuration
// =============================================================================

// ThresholdConfig bounds a tag's valid range. Warn bounds are advisory
// and never alter the value.
type ThresholdConfig struct {
	Min      float64
	Max      float64
	WarnLow  *float64
	WarnHigh *float64
}

// CalibrationConfig is a per-tag linear transform applied after
// reasonableness checks: corrected = Offset + Scale*raw.
type CalibrationConfig struct {
	Offset float64
	Scale  float64
}

// CrossRule is an implication between two tags: when the value of When
// exceeds WhenAbove, the value of Require must exceed RequireAbove.
type CrossRule struct {
	Name         string
	When         string
	WhenAbove    float64
	Require      string
	RequireAbove float64
}

// PipelineConfig holds the quality pipeline settings.
type PipelineConfig struct {
	// HistorySize is the per-tag rolling history of good samples.
	HistorySize int

	// HistoryWindow bounds the age of history entries.
	HistoryWindow time.Duration

	// GapMaxSeconds is the largest gap interpolation fills. A gap of
	// exactly this size is still filled.
	GapMaxSeconds float64

	// Thresholds maps tag name to its valid range.
	Thresholds map[string]ThresholdConfig

	// MaxRates maps tag name to the largest allowed |dvalue/dt| per
	// second.
	MaxRates map[string]float64

	// CrossRules are the cross-tag implications.
	CrossRules []CrossRule

	// Calibrations maps tag name to its linear correction.
	Calibrations map[string]CalibrationConfig
}

// GapMax returns the gap limit as a duration.
func (p PipelineConfig) GapMax() time.Duration {
	return time.Duration(p.GapMaxSeconds * float64(time.Second))
}

// =============================================================================
// Buffer Writer Configuration
// =============================================================================

// OverflowPolicy selects what a full FIFO does with new records.
type OverflowPolicy string

const (
	// OverflowDropOldest evicts the oldest record to admit the new one.
	OverflowDropOldest OverflowPolicy = "drop_oldest"

	// OverflowDropNewest rejects the incoming record.
	OverflowDropNewest OverflowPolicy = "drop_newest"

	// OverflowBlock applies backpressure to the producer.
	OverflowBlock OverflowPolicy = "block"
)

// BufferConfig holds the buffer writer settings.
type BufferConfig struct {
	MaxSize        int
	FlushThreshold int
	FlushInterval  time.Duration
	FlushRetryDelay time.Duration
	ShutdownGrace  time.Duration
	Overflow       OverflowPolicy
	PoisonDir      string
}

// =============================================================================
// Store Configuration
// =============================================================================

// StoreConfig holds the embedded database settings.
type StoreConfig struct {
	// Path is the database file. ":memory:" is accepted for tests.
	Path string

	// BusyRetries is the retry count for database-busy errors.
	BusyRetries int

	// RetentionDays keeps raw sample rows before archival, per table
	// name. Zero or absent disables retention for that table.
	RetentionDays map[string]int

	// ArchiveDir receives Parquet archives of purged rows. Empty
	// disables archival and retention purges without archive.
	ArchiveDir string
}

// =============================================================================
// Ring Aligner Configuration
// =============================================================================

// GeometryConfig describes the excavation geometry used by derived
// indicators.
type GeometryConfig struct {
	// TunnelDiameter is the excavation diameter in meters.
	TunnelDiameter float64

	// RingWidth is the advance per ring in meters.
	RingWidth float64

	// TailVoidVolume is the theoretical tail void per ring in cubic
	// meters. Zero derives it from the shield overcut geometry.
	TailVoidVolume float64
}

// CrossSectionArea returns the excavated face area in square meters.
func (g GeometryConfig) CrossSectionArea() float64 {
	r := g.TunnelDiameter / 2
	return math.Pi * r * r
}

// ExcavationVolume returns the theoretical volume removed per ring.
func (g GeometryConfig) ExcavationVolume() float64 {
	return g.CrossSectionArea() * g.RingWidth
}

// TailVoid returns the tail void volume, deriving it from a 50 mm
// overcut when not configured.
func (g GeometryConfig) TailVoid() float64 {
	if g.TailVoidVolume > 0 {
		return g.TailVoidVolume
	}
	overcut := g.TunnelDiameter + 0.1
	shield := g.TunnelDiameter - 0.05
	area := math.Pi * ((overcut/2)*(overcut/2) - (shield/2)*(shield/2))
	return area * g.RingWidth
}

// ZoneConfig maps a ring-number range to a geological zone label.
// FromRing is inclusive, ToRing inclusive; ToRing zero means open-ended.
type ZoneConfig struct {
	Name     string
	FromRing int64
	ToRing   int64
}

// AlignerConfig holds the ring aligner settings.
type AlignerConfig struct {
	TickInterval        time.Duration
	SettlementLagWindow time.Duration
	GraceWindow         time.Duration
	MaxRingAge          time.Duration

	Geometry GeometryConfig

	// CutterheadRPM is the nominal cutterhead speed used when the
	// rotation speed tag is absent. Zero disables the fallback.
	CutterheadRPM float64

	Zones []ZoneConfig

	// Indicators maps aggregate indicator names to the tag supplying
	// their samples (e.g. "thrust" -> "thrust_total").
	Indicators map[string]string

	// AttitudeTags maps attitude fields to tag names.
	AttitudeTags map[string]string

	// SettlementTag and DisplacementTag name the monitoring channels
	// associated through the lag window.
	SettlementTag   string
	DisplacementTag string
}

// Zone returns the zone label for a ring number, empty when no zone
// covers it.
func (a AlignerConfig) Zone(ring int64) string {
	for _, z := range a.Zones {
		if ring >= z.FromRing && (z.ToRing == 0 || ring <= z.ToRing) {
			return z.Name
		}
	}
	return ""
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is one immutable, validated configuration. Components hold a
// *Snapshot for the duration of one unit of work and never mutate it.
type Snapshot struct {
	Sources  []SourceConfig
	Pipeline PipelineConfig
	Buffer   BufferConfig
	Store    StoreConfig
	Aligner  AlignerConfig

	// LoadedAt is when the snapshot was built.
	LoadedAt time.Time
}

// Source returns the source with the given id, nil when absent.
func (s *Snapshot) Source(id string) *SourceConfig {
	for i := range s.Sources {
		if s.Sources[i].ID == id {
			return &s.Sources[i]
		}
	}
	return nil
}

// =============================================================================
// Provider
// =============================================================================

// Provider publishes configuration snapshots. Readers call Current once
// per unit of work and run to completion against that snapshot; Publish
// atomically replaces the pointer for subsequent readers.
type Provider struct {
	current atomic.Pointer[Snapshot]
}

// NewProvider returns a provider seeded with the given snapshot.
func NewProvider(snap *Snapshot) *Provider {
	p := &Provider{}
	p.current.Store(snap)
	return p
}

// Current returns the live snapshot.
func (p *Provider) Current() *Snapshot {
	return p.current.Load()
}

// Publish replaces the live snapshot.
func (p *Provider) Publish(snap *Snapshot) {
	p.current.Store(snap)
}
