package config

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSnapshot() *Snapshot {
	return &Snapshot{
		Sources: []SourceConfig{{
			ID:            "plc-main",
			Kind:          KindPolling,
			Endpoint:      "10.0.0.5:502",
			IntervalMs:    1000,
			RingNumberTag: "ring_number",
			Tags: []TagConfig{
				{Name: "thrust_total", Type: TypeFloat32BE, Address: "100"},
				{Name: "ring_number", Type: TypeUint16, Address: "110"},
			},
		}},
		Pipeline: PipelineConfig{HistorySize: 8, GapMaxSeconds: 10},
		Buffer: BufferConfig{
			MaxSize: 10000, FlushThreshold: 1000,
			FlushInterval: 5 * time.Second, Overflow: OverflowDropOldest,
		},
		Store: StoreConfig{Path: "/var/lib/shieldedge/edge.db"},
		Aligner: AlignerConfig{
			TickInterval: 5 * time.Minute,
			MaxRingAge:   24 * time.Hour,
			Geometry:     GeometryConfig{TunnelDiameter: 6.2, RingWidth: 1.5},
		},
	}
}

// =============================================================================
// Validation
// =============================================================================

func TestValidateAcceptsWellFormedSnapshot(t *testing.T) {
	assert.NoError(t, validSnapshot().Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	snap := validSnapshot()
	snap.Sources[0].ID = ""
	snap.Buffer.MaxSize = 0
	snap.Store.Path = ""

	err := snap.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources[0].id")
	assert.Contains(t, err.Error(), "buffer.max_size")
	assert.Contains(t, err.Error(), "store.path")
}

func TestValidateRejectsDuplicateSourceIDs(t *testing.T) {
	snap := validSnapshot()
	snap.Sources = append(snap.Sources, snap.Sources[0])

	err := snap.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate source id")
}

func TestValidateRejectsUnknownRingTag(t *testing.T) {
	snap := validSnapshot()
	snap.Sources[0].RingNumberTag = "not_configured"

	err := snap.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ring_number_tag")
}

func TestValidateRejectsInvertedThreshold(t *testing.T) {
	snap := validSnapshot()
	snap.Pipeline.Thresholds = map[string]ThresholdConfig{
		"thrust_total": {Min: 100, Max: 10},
	}
	err := snap.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min must be below max")
}

func TestValidateRejectsZeroScaleCalibration(t *testing.T) {
	snap := validSnapshot()
	snap.Pipeline.Calibrations = map[string]CalibrationConfig{
		"chamber_pressure": {Offset: 0.5},
	}
	err := snap.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scale")
}

// =============================================================================
// Geometry and Zones
// =============================================================================

func TestGeometryDerivedQuantities(t *testing.T) {
	g := GeometryConfig{TunnelDiameter: 6.2, RingWidth: 1.5}

	area := math.Pi * 3.1 * 3.1
	assert.InDelta(t, area, g.CrossSectionArea(), 1e-9)
	assert.InDelta(t, area*1.5, g.ExcavationVolume(), 1e-9)
}

func TestZoneLookup(t *testing.T) {
	a := AlignerConfig{Zones: []ZoneConfig{
		{Name: "fill", FromRing: 1, ToRing: 50},
		{Name: "alluvium", FromRing: 51, ToRing: 0},
	}}

	tests := []struct {
		ring int64
		want string
	}{
		{1, "fill"},
		{50, "fill"},
		{51, "alluvium"},
		{100000, "alluvium"},
		{0, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.Zone(tt.ring))
	}
}

// =============================================================================
// Tag Types
// =============================================================================

func TestRegisterWords(t *testing.T) {
	assert.Equal(t, 2, TypeFloat32BE.RegisterWords())
	assert.Equal(t, 2, TypeFloat32LE.RegisterWords())
	assert.Equal(t, 4, TypeFloat64BE.RegisterWords())
	assert.Equal(t, 2, TypeUint32.RegisterWords())
	assert.Equal(t, 2, TypeInt32.RegisterWords())
	assert.Equal(t, 1, TypeUint16.RegisterWords())
	assert.Equal(t, 1, TypeInt16.RegisterWords())
	assert.Equal(t, 1, TypeBool.RegisterWords())
}

// =============================================================================
// Provider
// =============================================================================

func TestProviderPublishSwapsSnapshot(t *testing.T) {
	first := validSnapshot()
	p := NewProvider(first)
	assert.Same(t, first, p.Current())

	second := validSnapshot()
	second.Pipeline.HistorySize = 16
	p.Publish(second)
	assert.Same(t, second, p.Current())
	assert.Equal(t, 16, p.Current().Pipeline.HistorySize)
}
