package aligner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/store"
	"github.com/tbmworks/shieldedge/internal/types"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(config.StoreConfig{Path: ":memory:", BusyRetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testAlignerConfig() config.AlignerConfig {
	return config.AlignerConfig{
		TickInterval:        300 * time.Second,
		SettlementLagWindow: 120 * time.Second,
		GraceWindow:         8 * time.Hour,
		MaxRingAge:          24 * time.Hour,
		Geometry:            config.GeometryConfig{TunnelDiameter: 6.2, RingWidth: 1.5},
		SettlementTag:       "settlement",
		DisplacementTag:     "displacement",
		Zones: []config.ZoneConfig{
			{Name: "alluvium", FromRing: 1, ToRing: 0},
		},
	}
}

func newTestAligner(t *testing.T, st *store.Store, cfg config.AlignerConfig, now *int64) *Aligner {
	t.Helper()
	provider := config.NewProvider(&config.Snapshot{Aligner: cfg})
	return New(st, provider, withNow(func() int64 { return *now }))
}

func plcAt(tag string, tsMs int64, value float64, ring int64) types.Sample {
	return types.Sample{
		Source: "plc-main", Tag: tag, TimestampMs: tsMs,
		Value: value, Table: types.TablePLC, Ring: ring,
	}
}

// =============================================================================
// Ring Summarization
// =============================================================================

func TestTickSummarizesCompletedRing(t *testing.T) {
	st := openTestStore(t)
	now := int64(600_000)
	a := newTestAligner(t, st, testAlignerConfig(), &now)

	// 600 one-second thrust samples: ring 100 for the first five minutes,
	// ring 101 after.
	var samples []types.Sample
	for i := 0; i < 600; i++ {
		ring := int64(100)
		if i >= 300 {
			ring = 101
		}
		samples = append(samples, plcAt("thrust", int64(i)*1000, float64(10000+i), ring))
	}
	require.NoError(t, st.InsertSamples(types.TablePLC, samples))

	a.RunTick()

	sum, err := st.GetSummary(100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.StartTsMs)
	assert.Equal(t, int64(300_000), sum.EndTsMs)

	require.NotNil(t, sum.Thrust.Mean)
	assert.InDelta(t, 10149.5, *sum.Thrust.Mean, 1e-9)
	require.NotNil(t, sum.Thrust.Min)
	assert.Equal(t, 10000.0, *sum.Thrust.Min)
	require.NotNil(t, sum.Thrust.Max)
	assert.Equal(t, 10299.0, *sum.Thrust.Max)

	// Only thrust was fed, so the other indicator aggregates are null and
	// the window classifies as partially covered.
	assert.True(t, sum.Torque.IsNull())
	assert.Equal(t, types.CompletenessPartialPLC, sum.CompletenessFlag)
	assert.Equal(t, "alluvium", sum.GeologicalZone)
	assert.False(t, sum.Final)

	// The open ring 101 has no end boundary yet.
	_, err = st.GetSummary(101)
	assert.Error(t, err)
	assert.Equal(t, int64(1), a.Stats().Summarized.Load())
}

func TestTickIsIdempotentAcrossRuns(t *testing.T) {
	st := openTestStore(t)
	now := int64(600_000)
	a := newTestAligner(t, st, testAlignerConfig(), &now)

	require.NoError(t, st.InsertSamples(types.TablePLC, []types.Sample{
		plcAt("thrust", 0, 100, 1),
		plcAt("thrust", 10_000, 110, 2),
	}))

	a.RunTick()
	a.RunTick()

	assert.Equal(t, int64(1), a.Stats().Summarized.Load())
	assert.Zero(t, a.Stats().Errors.Load())
}

func TestExcludedSamplesDoNotSkewAggregates(t *testing.T) {
	st := openTestStore(t)
	now := int64(600_000)
	a := newTestAligner(t, st, testAlignerConfig(), &now)

	bad := plcAt("thrust", 1000, 1e9, 1)
	bad.Flag = types.FlagOutOfRange
	require.NoError(t, st.InsertSamples(types.TablePLC, []types.Sample{
		plcAt("thrust", 0, 100, 1),
		bad,
		plcAt("thrust", 2000, 200, 1),
		plcAt("thrust", 10_000, 300, 2),
	}))

	a.RunTick()

	sum, err := st.GetSummary(1)
	require.NoError(t, err)
	require.NotNil(t, sum.Thrust.Mean)
	assert.InDelta(t, 150.0, *sum.Thrust.Mean, 1e-9)
	assert.Equal(t, 200.0, *sum.Thrust.Max)
}

func TestStalledRingForcedFinal(t *testing.T) {
	st := openTestStore(t)
	cfg := testAlignerConfig()
	cfg.MaxRingAge = time.Hour
	now := int64(0)
	a := newTestAligner(t, st, cfg, &now)

	require.NoError(t, st.InsertSamples(types.TablePLC, []types.Sample{
		plcAt("thrust", 0, 100, 50),
		plcAt("thrust", 60_000, 120, 50),
	}))

	// Within max_ring_age the open ring is left alone.
	now = 30 * 60_000
	a.RunTick()
	_, err := st.GetSummary(50)
	assert.Error(t, err)

	now = 2 * 60 * 60_000
	a.RunTick()

	sum, err := st.GetSummary(50)
	require.NoError(t, err)
	assert.True(t, sum.Final)
	assert.Equal(t, int64(1), a.Stats().ForcedFinal.Load())
}

// =============================================================================
// Settlement Association and Grace
// =============================================================================

// fullRingSamples covers every indicator and attitude field so the only
// completeness question left is the monitoring association.
func fullRingSamples(startTs, endTs int64, ring int64) (plc, attitude []types.Sample) {
	for _, tag := range []string{
		"thrust", "torque", "chamber_pressure",
		"advance_rate", "grout_pressure", "grout_volume",
	} {
		plc = append(plc, plcAt(tag, startTs, 100, ring))
	}
	plc = append(plc, plcAt("thrust", endTs, 100, ring+1))

	for _, tag := range []string{"pitch", "roll", "yaw", "horizontal_dev", "vertical_dev"} {
		attitude = append(attitude, types.Sample{
			Source: "gw", Tag: tag, TimestampMs: startTs + 2000,
			Value: 0.5, Table: types.TableAttitude, Ring: ring,
		})
	}
	return plc, attitude
}

func TestLateSettlementAssociatedInGrace(t *testing.T) {
	st := openTestStore(t)
	now := int64(1_100_000)
	a := newTestAligner(t, st, testAlignerConfig(), &now)

	plc, attitude := fullRingSamples(960_000, 1_000_000, 200)
	require.NoError(t, st.InsertSamples(types.TablePLC, plc))
	require.NoError(t, st.InsertSamples(types.TableAttitude, attitude))

	a.RunTick()

	sum, err := st.GetSummary(200)
	require.NoError(t, err)
	assert.Equal(t, types.CompletenessMissingMonitoring, sum.CompletenessFlag)
	assert.Nil(t, sum.SettlementValue)
	assert.False(t, sum.Final)

	// The settlement reading arrives late but inside the lag window
	// [ring start, start+120s).
	require.NoError(t, st.InsertSamples(types.TableMonitoring, []types.Sample{{
		Source: "api", Tag: "settlement", TimestampMs: 1_060_000,
		Value: 2.7, Table: types.TableMonitoring,
	}}))

	now = 1_200_000
	a.RunTick()

	sum, err = st.GetSummary(200)
	require.NoError(t, err)
	require.NotNil(t, sum.SettlementValue)
	assert.Equal(t, 2.7, *sum.SettlementValue)
	assert.Equal(t, types.CompletenessComplete, sum.CompletenessFlag)
	assert.Equal(t, int64(1), a.Stats().GraceUpdates.Load())
}

func TestSettlementOutsideLagWindowIgnored(t *testing.T) {
	st := openTestStore(t)
	now := int64(1_100_000)
	a := newTestAligner(t, st, testAlignerConfig(), &now)

	plc, attitude := fullRingSamples(960_000, 1_000_000, 200)
	require.NoError(t, st.InsertSamples(types.TablePLC, plc))
	require.NoError(t, st.InsertSamples(types.TableAttitude, attitude))

	// Exactly at the upper lag bound, which is exclusive.
	require.NoError(t, st.InsertSamples(types.TableMonitoring, []types.Sample{{
		Source: "api", Tag: "settlement", TimestampMs: 1_080_000,
		Value: 9.9, Table: types.TableMonitoring,
	}}))

	a.RunTick()

	sum, err := st.GetSummary(200)
	require.NoError(t, err)
	assert.Nil(t, sum.SettlementValue)
	assert.Equal(t, types.CompletenessMissingMonitoring, sum.CompletenessFlag)
}

func TestGraceExpiryFinalizesSummary(t *testing.T) {
	st := openTestStore(t)
	now := int64(1_100_000)
	a := newTestAligner(t, st, testAlignerConfig(), &now)

	plc, attitude := fullRingSamples(960_000, 1_000_000, 200)
	require.NoError(t, st.InsertSamples(types.TablePLC, plc))
	require.NoError(t, st.InsertSamples(types.TableAttitude, attitude))

	a.RunTick()

	// Past the grace window the row flips final; a later settlement can
	// no longer change it.
	now += (8 * time.Hour).Milliseconds() + 1
	a.RunTick()

	sum, err := st.GetSummary(200)
	require.NoError(t, err)
	assert.True(t, sum.Final)
	assert.Equal(t, types.CompletenessMissingMonitoring, sum.CompletenessFlag)

	require.NoError(t, st.InsertSamples(types.TableMonitoring, []types.Sample{{
		Source: "api", Tag: "settlement", TimestampMs: 1_060_000,
		Value: 2.7, Table: types.TableMonitoring,
	}}))
	a.RunTick()

	sum, err = st.GetSummary(200)
	require.NoError(t, err)
	assert.Nil(t, sum.SettlementValue)
}
