package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(config.StoreConfig{Path: ":memory:", BusyRetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func plcAt(tag string, tsMs int64, value float64, ring int64) types.Sample {
	return types.Sample{
		Source: "plc-main", Tag: tag, TimestampMs: tsMs,
		Value: value, Table: types.TablePLC, Ring: ring,
	}
}

// =============================================================================
// Samples
// =============================================================================

func TestInsertAndQueryRoundTrip(t *testing.T) {
	st := openTestStore(t)

	raw := 2.0
	require.NoError(t, st.InsertSamples(types.TablePLC, []types.Sample{
		{
			Source: "plc-main", Tag: "chamber_pressure", TimestampMs: 1000,
			Value: 2.54, RawValue: &raw,
			Flag:  types.FlagCalibrated,
			Table: types.TablePLC, Ring: 42,
		},
	}))

	got, err := st.SamplesInRange(types.TablePLC, 0, 2000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	s := got[0]
	assert.Equal(t, "plc-main", s.Source)
	assert.Equal(t, "chamber_pressure", s.Tag)
	assert.Equal(t, int64(1000), s.TimestampMs)
	assert.Equal(t, 2.54, s.Value)
	require.NotNil(t, s.RawValue)
	assert.Equal(t, 2.0, *s.RawValue)
	assert.True(t, s.Flag.Has(types.FlagCalibrated))
	assert.Equal(t, int64(42), s.Ring)
}

func TestSamplesInRangeBoundsAreHalfOpen(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.InsertSamples(types.TablePLC, []types.Sample{
		plcAt("thrust", 999, 1, 1),
		plcAt("thrust", 1000, 2, 1),
		plcAt("thrust", 1999, 3, 1),
		plcAt("thrust", 2000, 4, 1),
	}))

	got, err := st.SamplesInRange(types.TablePLC, 1000, 2000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[0].Value)
	assert.Equal(t, 3.0, got[1].Value)
}

func TestSamplesForTagInRange(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.InsertSamples(types.TablePLC, []types.Sample{
		plcAt("thrust", 1000, 1, 1),
		plcAt("torque", 1500, 2, 1),
		plcAt("thrust", 2000, 3, 1),
	}))

	got, err := st.SamplesForTagInRange(types.TablePLC, "thrust", 0, 10_000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Value)
	assert.Equal(t, 3.0, got[1].Value)
}

func TestTablesAreIsolated(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.InsertSamples(types.TablePLC, []types.Sample{plcAt("thrust", 1000, 1, 1)}))

	n, err := st.CountSamples(types.TableAttitude, 0, 10_000)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertSampleBatchesSpansTables(t *testing.T) {
	st := openTestStore(t)

	err := st.InsertSampleBatches(map[types.Table][]types.Sample{
		types.TablePLC: {plcAt("thrust", 1000, 1, 1)},
		types.TableMonitoring: {{
			Source: "manual:op1", Tag: "settlement", TimestampMs: 2000,
			Value: 2.7, Table: types.TableMonitoring,
		}},
	})
	require.NoError(t, err)

	for _, table := range []types.Table{types.TablePLC, types.TableMonitoring} {
		n, err := st.CountSamples(table, 0, 10_000)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, table.String())
	}
}

func TestLatestSampleTs(t *testing.T) {
	st := openTestStore(t)

	ts, err := st.LatestSampleTs(types.TablePLC)
	require.NoError(t, err)
	assert.Zero(t, ts)

	require.NoError(t, st.InsertSamples(types.TablePLC, []types.Sample{
		plcAt("thrust", 5000, 1, 1),
		plcAt("thrust", 3000, 2, 1),
	}))
	ts, err = st.LatestSampleTs(types.TablePLC)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), ts)
}

func TestRingBoundaries(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.InsertSamples(types.TablePLC, []types.Sample{
		plcAt("thrust", 500, 1, 0), // unknown ring, excluded
		plcAt("thrust", 1000, 1, 7),
		plcAt("thrust", 1500, 1, 7),
		plcAt("thrust", 2000, 1, 8),
	}))

	got, err := st.RingBoundaries(0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].Ring)
	assert.Equal(t, int64(1000), got[0].StartTs)
	assert.Equal(t, int64(8), got[1].Ring)

	got, err = st.RingBoundaries(7)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(8), got[0].Ring)
}

// =============================================================================
// Retention Deletes
// =============================================================================

func TestDeleteSamplesBefore(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.InsertSamples(types.TablePLC, []types.Sample{
		plcAt("thrust", 1000, 1, 1),
		plcAt("thrust", 2000, 2, 1),
		plcAt("thrust", 3000, 3, 1),
	}))

	n, err := st.DeleteSamplesBefore(types.TablePLC, 2500)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := st.SamplesInRange(types.TablePLC, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, int64(3000), left[0].TimestampMs)
}

func TestDeleteSamplesBatchIsBounded(t *testing.T) {
	st := openTestStore(t)
	var samples []types.Sample
	for i := 0; i < 10; i++ {
		samples = append(samples, plcAt("thrust", int64(i+1)*100, 1, 1))
	}
	require.NoError(t, st.InsertSamples(types.TablePLC, samples))

	n, err := st.DeleteSamplesBatch(types.TablePLC, 10_000, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	// The oldest page went first.
	left, err := st.SamplesInRange(types.TablePLC, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, left, 6)
	assert.Equal(t, int64(500), left[0].TimestampMs)
}

func TestDeleteSampleRowsByID(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.InsertSamples(types.TablePLC, []types.Sample{
		plcAt("thrust", 1000, 1, 1),
		plcAt("thrust", 2000, 2, 1),
	}))

	rows, err := st.SamplesBefore(types.TablePLC, 1500, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	n, err := st.DeleteSampleRows(types.TablePLC, []int64{rows[0].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	total, err := st.CountSamples(types.TablePLC, 0, 10_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

// =============================================================================
// Ring Summaries
// =============================================================================

func summaryRow(ring int64, createdAt int64) *types.RingSummary {
	return &types.RingSummary{
		RingNumber:       ring,
		StartTsMs:        ring * 1000,
		EndTsMs:          (ring + 1) * 1000,
		CompletenessFlag: types.CompletenessMissingMonitoring,
		CreatedAtMs:      createdAt,
	}
}

func TestSummaryCreateGet(t *testing.T) {
	st := openTestStore(t)
	mean := 10149.5
	sum := summaryRow(100, 1000)
	sum.Thrust = types.Stats{Mean: &mean}
	sum.GeologicalZone = "alluvium"
	require.NoError(t, st.CreateSummary(sum))

	got, err := st.GetSummary(100)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), got.StartTsMs)
	require.NotNil(t, got.Thrust.Mean)
	assert.Equal(t, 10149.5, *got.Thrust.Mean)
	assert.Equal(t, "alluvium", got.GeologicalZone)

	_, err = st.GetSummary(999)
	assert.ErrorIs(t, err, errors.ErrRingNotFound)
}

func TestUpdateSummaryFinalGuard(t *testing.T) {
	st := openTestStore(t)
	sum := summaryRow(100, 1000)
	require.NoError(t, st.CreateSummary(sum))

	settlement := 2.7
	sum.SettlementValue = &settlement
	sum.CompletenessFlag = types.CompletenessComplete
	require.NoError(t, st.UpdateSummary(sum))

	got, err := st.GetSummary(100)
	require.NoError(t, err)
	require.NotNil(t, got.SettlementValue)
	assert.Equal(t, 2.7, *got.SettlementValue)

	require.NoError(t, st.MarkFinal(100))
	err = st.UpdateSummary(sum)
	assert.ErrorIs(t, err, errors.ErrRingFinal)

	err = st.UpdateSummary(summaryRow(999, 1000))
	assert.ErrorIs(t, err, errors.ErrRingNotFound)
}

func TestSummariesInGrace(t *testing.T) {
	st := openTestStore(t)

	open := summaryRow(1, 900)
	require.NoError(t, st.CreateSummary(open))

	settled := summaryRow(2, 900)
	v := 1.0
	settled.SettlementValue = &v
	settled.DisplacementValue = &v
	require.NoError(t, st.CreateSummary(settled))

	expired := summaryRow(3, 100)
	require.NoError(t, st.CreateSummary(expired))

	rows, err := st.SummariesInGrace(1000, 500)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].RingNumber)
}

func TestFinalizeExpired(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.CreateSummary(summaryRow(1, 100)))
	require.NoError(t, st.CreateSummary(summaryRow(2, 900)))

	n, err := st.FinalizeExpired(1000, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetSummary(1)
	require.NoError(t, err)
	assert.True(t, got.Final)
	got, err = st.GetSummary(2)
	require.NoError(t, err)
	assert.False(t, got.Final)
}

func TestListSummariesFiltersAndPages(t *testing.T) {
	st := openTestStore(t)
	for ring := int64(1); ring <= 5; ring++ {
		sum := summaryRow(ring, 1000)
		if ring%2 == 0 {
			sum.CompletenessFlag = types.CompletenessComplete
			sum.Synced = true
		}
		require.NoError(t, st.CreateSummary(sum))
	}

	rows, err := st.ListSummaries(ListOptions{FromRing: 2, ToRing: 4})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(2), rows[0].RingNumber)

	rows, err = st.ListSummaries(ListOptions{Completeness: types.CompletenessComplete})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	unsynced := false
	rows, err = st.ListSummaries(ListOptions{Synced: &unsynced})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	rows, err = st.ListSummaries(ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(3), rows[0].RingNumber)

	total, err := st.CountSummaries(ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}

func TestMaxSummarizedRing(t *testing.T) {
	st := openTestStore(t)

	ring, err := st.MaxSummarizedRing()
	require.NoError(t, err)
	assert.Zero(t, ring)

	require.NoError(t, st.CreateSummary(summaryRow(7, 1000)))
	require.NoError(t, st.CreateSummary(summaryRow(3, 1000)))

	ring, err = st.MaxSummarizedRing()
	require.NoError(t, err)
	assert.Equal(t, int64(7), ring)
}

// =============================================================================
// Error Classification
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"busy", "database is locked", errors.ErrDatabaseBusy},
		{"corrupt", "file is not a database", errors.ErrDatabaseCorrupt},
		{"disk full", "write failed: no space left on device", errors.ErrDiskFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(errors.New(tt.in))
			assert.ErrorIs(t, got, tt.want)
		})
	}
	assert.NoError(t, classify(nil))
}

func TestWritable(t *testing.T) {
	st := openTestStore(t)
	assert.True(t, st.Writable())
	require.NoError(t, st.Close())
	assert.False(t, st.Writable())
}
