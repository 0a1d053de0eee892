package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
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

func testProvider() *config.Provider {
	return config.NewProvider(&config.Snapshot{
		Pipeline: config.PipelineConfig{
			HistorySize: 8,
			Thresholds: map[string]config.ThresholdConfig{
				"chamber_pressure": {Min: 0, Max: 10},
			},
			Calibrations: map[string]config.CalibrationConfig{
				"chamber_pressure": {Offset: 0.5, Scale: 1.02},
			},
		},
	})
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st := openTestStore(t)
	return New(st, testProvider()), st
}

// =============================================================================
// Manual Logs
// =============================================================================

func TestSubmitManualLogsRoundTrip(t *testing.T) {
	svc, st := newTestService(t)

	res, err := svc.SubmitManualLogs(
		[]ManualRecord{{Tag: "chamber_pressure", TimestampMs: 5000, Value: 2.0, Ring: 42}},
		nil,
		[]ManualRecord{{Tag: "settlement", TimestampMs: 6000, Value: 2.7}},
		"op-7",
	)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	assert.Zero(t, res.Rejected)
	assert.NoError(t, res.RejectionErr())

	plc, err := st.SamplesInRange(types.TablePLC, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, plc, 1)
	assert.Equal(t, "manual:op-7", plc[0].Source)
	assert.Equal(t, int64(42), plc[0].Ring)

	// The calibration stage runs for manual data too, so the stored value
	// is the corrected one with the original kept alongside.
	assert.InDelta(t, 0.5+1.02*2.0, plc[0].Value, 1e-9)
	require.NotNil(t, plc[0].RawValue)
	assert.Equal(t, 2.0, *plc[0].RawValue)
	assert.True(t, plc[0].Flag.Has(types.FlagCalibrated))

	mon, err := st.SamplesInRange(types.TableMonitoring, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, mon, 1)
	assert.Equal(t, 2.7, mon[0].Value)
	assert.Equal(t, types.FlagGood, mon[0].Flag)
}

func TestSubmitManualLogsRequiresOperator(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.SubmitManualLogs(
		[]ManualRecord{{Tag: "thrust_total", TimestampMs: 1000, Value: 1}},
		nil, nil, "")
	assert.ErrorIs(t, err, errors.ErrMissingField)
}

func TestSubmitManualLogsValidatesPerRow(t *testing.T) {
	svc, st := newTestService(t)

	res, err := svc.SubmitManualLogs([]ManualRecord{
		{Tag: "", TimestampMs: 1000, Value: 1},
		{Tag: "thrust_total", TimestampMs: 0, Value: 1},
		{Tag: "thrust_total", TimestampMs: 1000, Value: 1, Ring: -3},
		{Tag: "thrust_total", TimestampMs: 2000, Value: 1},
	}, nil, nil, "op-7")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 3, res.Rejected)
	require.Len(t, res.Rows, 4)

	assert.Contains(t, res.Rows[0].Reason, "tag is required")
	assert.Contains(t, res.Rows[1].Reason, "timestamp_ms")
	assert.Contains(t, res.Rows[2].Reason, "ring")
	assert.True(t, res.Rows[3].Accepted)

	// The bad rows do not block the good one.
	n, err := st.CountSamples(types.TablePLC, 0, 10_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rerr := res.RejectionErr()
	require.Error(t, rerr)
	assert.Contains(t, rerr.Error(), "plc_samples[0]")
}

func TestSubmitManualLogsRejectsExcludedValues(t *testing.T) {
	svc, st := newTestService(t)

	res, err := svc.SubmitManualLogs([]ManualRecord{
		{Tag: "chamber_pressure", TimestampMs: 1000, Value: 99},
	}, nil, nil, "op-7")
	require.NoError(t, err)
	assert.Zero(t, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	assert.Contains(t, res.Rows[0].Reason, "out_of_range")

	n, err := st.CountSamples(types.TablePLC, 0, 10_000)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitManualLogsNeverInterpolates(t *testing.T) {
	svc, st := newTestService(t)

	// A wide gap between consecutive readings of the same tag would make
	// the collector pipeline impute a midpoint. Manual data must not.
	_, err := svc.SubmitManualLogs([]ManualRecord{
		{Tag: "thrust_total", TimestampMs: 1000, Value: 1.0},
	}, nil, nil, "op-7")
	require.NoError(t, err)
	_, err = svc.SubmitManualLogs([]ManualRecord{
		{Tag: "thrust_total", TimestampMs: 60_000, Value: 2.0},
	}, nil, nil, "op-7")
	require.NoError(t, err)

	n, err := st.CountSamples(types.TablePLC, 0, 100_000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

// =============================================================================
// Ring Queries
// =============================================================================

func seedSummaries(t *testing.T, st *store.Store, rings ...int64) {
	t.Helper()
	for _, ring := range rings {
		require.NoError(t, st.CreateSummary(&types.RingSummary{
			RingNumber:       ring,
			StartTsMs:        ring * 1000,
			EndTsMs:          (ring + 1) * 1000,
			CompletenessFlag: types.CompletenessComplete,
			CreatedAtMs:      1,
		}))
	}
}

func TestListRingsPaginates(t *testing.T) {
	svc, st := newTestService(t)
	seedSummaries(t, st, 1, 2, 3, 4, 5)

	page, err := svc.ListRings(RingFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 2, page.PageSize)
	require.Len(t, page.Rings, 2)
	assert.Equal(t, int64(3), page.Rings[0].RingNumber)
	assert.Equal(t, int64(4), page.Rings[1].RingNumber)
}

func TestListRingsClampsPaging(t *testing.T) {
	svc, st := newTestService(t)
	seedSummaries(t, st, 1)

	page, err := svc.ListRings(RingFilter{Page: 0, PageSize: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 100, page.PageSize)

	page, err = svc.ListRings(RingFilter{Page: -2, PageSize: 100_000})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 1000, page.PageSize)
}

func TestListRingsFiltersByRange(t *testing.T) {
	svc, st := newTestService(t)
	seedSummaries(t, st, 1, 2, 3, 4)

	page, err := svc.ListRings(RingFilter{FromRing: 2, ToRing: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	require.Len(t, page.Rings, 2)
	assert.Equal(t, int64(2), page.Rings[0].RingNumber)
}

func TestGetRingWithRawCounts(t *testing.T) {
	svc, st := newTestService(t)
	seedSummaries(t, st, 10)

	require.NoError(t, st.InsertSamples(types.TablePLC, []types.Sample{
		{Source: "plc-main", Tag: "thrust", TimestampMs: 10_000, Value: 1, Table: types.TablePLC, Ring: 10},
		{Source: "plc-main", Tag: "thrust", TimestampMs: 10_500, Value: 2, Table: types.TablePLC, Ring: 10},
		{Source: "plc-main", Tag: "thrust", TimestampMs: 11_000, Value: 3, Table: types.TablePLC, Ring: 11},
	}))

	detail, err := svc.GetRing(10, false)
	require.NoError(t, err)
	assert.Nil(t, detail.RawCounts)

	detail, err = svc.GetRing(10, true)
	require.NoError(t, err)
	require.NotNil(t, detail.RawCounts)
	assert.Equal(t, int64(2), detail.RawCounts["plc_samples"])
	assert.Equal(t, int64(0), detail.RawCounts["attitude_samples"])

	_, err = svc.GetRing(999, false)
	assert.ErrorIs(t, err, errors.ErrRingNotFound)
}

// =============================================================================
// Health
// =============================================================================

func TestHealthTolerantOfDetachedComponents(t *testing.T) {
	svc, st := newTestService(t)

	h := svc.Health()
	assert.True(t, h.DBWritable)
	assert.Empty(t, h.Sources)
	assert.Empty(t, h.Buffer.Depth)
	assert.Zero(t, h.AlignerLastTickMs)

	require.NoError(t, st.Close())
	assert.False(t, svc.Health().DBWritable)
}
