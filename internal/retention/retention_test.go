package retention

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/store"
	"github.com/tbmworks/shieldedge/internal/types"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(config.StoreConfig{Path: ":memory:", BusyRetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestJob(t *testing.T, st *store.Store, storeCfg config.StoreConfig, now *int64) *Job {
	t.Helper()
	provider := config.NewProvider(&config.Snapshot{Store: storeCfg})
	return New(st, provider, withNow(func() int64 { return *now }), withBatchSize(4))
}

func seedSamples(t *testing.T, st *store.Store, table types.Table, count int, stepMs int64) {
	t.Helper()
	samples := make([]types.Sample, count)
	for i := range samples {
		samples[i] = types.Sample{
			Source: "plc-main", Tag: "thrust_total",
			TimestampMs: int64(i+1) * stepMs, Value: float64(i),
			Table: table, Ring: 1,
		}
	}
	require.NoError(t, st.InsertSamples(table, samples))
}

// =============================================================================
// Purge
// =============================================================================

func TestPassPurgesExpiredRowsWithoutArchiveDir(t *testing.T) {
	st := openTestStore(t)
	now := 10 * dayMs
	j := newTestJob(t, st, config.StoreConfig{
		RetentionDays: map[string]int{"plc_samples": 7},
	}, &now)

	// Six rows one day apart; days 1-2 fall past the seven-day cutoff.
	seedSamples(t, st, types.TablePLC, 6, dayMs)

	j.RunPass()

	n, err := st.CountSamples(types.TablePLC, 0, 100*dayMs)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, int64(2), j.Stats().Deleted.Load())
	assert.Zero(t, j.Stats().Archived.Load())

	got, err := st.SamplesInRange(types.TablePLC, 0, 100*dayMs)
	require.NoError(t, err)
	assert.Equal(t, 3*dayMs, got[0].TimestampMs)
}

func TestPurgeDrainsInBoundedPages(t *testing.T) {
	st := openTestStore(t)
	now := 100 * dayMs
	j := newTestJob(t, st, config.StoreConfig{
		RetentionDays: map[string]int{"plc_samples": 1},
	}, &now)

	// Ten expired rows against a page size of four takes three pages in
	// one pass.
	seedSamples(t, st, types.TablePLC, 10, 1000)

	j.RunPass()

	n, err := st.CountSamples(types.TablePLC, 0, 200*dayMs)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(10), j.Stats().Deleted.Load())
}

func TestTablesWithoutRetentionAreUntouched(t *testing.T) {
	st := openTestStore(t)
	now := 100 * dayMs
	j := newTestJob(t, st, config.StoreConfig{
		RetentionDays: map[string]int{"plc_samples": 1},
	}, &now)

	seedSamples(t, st, types.TablePLC, 3, 1000)
	seedSamples(t, st, types.TableAttitude, 3, 1000)

	j.RunPass()

	n, err := st.CountSamples(types.TableAttitude, 0, 200*dayMs)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

// =============================================================================
// Archive
// =============================================================================

func TestPassArchivesBeforeDeleting(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	now := 10 * dayMs
	j := newTestJob(t, st, config.StoreConfig{
		ArchiveDir:    dir,
		RetentionDays: map[string]int{"plc_samples": 7},
	}, &now)

	seedSamples(t, st, types.TablePLC, 6, dayMs)

	j.RunPass()

	assert.Equal(t, int64(2), j.Stats().Archived.Load())
	assert.Equal(t, int64(2), j.Stats().Deleted.Load())
	assert.Zero(t, j.Stats().Errors.Load())

	n, err := st.CountSamples(types.TablePLC, 0, 100*dayMs)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	entries, err := os.ReadDir(filepath.Join(dir, "plc_samples"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".parquet"))

	info, err := os.Stat(filepath.Join(dir, "plc_samples", entries[0].Name()))
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}

func TestPassWithNothingExpiredWritesNoArchive(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	now := 2 * dayMs
	j := newTestJob(t, st, config.StoreConfig{
		ArchiveDir:    dir,
		RetentionDays: map[string]int{"plc_samples": 7},
	}, &now)

	seedSamples(t, st, types.TablePLC, 3, dayMs)

	j.RunPass()

	assert.Zero(t, j.Stats().Archived.Load())
	_, err := os.Stat(filepath.Join(dir, "plc_samples"))
	assert.True(t, os.IsNotExist(err))
}

func TestLifecycleGuards(t *testing.T) {
	st := openTestStore(t)
	now := int64(0)
	j := newTestJob(t, st, config.StoreConfig{}, &now)

	assert.Error(t, j.Stop())
	require.NoError(t, j.Start())
	assert.Error(t, j.Start())
	require.NoError(t, j.Stop())
	assert.Error(t, j.Stop())
}
