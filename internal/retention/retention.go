// Package retention implements the raw-sample archival job.
//
// On a fixed tick it walks the sample tables whose retention is
// configured, moves rows older than the cutoff into a Parquet archive
// file under the archive directory, and deletes them in bounded pages.
// Without an archive directory expired rows are purged without archive.
// Ring summaries are never touched.
package retention

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	appconfig "github.com/tbmworks/shieldedge/config"
	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/logging"
	"github.com/tbmworks/shieldedge/internal/store"
	"github.com/tbmworks/shieldedge/internal/types"
)

// tables are the destinations the job manages. Summaries are excluded.
var tables = []types.Table{types.TablePLC, types.TableAttitude, types.TableMonitoring}

// Stats holds retention counters.
type Stats struct {
	Runs     atomic.Int64
	Archived atomic.Int64
	Deleted  atomic.Int64
	Errors   atomic.Int64
}

// Job owns the periodic archival pass.
type Job struct {
	store    *store.Store
	provider *config.Provider
	log      *slog.Logger

	interval  time.Duration
	batchSize int

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	stats Stats
	nowMs func() int64
}

// Option configures a Job.
type Option func(*Job)

// withNow overrides the clock.
func withNow(fn func() int64) Option {
	return func(j *Job) { j.nowMs = fn }
}

// withBatchSize overrides the archival page size.
func withBatchSize(n int) Option {
	return func(j *Job) { j.batchSize = n }
}

// New creates a retention job over st.
func New(st *store.Store, provider *config.Provider, opts ...Option) *Job {
	j := &Job{
		store:     st,
		provider:  provider,
		log:       logging.Component("retention"),
		interval:  appconfig.DefaultRetentionInterval,
		batchSize: appconfig.DefaultArchiveBatchSize,
		done:      make(chan struct{}),
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Stats returns the job counters.
func (j *Job) Stats() *Stats { return &j.stats }

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the tick loop.
func (j *Job) Start() error {
	if !j.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	j.wg.Add(1)
	go j.loop()
	j.log.Info("retention job started", "interval", j.interval)
	return nil
}

// Stop finishes the in-flight pass and stops.
func (j *Job) Stop() error {
	if !j.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}
	close(j.done)
	j.wg.Wait()
	j.log.Info("retention job stopped",
		"archived", j.stats.Archived.Load(),
		"deleted", j.stats.Deleted.Load())
	return nil
}

func (j *Job) loop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.RunPass()
		}
	}
}

// =============================================================================
// Pass
// =============================================================================

// RunPass executes one archival pass over every configured table.
// Errors on one table log and move on; the next tick retries.
func (j *Job) RunPass() {
	cfg := j.provider.Current().Store
	j.stats.Runs.Add(1)

	for _, t := range tables {
		days := cfg.RetentionDays[t.String()]
		if days <= 0 {
			continue
		}
		cutoff := j.nowMs() - int64(days)*24*int64(time.Hour/time.Millisecond)

		if err := j.expireTable(cfg, t, cutoff); err != nil {
			j.stats.Errors.Add(1)
			j.log.Error("retention pass", "table", t.String(), "error", err)
		}
	}
}

// expireTable drains one table's expired rows in pages, archiving each
// page before deleting it.
func (j *Job) expireTable(cfg config.StoreConfig, table types.Table, cutoff int64) error {
	if cfg.ArchiveDir == "" {
		return j.purgeTable(table, cutoff)
	}

	var arch *archiveFile
	archived, deleted := int64(0), int64(0)

	for {
		rows, err := j.store.SamplesBefore(table, cutoff, j.batchSize)
		if err != nil {
			return errors.Wrap(err, "read expired rows")
		}
		if len(rows) == 0 {
			break
		}

		if arch == nil {
			arch, err = newArchiveFile(cfg.ArchiveDir, table, time.UnixMilli(j.nowMs()))
			if err != nil {
				return errors.Wrap(err, "open archive")
			}
		}
		if err := arch.write(rows); err != nil {
			arch.abort()
			return errors.Wrap(err, "write archive")
		}

		ids := make([]int64, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		n, err := j.store.DeleteSampleRows(table, ids)
		if err != nil {
			arch.abort()
			return errors.Wrap(err, "delete archived rows")
		}
		archived += int64(len(rows))
		deleted += n
	}

	if arch == nil {
		return nil
	}
	if err := arch.close(); err != nil {
		return errors.Wrap(err, "close archive")
	}

	j.stats.Archived.Add(archived)
	j.stats.Deleted.Add(deleted)
	j.log.Info("samples archived",
		"table", table.String(),
		"rows", archived,
		"file", arch.path)
	return nil
}

// purgeTable deletes expired rows in bounded pages without archiving.
func (j *Job) purgeTable(table types.Table, cutoff int64) error {
	var total int64
	for {
		n, err := j.store.DeleteSamplesBatch(table, cutoff, j.batchSize)
		if err != nil {
			return errors.Wrap(err, "delete expired rows")
		}
		total += n
		if n < int64(j.batchSize) {
			break
		}
	}
	if total > 0 {
		j.stats.Deleted.Add(total)
		j.log.Info("samples purged", "table", table.String(), "rows", total)
	}
	return nil
}
