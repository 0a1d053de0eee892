// Package buffer implements the buffer writer.
//
// It coalesces per-record pipeline output into batched transactional
// store writes while bounding memory. Each destination table has its own
// bounded FIFO; a flush is triggered by the size threshold, the wall
// timer, or shutdown. A batch that fails twice is appended to the poison
// sidecar and the writer moves on.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	appconfig "github.com/tbmworks/shieldedge/config"
	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/logging"
	"github.com/tbmworks/shieldedge/internal/observability"
	"github.com/tbmworks/shieldedge/internal/store"
	"github.com/tbmworks/shieldedge/internal/types"
)

// tables is the fixed set of destinations the writer manages.
var tables = []types.Table{types.TablePLC, types.TableAttitude, types.TableMonitoring}

// Stats holds buffer writer statistics.
type Stats struct {
	Enqueued        atomic.Int64
	DroppedOverflow atomic.Int64
	Flushed         atomic.Int64
	FlushErrors     atomic.Int64
	Poisoned        atomic.Int64
}

// Writer owns the per-table FIFOs and the flush loop.
type Writer struct {
	store   *store.Store
	cfg     config.BufferConfig
	log     *slog.Logger
	limiter *observability.LogLimiter

	queues map[types.Table]*fifo
	poison *poisonWriter

	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	flushCh   chan struct{}
	lastFlush atomic.Int64

	stats Stats
}

// New creates a buffer writer in front of st.
func New(st *store.Store, cfg config.BufferConfig) *Writer {
	queues := make(map[types.Table]*fifo, len(tables))
	for _, t := range tables {
		queues[t] = newFifo(cfg.MaxSize, cfg.Overflow)
	}
	return &Writer{
		store:   st,
		cfg:     cfg,
		log:     logging.Component("buffer"),
		limiter: observability.NewLogLimiter(appconfig.DefaultLogLimitInterval),
		queues:  queues,
		poison:  newPoisonWriter(cfg.PoisonDir),
		flushCh: make(chan struct{}, 1),
	}
}

// Stats returns the writer counters.
func (w *Writer) Stats() *Stats {
	return &w.stats
}

// QueueLen returns the current length of one table's FIFO.
func (w *Writer) QueueLen(table types.Table) int {
	return w.queues[table].len()
}

// LastFlushMs returns when the last successful flush completed, zero
// before the first.
func (w *Writer) LastFlushMs() int64 {
	return w.lastFlush.Load()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the flush loop.
func (w *Writer) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go w.flushLoop()

	w.log.Info("buffer writer started",
		"max_size", w.cfg.MaxSize,
		"flush_threshold", w.cfg.FlushThreshold,
		"flush_interval", w.cfg.FlushInterval,
		"overflow", w.cfg.Overflow)
	return nil
}

// Stop drains the queues within the shutdown grace and moves whatever
// remains to the poison sidecar.
func (w *Writer) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}

	for _, f := range w.queues {
		f.drain()
	}
	w.cancel()
	w.wg.Wait()

	deadline := time.Now().Add(w.cfg.ShutdownGrace)
	for _, t := range tables {
		w.flushTable(t, true, deadline)
	}

	for _, t := range tables {
		if rest := w.queues[t].take(0); len(rest) > 0 {
			w.poisonBatch(t, rest, errors.ErrStopped)
		}
	}

	if err := w.poison.close(); err != nil {
		w.log.Warn("close poison file", "error", err)
	}
	w.log.Info("buffer writer stopped",
		"flushed", w.stats.Flushed.Load(),
		"poisoned", w.stats.Poisoned.Load())
	return nil
}

// =============================================================================
// Enqueue
// =============================================================================

// Enqueue admits one record. With the block policy the call applies
// backpressure to the producer; once storage has gone fatal the writer
// degrades to drop_oldest so producers never wedge on a dead database.
func (w *Writer) Enqueue(s types.Sample) {
	f := w.queues[s.Table]

	var dropped bool
	if w.cfg.Overflow == config.OverflowBlock && w.store.Fatal() {
		dropped = f.pushDropOldest(s)
	} else {
		dropped = f.push(s)
	}

	w.stats.Enqueued.Add(1)
	if dropped {
		w.stats.DroppedOverflow.Add(1)
		if ok, suppressed := w.limiter.Allow("overflow:" + s.Table.String()); ok {
			w.log.Warn("buffer overflow",
				"table", s.Table.String(), "suppressed", suppressed)
		}
	}

	if f.len() >= w.cfg.FlushThreshold {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

// =============================================================================
// Flush Loop
// =============================================================================

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushAll(true)
		case <-w.flushCh:
			w.flushAll(false)
		}
	}
}

// flushAll flushes every table. When force is false only tables at or
// above the threshold are flushed.
func (w *Writer) flushAll(force bool) {
	for _, t := range tables {
		if force || w.queues[t].len() >= w.cfg.FlushThreshold {
			w.flushTable(t, force, time.Time{})
		}
	}
}

// flushTable drains one table in threshold-sized batches. A non-zero
// deadline bounds the shutdown drain.
func (w *Writer) flushTable(table types.Table, force bool, deadline time.Time) {
	f := w.queues[table]
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return
		}
		n := w.cfg.FlushThreshold
		if f.len() < n && !force {
			return
		}
		batch := f.take(n)
		if len(batch) == 0 {
			return
		}
		if !w.flushBatch(table, batch) {
			return
		}
	}
}

// flushBatch writes one batch, retrying once. Returns false when the
// table should not be drained further right now.
func (w *Writer) flushBatch(table types.Table, batch []types.Sample) bool {
	if w.store.Fatal() {
		w.requeue(table, batch)
		return false
	}

	err := w.store.InsertSamples(table, batch)
	if err == nil {
		w.stats.Flushed.Add(int64(len(batch)))
		w.lastFlush.Store(time.Now().UnixMilli())
		return true
	}
	w.stats.FlushErrors.Add(1)

	if errors.IsStorageFatal(err) {
		// Keep the records: the process survives so an operator can
		// inspect, and the queue degrades per its overflow policy.
		w.requeue(table, batch)
		if ok, suppressed := w.limiter.Allow("fatal"); ok {
			w.log.Error("storage fatal, writes suspended",
				"table", table.String(), "error", err, "suppressed", suppressed)
		}
		return false
	}

	time.Sleep(w.cfg.FlushRetryDelay)
	if err = w.store.InsertSamples(table, batch); err == nil {
		w.stats.Flushed.Add(int64(len(batch)))
		w.lastFlush.Store(time.Now().UnixMilli())
		return true
	}
	w.stats.FlushErrors.Add(1)

	w.poisonBatch(table, batch, err)
	return true
}

func (w *Writer) requeue(table types.Table, batch []types.Sample) {
	if overflow := w.queues[table].requeue(batch); len(overflow) > 0 {
		w.stats.DroppedOverflow.Add(int64(len(overflow)))
	}
}

func (w *Writer) poisonBatch(table types.Table, batch []types.Sample, reason error) {
	if err := w.poison.append(table, batch, reason); err != nil {
		w.log.Error("poison append failed",
			"table", table.String(), "records", len(batch), "error", err)
		return
	}
	w.stats.Poisoned.Add(int64(len(batch)))
	if ok, suppressed := w.limiter.Allow("poison:" + table.String()); ok {
		w.log.Warn("batch poisoned",
			"table", table.String(), "records", len(batch),
			"reason", reason, "suppressed", suppressed)
	}
}
