// Package aligner implements the ring alignment job.
//
// On a fixed tick it finds completed rings that have no summary yet,
// aggregates the window's PLC, attitude and monitoring samples into one
// RingSummary row, computes the derived engineering indicators, and
// writes the row in a single transaction. Rows stay updatable for one
// grace window so late settlement readings can be associated, then
// become final.
package aligner

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/errors"
	"github.com/tbmworks/shieldedge/internal/logging"
	"github.com/tbmworks/shieldedge/internal/store"
	"github.com/tbmworks/shieldedge/internal/types"
)

// Stats holds aligner counters.
type Stats struct {
	Ticks        atomic.Int64
	Summarized   atomic.Int64
	GraceUpdates atomic.Int64
	ForcedFinal  atomic.Int64
	Errors       atomic.Int64
}

// Aligner owns the periodic alignment job.
type Aligner struct {
	store    *store.Store
	provider *config.Provider
	log      *slog.Logger

	running  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	lastTick atomic.Int64

	stats Stats
	nowMs func() int64
}

// Option configures an Aligner.
type Option func(*Aligner)

// withNow overrides the clock.
func withNow(fn func() int64) Option {
	return func(a *Aligner) { a.nowMs = fn }
}

// New creates an aligner over st.
func New(st *store.Store, provider *config.Provider, opts ...Option) *Aligner {
	a := &Aligner{
		store:    st,
		provider: provider,
		log:      logging.Component("aligner"),
		done:     make(chan struct{}),
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stats returns the aligner counters.
func (a *Aligner) Stats() *Stats { return &a.stats }

// LastTickMs returns when the last tick completed, zero before the
// first.
func (a *Aligner) LastTickMs() int64 { return a.lastTick.Load() }

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the tick loop.
func (a *Aligner) Start() error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	a.wg.Add(1)
	go a.loop()
	a.log.Info("aligner started",
		"tick_interval", a.provider.Current().Aligner.TickInterval)
	return nil
}

// Stop finishes the in-flight tick and stops.
func (a *Aligner) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}
	close(a.done)
	a.wg.Wait()
	a.log.Info("aligner stopped",
		"summarized", a.stats.Summarized.Load())
	return nil
}

func (a *Aligner) loop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.provider.Current().Aligner.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.RunTick()
		}
	}
}

// =============================================================================
// Tick
// =============================================================================

// RunTick executes one alignment pass: summarize newly completed rings,
// re-attempt settlement association for rows in grace, finalize rows
// whose grace expired. Errors on one ring log and move on; the next
// tick retries.
func (a *Aligner) RunTick() {
	cfg := a.provider.Current().Aligner
	now := a.nowMs()
	a.stats.Ticks.Add(1)
	defer a.lastTick.Store(now)

	a.summarizeCompleted(cfg, now)
	a.reattemptGrace(cfg, now)

	finalized, err := a.store.FinalizeExpired(now, cfg.GraceWindow.Milliseconds())
	if err != nil {
		a.stats.Errors.Add(1)
		a.log.Error("finalize expired", "error", err)
	} else if finalized > 0 {
		a.log.Info("summaries finalized", "count", finalized)
	}
}

// summarizeCompleted writes a summary for every ring whose end boundary
// has been observed, plus a forced final summary for a stalled ring
// older than max_ring_age.
func (a *Aligner) summarizeCompleted(cfg config.AlignerConfig, now int64) {
	maxSummarized, err := a.store.MaxSummarizedRing()
	if err != nil {
		a.stats.Errors.Add(1)
		a.log.Error("max summarized ring", "error", err)
		return
	}

	boundaries, err := a.store.RingBoundaries(maxSummarized)
	if err != nil {
		a.stats.Errors.Add(1)
		a.log.Error("ring boundaries", "error", err)
		return
	}
	if len(boundaries) == 0 {
		return
	}

	for i := 0; i < len(boundaries)-1; i++ {
		n, startTs := boundaries[i].Ring, boundaries[i].StartTs
		endTs := boundaries[i+1].StartTs
		if err := a.summarizeRing(cfg, n, startTs, endTs, now, false); err != nil {
			a.stats.Errors.Add(1)
			a.log.Error("summarize ring", "ring", n, "error", err)
		}
	}

	// The newest ring has no end boundary yet. Once it is older than
	// max_ring_age it will never complete normally; summarize as-is and
	// mark final so it is not retried forever.
	last := boundaries[len(boundaries)-1]
	if cfg.MaxRingAge > 0 && now-last.StartTs > cfg.MaxRingAge.Milliseconds() {
		endTs, err := a.store.LatestSampleTs(types.TablePLC)
		if err != nil || endTs <= last.StartTs {
			return
		}
		if err := a.summarizeRing(cfg, last.Ring, last.StartTs, endTs+1, now, true); err != nil {
			a.stats.Errors.Add(1)
			a.log.Error("summarize stalled ring", "ring", last.Ring, "error", err)
			return
		}
		a.stats.ForcedFinal.Add(1)
		a.log.Warn("stalled ring forced final",
			"ring", last.Ring, "age_ms", now-last.StartTs)
	}
}

// summarizeRing aggregates one window and writes the summary row.
func (a *Aligner) summarizeRing(cfg config.AlignerConfig, ring, startTs, endTs, now int64, final bool) error {
	plc, err := a.store.SamplesInRange(types.TablePLC, startTs, endTs)
	if err != nil {
		return errors.Wrap(err, "read plc window")
	}
	attitude, err := a.store.SamplesInRange(types.TableAttitude, startTs, endTs)
	if err != nil {
		return errors.Wrap(err, "read attitude window")
	}
	lagEnd := startTs + cfg.SettlementLagWindow.Milliseconds()
	monitoring, err := a.store.SamplesInRange(types.TableMonitoring, startTs, lagEnd)
	if err != nil {
		return errors.Wrap(err, "read monitoring window")
	}

	sum := a.buildSummary(cfg, ring, startTs, endTs, now, plc, attitude, monitoring)
	sum.Final = final

	if err := a.store.CreateSummary(sum); err != nil {
		return errors.Wrap(err, "write summary")
	}
	a.stats.Summarized.Add(1)
	a.log.Info("ring summarized",
		"ring", ring,
		"window_ms", endTs-startTs,
		"plc_samples", len(plc),
		"completeness", string(sum.CompletenessFlag))
	return nil
}

// buildSummary assembles the row from the window's samples.
func (a *Aligner) buildSummary(cfg config.AlignerConfig, ring, startTs, endTs, now int64,
	plc, attitude, monitoring []types.Sample) *types.RingSummary {

	plcAgg := aggregatePLC(cfg, plc)
	attAgg := aggregateAttitude(cfg, attitude)
	settlement, displacement := associateMonitoring(cfg, monitoring)

	sum := &types.RingSummary{
		RingNumber: ring,
		StartTsMs:  startTs,
		EndTsMs:    endTs,

		Thrust:        plcAgg.byName["thrust"],
		Torque:        plcAgg.byName["torque"],
		ChamberPress:  plcAgg.byName["chamber_pressure"],
		AdvanceRate:   plcAgg.byName["advance_rate"],
		GroutPressure: plcAgg.byName["grout_pressure"],
		GroutVolume:   plcAgg.byName["grout_volume"],

		MeanPitch:        attAgg.meanPitch,
		MeanRoll:         attAgg.meanRoll,
		MeanYaw:          attAgg.meanYaw,
		MaxHorizontalDev: attAgg.maxHorizontalDev,
		MaxVerticalDev:   attAgg.maxVerticalDev,

		SettlementValue:   settlement,
		DisplacementValue: displacement,

		GeologicalZone: cfg.Zone(ring),
		CreatedAtMs:    now,
	}

	applyDerived(cfg, sum, plcAgg.rpmMean, plcAgg.powerMean)
	sum.CompletenessFlag = completeness(plcAgg, attAgg, settlement)

	for name, q := range plcAgg.quantiles {
		a.log.Debug("indicator quantiles",
			"ring", ring, "indicator", name, "p50", q[0], "p95", q[1])
	}
	return sum
}

// completeness classifies the window per the precedence
// missing_plc > partial_plc > partial_attitude > missing_monitoring.
func completeness(plc plcAggregates, att attitudeAggregates, settlement *float64) types.Completeness {
	if plc.sampleCount == 0 {
		return types.CompletenessMissingPLC
	}
	for _, name := range indicatorNames {
		if plc.byName[name].IsNull() {
			return types.CompletenessPartialPLC
		}
	}
	if att.sampleCount == 0 || !att.complete() {
		return types.CompletenessPartialAttitude
	}
	if settlement == nil {
		return types.CompletenessMissingMonitoring
	}
	return types.CompletenessComplete
}

// =============================================================================
// Grace Re-Attempt
// =============================================================================

// reattemptGrace retries settlement association for open summaries
// still missing monitoring values.
func (a *Aligner) reattemptGrace(cfg config.AlignerConfig, now int64) {
	rows, err := a.store.SummariesInGrace(now, cfg.GraceWindow.Milliseconds())
	if err != nil {
		a.stats.Errors.Add(1)
		a.log.Error("summaries in grace", "error", err)
		return
	}

	for i := range rows {
		sum := &rows[i]
		lagEnd := sum.StartTsMs + cfg.SettlementLagWindow.Milliseconds()
		monitoring, err := a.store.SamplesInRange(types.TableMonitoring, sum.StartTsMs, lagEnd)
		if err != nil {
			a.stats.Errors.Add(1)
			a.log.Error("grace monitoring read", "ring", sum.RingNumber, "error", err)
			continue
		}
		settlement, displacement := associateMonitoring(cfg, monitoring)
		if settlement == nil && displacement == nil {
			continue
		}

		if sum.SettlementValue == nil {
			sum.SettlementValue = settlement
		}
		if sum.DisplacementValue == nil {
			sum.DisplacementValue = displacement
		}
		if sum.CompletenessFlag == types.CompletenessMissingMonitoring && sum.SettlementValue != nil {
			sum.CompletenessFlag = types.CompletenessComplete
		}

		if err := a.store.UpdateSummary(sum); err != nil {
			if errors.Is(err, errors.ErrRingFinal) {
				continue
			}
			a.stats.Errors.Add(1)
			a.log.Error("grace update", "ring", sum.RingNumber, "error", err)
			continue
		}
		a.stats.GraceUpdates.Add(1)
		a.log.Info("summary updated in grace",
			"ring", sum.RingNumber,
			"completeness", string(sum.CompletenessFlag))
	}
}
