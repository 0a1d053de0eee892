// Package pipeline implements the quality pipeline.
//
// Every raw sample passes through a fixed stage order: threshold
// validation, interpolation, physical reasonableness, calibration,
// quality metrics. The pipeline does no I/O: it is a function of the
// incoming sample, the current config snapshot and a small per-tag
// rolling state. One Pipeline instance is driven by one goroutine, so
// the state needs no locking.
//
// Interpolation defers emission: a gap is held until the next good
// sample for the tag arrives (linear interpolation) or until the gap
// limit elapses (the previous value is emitted, flagged interpolated).
// Process therefore returns zero or more samples per input, and
// FlushExpired must be ticked to resolve gaps that never see a forward
// sample.
package pipeline

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/logging"
	"github.com/tbmworks/shieldedge/internal/observability"
	"github.com/tbmworks/shieldedge/internal/types"
)

// Stage names reported to the observability sink.
const (
	StageIntake         = "intake"
	StageThreshold      = "threshold"
	StageInterpolation  = "interpolation"
	StageReasonableness = "reasonableness"
	StageCalibration    = "calibration"
)

// Stats holds pipeline statistics.
type Stats struct {
	Processed    atomic.Int64
	OutOfRange   atomic.Int64
	Interpolated atomic.Int64
	Implausible  atomic.Int64
	Calibrated   atomic.Int64
	Dropped      atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithoutInterpolation disables the interpolation stage. Used for
// manually submitted logs, which are sparse by nature and must never be
// imputed.
func WithoutInterpolation() Option {
	return func(p *Pipeline) { p.interpolate = false }
}

// withNow overrides the clock for tests.
func withNow(now func() int64) Option {
	return func(p *Pipeline) { p.nowMs = now }
}

// Pipeline transforms raw samples into flagged clean samples.
type Pipeline struct {
	provider *config.Provider
	sink     observability.Sink
	log      *slog.Logger

	// tags holds per-tag rolling state, keyed by tag name so cross-tag
	// rules can see sibling values.
	tags map[string]*tagState

	interpolate bool
	stats       Stats
	nowMs       func() int64
}

// New creates a pipeline reading config from provider and reporting
// verdicts to sink.
func New(provider *config.Provider, sink observability.Sink, opts ...Option) *Pipeline {
	if sink == nil {
		sink = observability.NopSink{}
	}
	p := &Pipeline{
		provider:    provider,
		sink:        sink,
		log:         logging.Component("pipeline"),
		tags:        make(map[string]*tagState),
		interpolate: true,
		nowMs:       func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() *Stats {
	return &p.stats
}

// =============================================================================
// Process
// =============================================================================

// Process runs one sample through every stage and returns the records to
// persist: resolved interpolations first (in timestamp order), then the
// sample itself unless it was consumed as a gap marker or dropped.
func (p *Pipeline) Process(s types.Sample) []types.Sample {
	snap := p.provider.Current()
	cfg := &snap.Pipeline
	start := time.Now()

	p.stats.Processed.Add(1)
	st := p.state(s.Tag)

	// Missing markers never produce a row; they only open a gap.
	if s.Flag.Has(types.FlagMissing) {
		if p.interpolate {
			st.addGap(gapEntry{
				tsMs: s.TimestampMs, ring: s.Ring,
				source: s.Source, table: s.Table, address: s.Address,
			})
		}
		p.emitMetric(s.Tag, s.Flag, StageIntake, start)
		return nil
	}

	// Stage 1: threshold validation. Out-of-range values become gaps;
	// the flagged record itself is still persisted for accounting.
	flaggedStage := ""
	if p.checkThreshold(cfg, &s, start) {
		flaggedStage = StageThreshold
		p.stats.OutOfRange.Add(1)
		if p.interpolate {
			st.addGap(gapEntry{
				tsMs: s.TimestampMs, ring: s.Ring,
				source: s.Source, table: s.Table, address: s.Address,
			})
		}
		p.emitMetric(s.Tag, s.Flag, flaggedStage, start)
		return []types.Sample{s}
	}

	// Stage 2: interpolation. Resolve gaps now that a forward value
	// exists, then detect a silent time gap since the last good sample.
	var out []types.Sample
	if p.interpolate {
		out = p.resolveGaps(cfg, st, &s, start)
		st.addGood(s.TimestampMs, s.Value, cfg.HistorySize, cfg.HistoryWindow)
	}

	// Stage 3: physical reasonableness. The value is preserved either
	// way so aggregation can count the flag.
	if p.checkReasonableness(cfg, st, &s) {
		flaggedStage = StageReasonableness
		p.stats.Implausible.Add(1)
	}
	st.observe(s.TimestampMs, s.Value)

	// Stage 4: calibration.
	if p.calibrate(cfg, &s) {
		if flaggedStage == "" {
			flaggedStage = StageCalibration
		}
		p.stats.Calibrated.Add(1)
	}

	// Stage 5: quality metrics.
	if flaggedStage == "" {
		flaggedStage = StageIntake
	}
	p.emitMetric(s.Tag, s.Flag, flaggedStage, start)

	return append(out, s)
}

// FlushExpired resolves pending gaps whose look-ahead window has elapsed
// without a forward sample: the held previous value is emitted flagged
// interpolated, or the gap is dropped when the previous good sample is
// itself too old. Call it on a timer alongside Process.
func (p *Pipeline) FlushExpired() []types.Sample {
	snap := p.provider.Current()
	cfg := &snap.Pipeline
	nowMs := p.nowMs()
	gapMaxMs := int64(cfg.GapMaxSeconds * 1000)
	start := time.Now()

	var out []types.Sample
	for tag, st := range p.tags {
		if len(st.pending) == 0 {
			continue
		}
		remaining := st.pending[:0]
		for _, g := range st.pending {
			if nowMs-g.tsMs <= gapMaxMs {
				remaining = append(remaining, g)
				continue
			}
			prev, ok := st.lastGood()
			if !ok || g.tsMs <= prev.tsMs || g.tsMs-prev.tsMs > gapMaxMs {
				p.stats.Dropped.Add(1)
				continue
			}
			held := p.imputed(cfg, tag, g, prev.value)
			p.emitMetric(tag, held.Flag, StageInterpolation, start)
			out = append(out, held)
		}
		st.pending = remaining
	}
	return out
}

// =============================================================================
// Interpolation
// =============================================================================

// resolveGaps turns pending gaps into interpolated records using the
// arriving sample as the forward anchor, and imputes a midpoint when the
// tag went silent between two good samples.
func (p *Pipeline) resolveGaps(cfg *config.PipelineConfig, st *tagState, s *types.Sample, start time.Time) []types.Sample {
	gapMaxMs := int64(cfg.GapMaxSeconds * 1000)

	var out []types.Sample
	resolved := false
	for _, g := range st.pending {
		prev, ok := st.lastGood()
		if !ok || g.tsMs <= prev.tsMs || g.tsMs >= s.TimestampMs {
			p.stats.Dropped.Add(1)
			continue
		}
		if g.tsMs-prev.tsMs > gapMaxMs {
			p.stats.Dropped.Add(1)
			continue
		}
		value := lerp(prev.tsMs, prev.value, s.TimestampMs, s.Value, g.tsMs)
		rec := p.imputed(cfg, s.Tag, g, value)
		p.emitMetric(s.Tag, rec.Flag, StageInterpolation, start)
		out = append(out, rec)
		resolved = true
	}
	st.pending = st.pending[:0]

	if resolved {
		return out
	}

	// Silent gap: two good samples far apart with no marker in between.
	// One midpoint record keeps the series connected without inventing
	// a full fill at unknown cadence.
	prev, ok := st.lastGood()
	if !ok {
		return out
	}
	dt := s.TimestampMs - prev.tsMs
	cadence := st.cadenceMs()
	if cadence <= 0 || dt <= 2*cadence || dt > gapMaxMs {
		return out
	}
	mid := gapEntry{
		tsMs: prev.tsMs + dt/2, ring: s.Ring,
		source: s.Source, table: s.Table, address: s.Address,
	}
	value := lerp(prev.tsMs, prev.value, s.TimestampMs, s.Value, mid.tsMs)
	rec := p.imputed(cfg, s.Tag, mid, value)
	p.emitMetric(s.Tag, rec.Flag, StageInterpolation, start)
	return append(out, rec)
}

// imputed builds an interpolated record and runs it through calibration.
func (p *Pipeline) imputed(cfg *config.PipelineConfig, tag string, g gapEntry, value float64) types.Sample {
	rec := types.Sample{
		Source:      g.source,
		Tag:         tag,
		TimestampMs: g.tsMs,
		Value:       value,
		Flag:        types.FlagInterpolated,
		Table:       g.table,
		Ring:        g.ring,
		Address:     g.address,
	}
	p.stats.Interpolated.Add(1)
	p.calibrate(cfg, &rec)
	return rec
}

func lerp(t0 int64, v0 float64, t1 int64, v1 float64, t int64) float64 {
	if t1 == t0 {
		return v0
	}
	frac := float64(t-t0) / float64(t1-t0)
	return v0 + (v1-v0)*frac
}

// =============================================================================
// Helpers
// =============================================================================

func (p *Pipeline) state(tag string) *tagState {
	st, ok := p.tags[tag]
	if !ok {
		st = &tagState{}
		p.tags[tag] = st
	}
	return st
}

func (p *Pipeline) emitMetric(tag string, flag types.QualityFlag, stage string, start time.Time) {
	p.sink.RecordQuality(observability.QualityMetric{
		Tag:       tag,
		Flag:      flag.String(),
		Stage:     stage,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	})
}
