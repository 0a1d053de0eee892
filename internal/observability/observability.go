// Package observability collects advisory signals from the data path.
//
// The quality pipeline emits one QualityMetric per record; this package
// aggregates them into per-stage flag counts and a latency distribution.
// Everything here is advisory: a sink must never block or fail the caller.
package observability

import (
	"sort"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"

	appconfig "github.com/tbmworks/shieldedge/config"
)

// =============================================================================
// Quality Metrics
// =============================================================================

// QualityMetric describes one pipeline verdict.
type QualityMetric struct {
	Tag       string
	Flag      string
	Stage     string
	LatencyMs float64
}

// Sink receives quality metrics. Implementations must be cheap and
// non-blocking; the pipeline calls this on the hot path.
type Sink interface {
	RecordQuality(m QualityMetric)
}

// NopSink discards everything.
type NopSink struct{}

// RecordQuality implements Sink.
func (NopSink) RecordQuality(QualityMetric) {}

// =============================================================================
// Collector
// =============================================================================

// Collector is the default Sink: per-(stage, flag) counters plus a
// DDSketch of per-record pipeline latency.
type Collector struct {
	mu      sync.Mutex
	counts  map[stageFlag]int64
	latency *ddsketch.DDSketch
	dropped int64
}

type stageFlag struct {
	Stage string
	Flag  string
}

// NewCollector creates a collector with the configured sketch accuracy.
func NewCollector() *Collector {
	sketch, err := ddsketch.NewDefaultDDSketch(appconfig.DefaultLatencySketchAccuracy)
	if err != nil {
		// Only reachable with an accuracy outside (0, 1).
		panic(err)
	}
	return &Collector{
		counts:  make(map[stageFlag]int64),
		latency: sketch,
	}
}

// RecordQuality implements Sink.
func (c *Collector) RecordQuality(m QualityMetric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[stageFlag{m.Stage, m.Flag}]++
	if m.LatencyMs >= 0 {
		if err := c.latency.Add(m.LatencyMs); err != nil {
			c.dropped++
		}
	}
}

// StageCount is one aggregated (stage, flag) pair.
type StageCount struct {
	Stage string
	Flag  string
	Count int64
}

// Snapshot returns the aggregated counts sorted by stage then flag.
func (c *Collector) Snapshot() []StageCount {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]StageCount, 0, len(c.counts))
	for k, n := range c.counts {
		out = append(out, StageCount{Stage: k.Stage, Flag: k.Flag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].Flag < out[j].Flag
	})
	return out
}

// LatencyQuantiles returns pipeline latency quantiles in milliseconds.
// Values are zero until the first record arrives.
func (c *Collector) LatencyQuantiles(qs ...float64) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]float64, len(qs))
	if c.latency.GetCount() == 0 {
		return out
	}
	for i, q := range qs {
		v, err := c.latency.GetValueAtQuantile(q)
		if err == nil {
			out[i] = v
		}
	}
	return out
}
