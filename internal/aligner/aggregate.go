package aligner

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"

	appconfig "github.com/tbmworks/shieldedge/config"
	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Window Aggregation
// =============================================================================

// indicatorNames are the PLC aggregates a summary row carries, in the
// order they land on the row.
var indicatorNames = []string{
	"thrust",
	"torque",
	"chamber_pressure",
	"advance_rate",
	"grout_pressure",
	"grout_volume",
}

// rpmIndicator and powerIndicator name the optional channels used by
// the derived indicators when present.
const (
	rpmIndicator   = "cutterhead_speed"
	powerIndicator = "cutterhead_power"
)

// plcAggregates holds the per-indicator aggregates of one ring window.
type plcAggregates struct {
	byName map[string]types.Stats

	// rpmMean and powerMean are the mean cutterhead rotation speed and
	// drive power, nil when the channel is absent from the window.
	rpmMean   *float64
	powerMean *float64

	// sampleCount is the number of PLC rows in the window, included or
	// not.
	sampleCount int

	// quantiles holds advisory p50/p95 per indicator.
	quantiles map[string][2]float64
}

// tagFor resolves an indicator name to its configured tag, defaulting
// to the indicator name itself.
func tagFor(cfg config.AlignerConfig, name string) string {
	if tag, ok := cfg.Indicators[name]; ok && tag != "" {
		return tag
	}
	return name
}

// aggregatePLC computes the indicator aggregates over one window's PLC
// samples. Excluded flags never contribute; interpolated and calibrated
// records count like good ones.
func aggregatePLC(cfg config.AlignerConfig, samples []types.Sample) plcAggregates {
	agg := plcAggregates{
		byName:      make(map[string]types.Stats, len(indicatorNames)),
		sampleCount: len(samples),
		quantiles:   make(map[string][2]float64),
	}

	byTag := make(map[string][]float64)
	for _, s := range samples {
		if s.Flag.Excluded() {
			continue
		}
		byTag[s.Tag] = append(byTag[s.Tag], s.Value)
	}

	for _, name := range indicatorNames {
		values := byTag[tagFor(cfg, name)]
		agg.byName[name] = computeStats(values)
		if q, ok := computeQuantiles(values); ok {
			agg.quantiles[name] = q
		}
	}

	if values := byTag[tagFor(cfg, rpmIndicator)]; len(values) > 0 {
		agg.rpmMean = computeStats(values).Mean
	}
	if values := byTag[tagFor(cfg, powerIndicator)]; len(values) > 0 {
		agg.powerMean = computeStats(values).Mean
	}
	return agg
}

// computeStats returns the four aggregates, all nil for an empty input.
func computeStats(values []float64) types.Stats {
	if len(values) == 0 {
		return types.Stats{}
	}
	min, max := values[0], values[0]
	sum := 0.0
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(len(values))

	varSum := 0.0
	for _, v := range values {
		d := v - mean
		varSum += d * d
	}
	std := math.Sqrt(varSum / float64(len(values)))

	return types.Stats{Mean: &mean, Max: &max, Min: &min, Std: &std}
}

// computeQuantiles returns advisory (p50, p95) for an indicator.
func computeQuantiles(values []float64) ([2]float64, bool) {
	if len(values) == 0 {
		return [2]float64{}, false
	}
	sketch, err := ddsketch.NewDefaultDDSketch(appconfig.DefaultIndicatorSketchAccuracy)
	if err != nil {
		return [2]float64{}, false
	}
	for _, v := range values {
		// Shift keeps non-positive readings inside the sketch's domain.
		_ = sketch.Add(v - minValue(values) + 1)
	}
	base := minValue(values) - 1
	p50, err1 := sketch.GetValueAtQuantile(0.50)
	p95, err2 := sketch.GetValueAtQuantile(0.95)
	if err1 != nil || err2 != nil {
		return [2]float64{}, false
	}
	return [2]float64{p50 + base, p95 + base}, true
}

func minValue(values []float64) float64 {
	m := values[0]
	for _, v := range values {
		if v < m {
			m = v
		}
	}
	return m
}

// =============================================================================
// Attitude Aggregation
// =============================================================================

// attitudeAggregates holds the attitude fields of one window.
type attitudeAggregates struct {
	meanPitch        *float64
	meanRoll         *float64
	meanYaw          *float64
	maxHorizontalDev *float64
	maxVerticalDev   *float64

	sampleCount int
}

// complete reports whether every attitude field has a value.
func (a attitudeAggregates) complete() bool {
	return a.meanPitch != nil && a.meanRoll != nil && a.meanYaw != nil &&
		a.maxHorizontalDev != nil && a.maxVerticalDev != nil
}

// attitudeTagFor resolves an attitude field to its tag, defaulting to
// the field name.
func attitudeTagFor(cfg config.AlignerConfig, field string) string {
	if tag, ok := cfg.AttitudeTags[field]; ok && tag != "" {
		return tag
	}
	return field
}

func aggregateAttitude(cfg config.AlignerConfig, samples []types.Sample) attitudeAggregates {
	byTag := make(map[string][]float64)
	for _, s := range samples {
		if s.Flag.Excluded() {
			continue
		}
		byTag[s.Tag] = append(byTag[s.Tag], s.Value)
	}

	agg := attitudeAggregates{sampleCount: len(samples)}
	agg.meanPitch = computeStats(byTag[attitudeTagFor(cfg, "pitch")]).Mean
	agg.meanRoll = computeStats(byTag[attitudeTagFor(cfg, "roll")]).Mean
	agg.meanYaw = computeStats(byTag[attitudeTagFor(cfg, "yaw")]).Mean
	agg.maxHorizontalDev = maxAbs(byTag[attitudeTagFor(cfg, "horizontal_dev")])
	agg.maxVerticalDev = maxAbs(byTag[attitudeTagFor(cfg, "vertical_dev")])
	return agg
}

// maxAbs returns the largest magnitude, preserving its sign.
func maxAbs(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	best := values[0]
	for _, v := range values {
		if math.Abs(v) > math.Abs(best) {
			best = v
		}
	}
	return &best
}

// =============================================================================
// Settlement Association
// =============================================================================

// associateMonitoring picks the first valid settlement and displacement
// from the lag-window monitoring samples, ordered by timestamp.
func associateMonitoring(cfg config.AlignerConfig, samples []types.Sample) (settlement, displacement *float64) {
	for i := range samples {
		s := &samples[i]
		if s.Flag.Excluded() {
			continue
		}
		switch s.Tag {
		case cfg.SettlementTag:
			if settlement == nil {
				v := s.Value
				settlement = &v
			}
		case cfg.DisplacementTag:
			if displacement == nil {
				v := s.Value
				displacement = &v
			}
		}
		if settlement != nil && displacement != nil {
			break
		}
	}
	return settlement, displacement
}
