package pipeline

import (
	"math"
	"time"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/observability"
	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Threshold Validation
// =============================================================================

// checkThreshold flags values outside [min, max] and reports whether the
// sample became a gap. Warn bounds never alter the record; they surface
// as advisory metrics only.
func (p *Pipeline) checkThreshold(cfg *config.PipelineConfig, s *types.Sample, start time.Time) bool {
	thr, ok := cfg.Thresholds[s.Tag]
	if !ok {
		return false
	}

	if s.Value < thr.Min || s.Value > thr.Max {
		s.Flag |= types.FlagOutOfRange
		return true
	}

	if thr.WarnLow != nil && s.Value < *thr.WarnLow {
		p.sink.RecordQuality(observability.QualityMetric{
			Tag: s.Tag, Flag: "warn_low", Stage: StageThreshold,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		})
	}
	if thr.WarnHigh != nil && s.Value > *thr.WarnHigh {
		p.sink.RecordQuality(observability.QualityMetric{
			Tag: s.Tag, Flag: "warn_high", Stage: StageThreshold,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		})
	}
	return false
}

// =============================================================================
// Physical Reasonableness
// =============================================================================

// checkReasonableness applies the rate bound and cross-tag implications
// and reports whether the sample was flagged.
func (p *Pipeline) checkReasonableness(cfg *config.PipelineConfig, st *tagState, s *types.Sample) bool {
	flagged := false

	if maxRate, ok := cfg.MaxRates[s.Tag]; ok && st.hasLast {
		dtMs := s.TimestampMs - st.lastTsMs
		if dtMs > 0 {
			rate := math.Abs(s.Value-st.lastValue) / (float64(dtMs) / 1000.0)
			if rate > maxRate {
				s.Flag |= types.FlagImplausible
				flagged = true
			}
		}
	}

	for _, rule := range cfg.CrossRules {
		if rule.When != s.Tag || s.Value <= rule.WhenAbove {
			continue
		}
		other, ok := p.tags[rule.Require]
		if !ok || !other.hasLast {
			continue
		}
		if other.lastValue <= rule.RequireAbove {
			s.Flag |= types.FlagImplausible
			flagged = true
		}
	}

	return flagged
}

// =============================================================================
// Calibration
// =============================================================================

// calibrate applies the per-tag linear correction, preserving the raw
// value on the record. Returns whether a correction was applied.
func (p *Pipeline) calibrate(cfg *config.PipelineConfig, s *types.Sample) bool {
	cal, ok := cfg.Calibrations[s.Tag]
	if !ok {
		return false
	}
	raw := s.Value
	s.RawValue = &raw
	s.Value = cal.Offset + cal.Scale*raw
	s.Flag |= types.FlagCalibrated
	return true
}
