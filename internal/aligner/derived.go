package aligner

import (
	"math"

	"github.com/tbmworks/shieldedge/internal/config"
	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Derived Indicators
// =============================================================================

// applyDerived fills the derived indicator columns. A zero divisor or a
// missing input aggregate yields nil, never a default value.
func applyDerived(cfg config.AlignerConfig, sum *types.RingSummary, rpmMean, powerMean *float64) {
	rpm := cfg.CutterheadRPM
	if rpmMean != nil {
		rpm = *rpmMean
	}
	duration := sum.DurationMinutes()

	sum.SpecificEnergy = specificEnergy(cfg.Geometry, sum.Torque.Mean, rpm, duration)
	sum.GroundLossRate = groundLossRate(cfg.Geometry, sum.GroutVolume.Mean)
	sum.VolumeLossRatio = volumeLossRatio(cfg.Geometry, sum.GroundLossRate)
	sum.TorqueThrustRatio = ratio(sum.Torque.Mean, sum.Thrust.Mean)
	sum.PenetrationEfficiency = penetrationEfficiency(sum.AdvanceRate.Mean, sum.Thrust.Mean, powerMean)
}

// specificEnergy is mean torque times the cutterhead's total rotation
// over the advance distance and face area: kNm·rad over m³ gives kJ/m³.
func specificEnergy(g config.GeometryConfig, meanTorque *float64, rpm, durationMinutes float64) *float64 {
	if meanTorque == nil || rpm <= 0 || durationMinutes <= 0 {
		return nil
	}
	area := g.CrossSectionArea()
	if g.RingWidth <= 0 || area <= 0 {
		return nil
	}
	revolutions := rpm * durationMinutes
	se := (*meanTorque * 2 * math.Pi * revolutions) / (g.RingWidth * area)
	return &se
}

// groundLossRate approximates the ground volume lost to settlement as
// grout injected beyond the theoretical tail void.
func groundLossRate(g config.GeometryConfig, meanGroutVolume *float64) *float64 {
	if meanGroutVolume == nil {
		return nil
	}
	loss := *meanGroutVolume - g.TailVoid()
	return &loss
}

// volumeLossRatio is ground loss as a percentage of the excavated
// volume. Negative loss clamps to zero before the ratio.
func volumeLossRatio(g config.GeometryConfig, groundLoss *float64) *float64 {
	if groundLoss == nil {
		return nil
	}
	ev := g.ExcavationVolume()
	if ev <= 0 {
		return nil
	}
	loss := *groundLoss
	if loss < 0 {
		loss = 0
	}
	ratio := loss / ev * 100
	return &ratio
}

// ratio divides two aggregates, nil when either is absent or the
// divisor is non-positive.
func ratio(num, den *float64) *float64 {
	if num == nil || den == nil || *den <= 0 {
		return nil
	}
	r := *num / *den
	return &r
}

// penetrationEfficiency is the advance rate in m/min over the product
// of mean thrust and mean drive power, scaled by 1e6 into a unitless
// index. Nil thrust or power, or a non-positive one, yields nil.
func penetrationEfficiency(meanAdvanceRate, meanThrust, meanPower *float64) *float64 {
	if meanAdvanceRate == nil || meanThrust == nil || meanPower == nil {
		return nil
	}
	if *meanThrust <= 0 || *meanPower <= 0 {
		return nil
	}
	pe := (*meanAdvanceRate / 1000) / (*meanThrust * *meanPower) * 1e6
	return &pe
}
