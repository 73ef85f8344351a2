package monitor

import "math"

// MOSThreshold is the score below which call quality is considered poor.
const MOSThreshold = 3.5

// CalculateMOS estimates a mean opinion score with a simplified E-model.
// latency and jitter are in milliseconds, lossRate in [0, 1]. The result is
// clamped to [1, 4.5]; the cubic dips just below 1 for R under ~6.4.
func CalculateMOS(latency, jitter, lossRate float64) float64 {
	effectiveLatency := latency + 2*jitter + 10.0

	var r float64
	if effectiveLatency < 160 {
		r = 93.2 - effectiveLatency/40.0
	} else {
		r = 93.2 - (effectiveLatency-120.0)/10.0
	}
	r -= 2.5 * (lossRate * 100)

	switch {
	case r > 100:
		return 4.5
	case r >= 0:
		return math.Max(1, 1+0.035*r+0.000007*r*(r-60)*(100-r))
	default:
		return 1
	}
}
