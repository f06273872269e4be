package safety

import "math"

// Confidence bounds. Aggregated scores never reach 0 or 1.
const (
	MinConfidence = 0.1
	MaxConfidence = 0.95
)

// DefaultWeights weight parse, risk, plan and adapt. Earlier stages count
// more because their errors compound downstream.
var DefaultWeights = []float64{0.30, 0.30, 0.25, 0.15}

// Clamp bounds c to [MinConfidence, MaxConfidence]. NaN maps to the minimum.
func Clamp(c float64) float64 {
	if math.IsNaN(c) || c < MinConfidence {
		return MinConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}

// Aggregate combines stage confidences with a weighted harmonic mean and
// clamps the result. Missing weights fall back to DefaultWeights; a stage at
// or below zero confidence pulls the result to the minimum.
func Aggregate(confidences []float64, weights []float64) float64 {
	if len(weights) != len(confidences) {
		weights = DefaultWeights
	}
	n := len(confidences)
	if n > len(weights) {
		n = len(weights)
	}
	if n == 0 {
		return MinConfidence
	}

	var weightSum, denom float64
	for i := 0; i < n; i++ {
		c, w := confidences[i], weights[i]
		if w <= 0 {
			continue
		}
		if c <= 0 || math.IsNaN(c) {
			return MinConfidence
		}
		weightSum += w
		denom += w / c
	}
	if denom == 0 {
		return MinConfidence
	}
	return Clamp(weightSum / denom)
}
