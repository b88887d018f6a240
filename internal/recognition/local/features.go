package local

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const varianceEpsilon = 1e-7

// extractFeatures scales 16-bit samples to [-1, 1) and, when configured,
// normalizes them to zero mean and unit variance.
func extractFeatures(samples []int, cfg FeatureConfig) []float64 {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = float64(s) / 32768
	}
	if !cfg.DoNormalize || len(values) == 0 {
		return values
	}
	mean, variance := stat.PopMeanVariance(values, nil)
	floats.AddConst(-mean, values)
	floats.Scale(1/math.Sqrt(variance+varianceEpsilon), values)
	return values
}

// energy is the RMS of the input values.
func energy(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return floats.Norm(values, 2) / math.Sqrt(float64(len(values)))
}
