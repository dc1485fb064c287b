// Package calib converts raw, source-dependent retrieval scores into
// well-behaved [0,1] values.
//
// Raw BM25 scores and reranker logits have unbounded, query-dependent
// scales. Mapping them through a per-request logistic keeps the routing
// thresholds meaningful across query distributions.
package calib

import "math"

// epsilon is the floor for standard deviations and ranges.
const epsilon = 1e-6

// Stats holds per-request statistics over one source's raw scores.
type Stats struct {
	Mean float64
	Std  float64
	Min  float64
	Max  float64
	N    int
}

// Clamp restricts value to the inclusive range [0, 1].
func Clamp(value float64) float64 {
	return ClampRange(value, 0, 1)
}

// ClampRange restricts value to the inclusive range [low, high].
func ClampRange(value, low, high float64) float64 {
	return math.Max(low, math.Min(high, value))
}

// Sigmoid is the numerically stable logistic function.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		z := math.Exp(-x)
		return 1.0 / (1.0 + z)
	}
	z := math.Exp(x)
	return z / (1.0 + z)
}

// ComputeStats returns mean, sample standard deviation, min and max for
// values. The standard deviation uses the n-1 denominator when more than
// one value is present, otherwise zero.
func ComputeStats(values []float64) Stats {
	s := Stats{N: len(values)}
	if s.N == 0 {
		return s
	}

	s.Min = values[0]
	s.Max = values[0]
	var sum float64
	for _, v := range values {
		sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean = sum / float64(s.N)

	if s.N > 1 {
		var ss float64
		for _, v := range values {
			d := v - s.Mean
			ss += d * d
		}
		s.Std = math.Sqrt(ss / float64(s.N-1))
	}
	return s
}

// LogisticFromStats maps a raw score into [0,1] using the request-level
// statistics of its source:
//
//	σ((x − mean) / max(std, ε) · scale)
//
// When the sample is too small or degenerate (n ≤ 1, std < ε) it falls
// back to min-max scaling, and to 0.5 when the range itself is degenerate.
func LogisticFromStats(x float64, stats Stats, scale float64) float64 {
	if scale == 0 {
		scale = 1.0
	}
	if stats.N <= 1 || stats.Std < epsilon {
		span := stats.Max - stats.Min
		if stats.N == 0 || span < epsilon {
			return 0.5
		}
		return Clamp((x - stats.Min) / span)
	}
	z := (x - stats.Mean) / math.Max(stats.Std, epsilon) * scale
	return Sigmoid(z)
}
