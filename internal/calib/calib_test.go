package calib

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeStats(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := ComputeStats(nil)
		assert.Equal(t, 0, s.N)
		assert.Zero(t, s.Mean)
		assert.Zero(t, s.Std)
	})

	t.Run("single value has zero std", func(t *testing.T) {
		s := ComputeStats([]float64{3.5})
		assert.Equal(t, 1, s.N)
		assert.Equal(t, 3.5, s.Mean)
		assert.Equal(t, 3.5, s.Min)
		assert.Equal(t, 3.5, s.Max)
		assert.Zero(t, s.Std)
	})

	t.Run("sample std uses n-1", func(t *testing.T) {
		s := ComputeStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
		assert.InDelta(t, 5.0, s.Mean, 1e-9)
		assert.InDelta(t, 2.13809, s.Std, 1e-4)
		assert.Equal(t, 2.0, s.Min)
		assert.Equal(t, 9.0, s.Max)
	})
}

func TestSigmoid(t *testing.T) {
	assert.InDelta(t, 0.5, Sigmoid(0), 1e-12)
	assert.InDelta(t, 1.0, Sigmoid(50), 1e-9)
	assert.InDelta(t, 0.0, Sigmoid(-50), 1e-9)
	// Symmetry.
	assert.InDelta(t, 1.0, Sigmoid(3)+Sigmoid(-3), 1e-12)
	// Extreme inputs stay finite.
	assert.False(t, math.IsNaN(Sigmoid(-1e9)))
	assert.False(t, math.IsNaN(Sigmoid(1e9)))
}

func TestLogisticFromStats(t *testing.T) {
	t.Run("normal sample maps through sigmoid", func(t *testing.T) {
		stats := ComputeStats([]float64{1, 2, 3, 4, 5})
		mid := LogisticFromStats(3, stats, 1.0)
		assert.InDelta(t, 0.5, mid, 1e-9)
		assert.Greater(t, LogisticFromStats(5, stats, 1.0), mid)
		assert.Less(t, LogisticFromStats(1, stats, 1.0), mid)
	})

	t.Run("degenerate std falls back to min-max", func(t *testing.T) {
		stats := Stats{Mean: 2, Std: 0, Min: 1, Max: 3, N: 3}
		assert.InDelta(t, 0.5, LogisticFromStats(2, stats, 1.0), 1e-9)
		assert.InDelta(t, 0.0, LogisticFromStats(1, stats, 1.0), 1e-9)
		assert.InDelta(t, 1.0, LogisticFromStats(3, stats, 1.0), 1e-9)
	})

	t.Run("degenerate range returns 0.5", func(t *testing.T) {
		stats := ComputeStats([]float64{2, 2, 2})
		assert.Equal(t, 0.5, LogisticFromStats(2, stats, 1.0))
	})

	t.Run("empty sample returns 0.5", func(t *testing.T) {
		assert.Equal(t, 0.5, LogisticFromStats(1.0, Stats{}, 1.0))
	})

	t.Run("output stays in unit interval", func(t *testing.T) {
		stats := ComputeStats([]float64{-100, 0, 100})
		for _, x := range []float64{-1e6, -100, 0, 100, 1e6} {
			v := LogisticFromStats(x, stats, 1.0)
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	})
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-0.5))
	assert.Equal(t, 1.0, Clamp(1.5))
	assert.Equal(t, 0.25, Clamp(0.25))
}

func TestWeightsNormalize(t *testing.T) {
	t.Run("defaults already sum to one", func(t *testing.T) {
		w := DefaultWeights()
		assert.InDelta(t, 1.0, w.Sum(), 1e-9)
		assert.Equal(t, w, w.Normalize())
	})

	t.Run("scales to unit sum", func(t *testing.T) {
		w := Weights{Rerank: 2, Cosine: 2}.Normalize()
		assert.InDelta(t, 0.5, w.Rerank, 1e-9)
		assert.InDelta(t, 0.5, w.Cosine, 1e-9)
		assert.InDelta(t, 1.0, w.Sum(), 1e-9)
	})

	t.Run("negative components floored", func(t *testing.T) {
		w := Weights{Rerank: -1, BM25: 1}.Normalize()
		assert.Zero(t, w.Rerank)
		assert.InDelta(t, 1.0, w.BM25, 1e-9)
	})

	t.Run("all zero restores defaults", func(t *testing.T) {
		require.Equal(t, DefaultWeights(), Weights{}.Normalize())
	})
}
