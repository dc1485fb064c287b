package embed

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestStaticEmbedderDeterministic(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "刹车踏板发软")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "刹车踏板发软")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, StaticDimensions)
	assert.InDelta(t, 1.0, vectorNorm(a), 1e-6)

	c, err := e.Embed(ctx, "发动机怠速抖动")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestStaticEmbedderSimilarTextsCloser(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	base, err := e.Embed(ctx, "刹车踏板变软，制动距离变长")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "刹车踏板发软，刹车距离变长")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "空调不制冷出风有异味")
	require.NoError(t, err)

	cos := func(a, b []float32) float64 {
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot
	}
	assert.Greater(t, cos(base, near), cos(base, far))
}

func TestStaticEmbedderEmptyText(t *testing.T) {
	e := NewStaticEmbedder()
	v, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Len(t, v, StaticDimensions)
	assert.Zero(t, vectorNorm(v))
}

func TestStaticEmbedderBatchOrder(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	texts := []string{"刹车异响", "怠速抖动", "空调异味"}
	batch, err := e.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))
	for i, text := range texts {
		single, err := e.Embed(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}

func TestStaticEmbedderClosed(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())
	_, err := e.Embed(context.Background(), "x")
	assert.Error(t, err)
}

// countingEmbedder tracks inner calls so cache hits are observable.
type countingEmbedder struct {
	*StaticEmbedder
	calls atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func TestCachedEmbedderAvoidsRepeatCalls(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
	cached, err := NewCachedEmbedder(inner, 16)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "刹车发软")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "刹车发软")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.calls.Load())

	// Batch serves the cached entry and only encodes the new text.
	batch, err := cached.EmbedBatch(ctx, []string{"刹车发软", "怠速抖动"})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, first, batch[0])
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestBuildLock(t *testing.T) {
	lock := NewBuildLock(t.TempDir())
	require.NoError(t, lock.Lock())
	require.NoError(t, lock.Unlock())
	// Re-acquirable after release.
	require.NoError(t, lock.Lock())
	require.NoError(t, lock.Unlock())
}
