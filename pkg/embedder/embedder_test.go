package embedder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/toolgate/pkg/config"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestLocalEmbedderDeterministic(t *testing.T) {
	e := NewLocalEmbedder(64)
	ctx := context.Background()

	v1, err := e.Embed(ctx, "send an email to my boss")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "send an email to my boss")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 64)
}

func TestLocalEmbedderNormalized(t *testing.T) {
	e := NewLocalEmbedder(64)

	vec, err := e.Embed(context.Background(), "schedule a meeting tomorrow")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, cosine(vec, vec), 1e-5)
}

func TestLocalEmbedderSimilarityOrdering(t *testing.T) {
	e := NewLocalEmbedder(256)
	ctx := context.Background()

	query, err := e.Embed(ctx, "send an email message")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "send an email to a recipient")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "charge a credit card payment")
	require.NoError(t, err)

	assert.Greater(t, cosine(query, near), cosine(query, far),
		"overlapping text must score closer than unrelated text")
}

func TestLocalEmbedderEmptyText(t *testing.T) {
	e := NewLocalEmbedder(64)

	vec, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.InDelta(t, 0, cosine(vec, vec), 1e-9, "empty text embeds to the zero vector")
}

func TestLocalEmbedderMinimumDimension(t *testing.T) {
	e := NewLocalEmbedder(4)
	assert.Equal(t, 16, e.Dimension())
}

func TestEmbedBatch(t *testing.T) {
	e := NewLocalEmbedder(64)

	vecs, err := e.EmbedBatch(context.Background(), []string{"read inbox", "open pull request"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	single, err := e.Embed(context.Background(), "read inbox")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[0])
}

func TestNewFromConfig(t *testing.T) {
	t.Run("nil config falls back to local", func(t *testing.T) {
		e, err := NewFromConfig(nil)
		require.NoError(t, err)
		assert.Equal(t, "feature-hash", e.Model())
	})

	t.Run("local provider", func(t *testing.T) {
		e, err := NewFromConfig(&config.EmbedderConfig{Provider: config.EmbedderLocal, Dimension: 128})
		require.NoError(t, err)
		assert.Equal(t, 128, e.Dimension())
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewFromConfig(&config.EmbedderConfig{Provider: "cohere"})
		assert.Error(t, err)
	})
}
