package learning

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanditScoreIncreasesWithPositiveRewards(t *testing.T) {
	b := NewBandit(BanditOptions{FeatureDim: 7, LearningRate: 0.05, Seed: 42})

	features := []float64{0.8, 0.5, 1, 0.2, 0.6, 0.9, 0.7}
	initial := b.Score(features)

	prev := initial
	for i := 0; i < 20; i++ {
		b.Update(features, 1)
		score := b.Score(features)
		assert.Greater(t, score, prev, "score must strictly increase on update %d", i)
		prev = score
	}

	assert.Greater(t, b.Score(features), initial)
	assert.EqualValues(t, 20, b.Updates())
}

func TestBanditScoreDecreasesWithNegativeRewards(t *testing.T) {
	b := NewBandit(BanditOptions{FeatureDim: 7, Seed: 42})

	features := []float64{0.8, 0.5, 1, 0.2, 0.6, 0.9, 0.7}
	initial := b.Score(features)

	for i := 0; i < 20; i++ {
		b.Update(features, -1)
	}

	assert.Less(t, b.Score(features), initial)
}

func TestBanditZeroPadsShortVectors(t *testing.T) {
	b := NewBandit(BanditOptions{FeatureDim: 7, Seed: 1})

	// Short vector must behave like its zero-padded form.
	short := []float64{0.5, 0.5}
	padded := []float64{0.5, 0.5, 0, 0, 0, 0, 0}
	assert.InDelta(t, b.Score(padded), b.Score(short), 1e-12)
}

func TestBanditEpsilonExploration(t *testing.T) {
	always := NewBandit(BanditOptions{FeatureDim: 7, ExplorationRate: 1.0, Seed: 7})
	never := NewBandit(BanditOptions{FeatureDim: 7, ExplorationRate: 0.0, Seed: 7})

	features := []float64{0.5, 0.5, 0, 0.5, 0.5, 0.5, 0.5}

	_, explored := always.ScoreWithExploration(features)
	assert.True(t, explored)

	score, explored := never.ScoreWithExploration(features)
	assert.False(t, explored)
	assert.InDelta(t, never.Score(features), score, 1e-12)
}

func TestBanditThompsonAlwaysExplores(t *testing.T) {
	b := NewBandit(BanditOptions{FeatureDim: 7, ExplorationType: ExplorationThompson, Seed: 7})

	_, explored := b.ScoreWithExploration([]float64{0.5, 0.5, 0, 0.5, 0.5, 0.5, 0.5})
	assert.True(t, explored)
}

func TestBanditPersistenceRoundTrip(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "learning.db"))
	require.NoError(t, err)
	defer store.Close()

	b := NewBandit(BanditOptions{FeatureDim: 7, PersistEvery: 1, Store: store, Seed: 3})
	features := []float64{0.9, 0.1, 1, 0, 0.5, 0.8, 0.6}
	for i := 0; i < 5; i++ {
		b.Update(features, 1)
	}

	reloaded := NewBandit(BanditOptions{FeatureDim: 7, Store: store, Seed: 3})
	assert.EqualValues(t, 5, reloaded.Updates())
	assert.InDelta(t, b.Score(features), reloaded.Score(features), 1e-12)
	assert.Equal(t, b.Weights(), reloaded.Weights())
}

func TestBiasBoundsAfterRepeatedUpdates(t *testing.T) {
	b := NewBiasStore(BiasOptions{LearningRate: 0.1, DecayRate: 0.01, MaxBias: 0.2})

	for i := 0; i < 50; i++ {
		b.Update("email.send", 1, nil)
	}
	bias := b.GetBias("email.send")
	assert.Greater(t, bias, 0.0)
	assert.LessOrEqual(t, bias, 0.2)

	for i := 0; i < 50; i++ {
		b.Update("stripe.charge", -1, nil)
	}
	bias = b.GetBias("stripe.charge")
	assert.Less(t, bias, 0.0)
	assert.GreaterOrEqual(t, bias, -0.2)
}

func TestBiasLazyInitZero(t *testing.T) {
	b := NewBiasStore(BiasOptions{})
	assert.Zero(t, b.GetBias("never.seen"))
}

func TestAdjustSimilarityClamped(t *testing.T) {
	b := NewBiasStore(BiasOptions{LearningRate: 1, MaxBias: 0.2})

	b.Update("email.send", 1, nil)
	adjusted := b.AdjustSimilarity("email.send", 0.95, nil)
	assert.LessOrEqual(t, adjusted, 1.0)
	assert.Greater(t, adjusted, 0.95)

	b.Update("stripe.charge", -1, nil)
	assert.GreaterOrEqual(t, b.AdjustSimilarity("stripe.charge", 0.01, nil), 0.0)
}

func TestDeltaVectorLearning(t *testing.T) {
	b := NewBiasStore(BiasOptions{
		LearningRate:       0.1,
		MaxBias:            0.2,
		EnableDeltaVectors: true,
		DeltaLearningRate:  0.1,
		EmbeddingDim:       4,
	})

	embedding := []float32{1, 0, 0, 0}
	for i := 0; i < 10; i++ {
		b.Update("email.send", 1, embedding)
	}

	// Queries aligned with the rewarded embedding get a larger adjustment.
	aligned := b.AdjustSimilarity("email.send", 0.5, embedding)
	orthogonal := b.AdjustSimilarity("email.send", 0.5, []float32{0, 1, 0, 0})
	assert.Greater(t, aligned, orthogonal)
}

func TestBiasPersistenceRoundTrip(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "learning.db"))
	require.NoError(t, err)
	defer store.Close()

	b := NewBiasStore(BiasOptions{LearningRate: 0.1, MaxBias: 0.2, PersistEvery: 1, Store: store})
	for i := 0; i < 3; i++ {
		b.Update("email.send", 1, nil)
	}

	reloaded := NewBiasStore(BiasOptions{LearningRate: 0.1, MaxBias: 0.2, Store: store})
	assert.InDelta(t, b.GetBias("email.send"), reloaded.GetBias("email.send"), 1e-12)
}
