// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package learning holds the online-learned routing models: a shared
// logistic-linear bandit over candidate features and a per-tool bias store.
package learning

import (
	"log/slog"
	"math"
	"math/rand"
	"sync"
)

// Exploration modes.
const (
	ExplorationEpsilon  = "epsilon"
	ExplorationThompson = "thompson"
)

// epsilonNoiseRange bounds the uniform logit noise under epsilon
// exploration: [-0.3, +0.3].
const epsilonNoiseRange = 0.3

// Bandit is a single shared logistic-linear scorer over a fixed-dimension
// feature vector. One model for all tools: O(featureDim) state instead of
// per-tool parameter matrices.
type Bandit struct {
	mu sync.Mutex

	dim          int
	weights      []float64
	bias         float64
	featureSumSq []float64
	updates      int64

	learningRate    float64
	l2              float64
	explorationRate float64
	explorationType string
	thompsonScale   float64

	persistEvery int
	store        *Store

	rng *rand.Rand
}

// BanditOptions configures a Bandit.
type BanditOptions struct {
	// FeatureDim is the feature vector dimension (default 7).
	FeatureDim int

	// LearningRate is the SGD step size.
	LearningRate float64

	// L2 is the regularization strength.
	L2 float64

	// ExplorationRate is epsilon for epsilon-greedy exploration.
	ExplorationRate float64

	// ExplorationType is "epsilon" or "thompson".
	ExplorationType string

	// ThompsonScale scales the sampling noise for thompson exploration.
	ThompsonScale float64

	// PersistEvery writes weights to the store every N updates (0 disables).
	PersistEvery int

	// Store is the optional persistence backend.
	Store *Store

	// Seed fixes the RNG for tests; 0 means unseeded.
	Seed int64
}

// NewBandit creates a bandit, loading persisted weights when a store is
// configured.
func NewBandit(opts BanditOptions) *Bandit {
	if opts.FeatureDim <= 0 {
		opts.FeatureDim = 7
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.05
	}
	if opts.ExplorationType == "" {
		opts.ExplorationType = ExplorationEpsilon
	}
	if opts.ThompsonScale <= 0 {
		opts.ThompsonScale = 1.0
	}

	var rng *rand.Rand
	if opts.Seed != 0 {
		rng = rand.New(rand.NewSource(opts.Seed))
	} else {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	b := &Bandit{
		dim:             opts.FeatureDim,
		weights:         make([]float64, opts.FeatureDim),
		featureSumSq:    make([]float64, opts.FeatureDim),
		learningRate:    opts.LearningRate,
		l2:              opts.L2,
		explorationRate: opts.ExplorationRate,
		explorationType: opts.ExplorationType,
		thompsonScale:   opts.ThompsonScale,
		persistEvery:    opts.PersistEvery,
		store:           opts.Store,
		rng:             rng,
	}

	if b.store != nil {
		if state, err := b.store.LoadBandit(); err != nil {
			slog.Warn("Failed to load bandit weights, starting fresh", "error", err)
		} else if state != nil && len(state.Weights) == b.dim {
			b.weights = state.Weights
			b.bias = state.Bias
			b.featureSumSq = state.FeatureSumSq
			b.updates = state.Updates
			slog.Info("Loaded bandit weights", "updates", b.updates)
		}
	}

	return b
}

// Score returns sigma(w*x + b) for the feature vector.
func (b *Bandit) Score(features []float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	x := b.pad(features)
	return sigmoid(dot(b.weights, x) + b.bias)
}

// ScoreWithExploration scores with the configured exploration strategy and
// reports whether exploration fired.
//
// epsilon: with probability epsilon, add uniform noise in
// [-epsilonNoiseRange, +epsilonNoiseRange] to the raw logit.
// thompson: sample per-feature weight noise scaled by 1/sqrt(featureSumSq)
// and always flag explored.
func (b *Bandit) ScoreWithExploration(features []float64) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	x := b.pad(features)
	logit := dot(b.weights, x) + b.bias

	switch b.explorationType {
	case ExplorationThompson:
		sampled := 0.0
		for i, w := range b.weights {
			uncertainty := b.thompsonScale / math.Sqrt(b.featureSumSq[i]+1)
			sampled += (w + b.rng.NormFloat64()*uncertainty) * x[i]
		}
		return sigmoid(sampled + b.bias), true

	default: // epsilon
		if b.rng.Float64() < b.explorationRate {
			noise := (b.rng.Float64()*2 - 1) * epsilonNoiseRange
			return sigmoid(logit + noise), true
		}
		return sigmoid(logit), false
	}
}

// Update performs one SGD step toward the reward in [-1, +1].
//
//	target = (reward+1)/2
//	gradient = (sigma - target)*x + l2*w
func (b *Bandit) Update(features []float64, reward float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	x := b.pad(features)
	target := (reward + 1) / 2
	predicted := sigmoid(dot(b.weights, x) + b.bias)
	errTerm := predicted - target

	for i := range b.weights {
		gradient := errTerm*x[i] + b.l2*b.weights[i]
		b.weights[i] -= b.learningRate * gradient
		b.featureSumSq[i] += x[i] * x[i]
	}
	b.bias -= b.learningRate * errTerm
	b.updates++

	if b.store != nil && b.persistEvery > 0 && b.updates%int64(b.persistEvery) == 0 {
		state := &BanditState{
			Weights:      append([]float64(nil), b.weights...),
			Bias:         b.bias,
			FeatureSumSq: append([]float64(nil), b.featureSumSq...),
			Updates:      b.updates,
		}
		if err := b.store.SaveBandit(state); err != nil {
			// In-memory state keeps learning; persistence retries next cycle.
			slog.Warn("Failed to persist bandit weights", "error", err)
		}
	}
}

// Updates returns the global update counter.
func (b *Bandit) Updates() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updates
}

// Weights returns a copy of the current weight vector.
func (b *Bandit) Weights() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]float64(nil), b.weights...)
}

// Flush persists the current state regardless of the update cadence.
func (b *Bandit) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store == nil {
		return nil
	}
	return b.store.SaveBandit(&BanditState{
		Weights:      append([]float64(nil), b.weights...),
		Bias:         b.bias,
		FeatureSumSq: append([]float64(nil), b.featureSumSq...),
		Updates:      b.updates,
	})
}

// pad zero-extends short feature vectors to the model dimension and
// truncates long ones, logging either mismatch.
func (b *Bandit) pad(features []float64) []float64 {
	if len(features) == b.dim {
		return features
	}

	slog.Warn("Feature vector dimension mismatch",
		"got", len(features),
		"want", b.dim)

	x := make([]float64, b.dim)
	copy(x, features)
	return x
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
