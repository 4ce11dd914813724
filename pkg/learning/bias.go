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

package learning

import (
	"log/slog"
	"math"
	"sync"
)

// deltaDotWeight scales the delta-vector contribution in AdjustSimilarity.
const deltaDotWeight = 0.1

// toolBias is the learned per-tool state.
type toolBias struct {
	bias    float64
	updates int64
	delta   []float64
}

// BiasStore learns a per-tool scalar adjustment in [-maxBias, +maxBias]
// and, optionally, a delta vector in embedding space.
type BiasStore struct {
	mu     sync.Mutex
	biases map[string]*toolBias

	learningRate float64
	decayRate    float64
	maxBias      float64

	enableDelta  bool
	deltaLR      float64
	deltaReg     float64
	embeddingDim int

	persistEvery int
	store        *Store
}

// BiasOptions configures a BiasStore.
type BiasOptions struct {
	// LearningRate moves the bias toward reward*maxBias.
	LearningRate float64

	// DecayRate shrinks every bias after each update.
	DecayRate float64

	// MaxBias clamps the scalar bias magnitude.
	MaxBias float64

	// EnableDeltaVectors turns on the per-tool embedding-space delta.
	EnableDeltaVectors bool

	// DeltaLearningRate is the delta vector step size.
	DeltaLearningRate float64

	// DeltaRegularization shrinks the delta vector each update.
	DeltaRegularization float64

	// EmbeddingDim is the delta vector dimension.
	EmbeddingDim int

	// PersistEvery writes a tool's bias every N updates of that tool.
	PersistEvery int

	// Store is the optional persistence backend.
	Store *Store
}

// NewBiasStore creates a bias store, loading persisted biases when a store
// is configured.
func NewBiasStore(opts BiasOptions) *BiasStore {
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.1
	}
	if opts.MaxBias <= 0 {
		opts.MaxBias = 0.2
	}

	b := &BiasStore{
		biases:       make(map[string]*toolBias),
		learningRate: opts.LearningRate,
		decayRate:    opts.DecayRate,
		maxBias:      opts.MaxBias,
		enableDelta:  opts.EnableDeltaVectors,
		deltaLR:      opts.DeltaLearningRate,
		deltaReg:     opts.DeltaRegularization,
		embeddingDim: opts.EmbeddingDim,
		persistEvery: opts.PersistEvery,
		store:        opts.Store,
	}

	if b.store != nil {
		loaded, err := b.store.LoadBiases()
		if err != nil {
			slog.Warn("Failed to load tool biases, starting fresh", "error", err)
		} else {
			for toolID, state := range loaded {
				b.biases[toolID] = &toolBias{
					bias:    state.Bias,
					updates: state.Updates,
					delta:   state.Delta,
				}
			}
			if len(loaded) > 0 {
				slog.Info("Loaded tool biases", "tools", len(loaded))
			}
		}
	}

	return b
}

// GetBias returns the tool's scalar bias, zero for unseen tools.
func (b *BiasStore) GetBias(toolID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(toolID).bias
}

// Update moves the tool's bias toward reward*maxBias, applies decay, and
// clamps. When delta vectors are enabled and a query embedding is given:
//
//	delta += deltaLR * (reward*e_q - deltaReg*delta)
func (b *BiasStore) Update(toolID string, reward float64, queryEmbedding []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.get(toolID)

	tb.bias += b.learningRate * (reward*b.maxBias - tb.bias)
	tb.bias *= 1 - b.decayRate
	tb.bias = clampf(tb.bias, -b.maxBias, b.maxBias)
	tb.updates++

	if b.enableDelta && len(queryEmbedding) > 0 {
		if tb.delta == nil {
			dim := b.embeddingDim
			if dim == 0 {
				dim = len(queryEmbedding)
			}
			tb.delta = make([]float64, dim)
		}
		for i := range tb.delta {
			var e float64
			if i < len(queryEmbedding) {
				e = float64(queryEmbedding[i])
			}
			tb.delta[i] += b.deltaLR * (reward*e - b.deltaReg*tb.delta[i])
		}
	}

	if b.store != nil && b.persistEvery > 0 && tb.updates%int64(b.persistEvery) == 0 {
		state := &BiasState{
			Bias:    tb.bias,
			Updates: tb.updates,
			Delta:   append([]float64(nil), tb.delta...),
		}
		if err := b.store.SaveBias(toolID, state); err != nil {
			slog.Warn("Failed to persist tool bias", "tool", toolID, "error", err)
		}
	}
}

// AdjustSimilarity applies the learned adjustment to a base similarity:
//
//	baseSim + bias + 0.1*<e_q, delta>/||e_q||
//
// clamped to [0, 1].
func (b *BiasStore) AdjustSimilarity(toolID string, baseSim float64, queryEmbedding []float32) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.get(toolID)
	adjusted := baseSim + tb.bias

	if b.enableDelta && len(tb.delta) > 0 && len(queryEmbedding) > 0 {
		var dotp, normSq float64
		for i, e := range queryEmbedding {
			ef := float64(e)
			normSq += ef * ef
			if i < len(tb.delta) {
				dotp += ef * tb.delta[i]
			}
		}
		if normSq > 0 {
			adjusted += deltaDotWeight * dotp / math.Sqrt(normSq)
		}
	}

	return clampf(adjusted, 0, 1)
}

// Count returns how many tools carry learned state.
func (b *BiasStore) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.biases)
}

// Flush persists every tool's bias regardless of the update cadence.
func (b *BiasStore) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store == nil {
		return nil
	}
	for toolID, tb := range b.biases {
		state := &BiasState{
			Bias:    tb.bias,
			Updates: tb.updates,
			Delta:   append([]float64(nil), tb.delta...),
		}
		if err := b.store.SaveBias(toolID, state); err != nil {
			return err
		}
	}
	return nil
}

// get lazily creates the zero-valued entry.
func (b *BiasStore) get(toolID string) *toolBias {
	tb, ok := b.biases[toolID]
	if !ok {
		tb = &toolBias{}
		b.biases[toolID] = tb
	}
	return tb
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
