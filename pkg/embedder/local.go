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

package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalEmbedder is a deterministic feature-hashing embedder with no external
// dependencies. It hashes word unigrams and bigrams into a fixed-size vector
// and L2-normalizes the result, so cosine similarity behaves sensibly for
// keyword-overlapping texts.
//
// It is the zero-config default: no model download, no network, and fully
// deterministic, which also makes routing tests reproducible. For real
// semantic quality use the ollama or openai providers.
type LocalEmbedder struct {
	dimension int
}

// NewLocalEmbedder creates a feature-hashing embedder with the given
// dimension. Dimensions below 16 are raised to 16.
func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension < 16 {
		dimension = 16
	}
	return &LocalEmbedder{dimension: dimension}
}

// Embed converts text to a hashed feature vector.
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)

	words := tokenizeWords(text)
	for i, w := range words {
		e.addFeature(vec, w)
		if i+1 < len(words) {
			e.addFeature(vec, w+" "+words[i+1])
		}
	}

	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the embedding vector dimension.
func (e *LocalEmbedder) Dimension() int {
	return e.dimension
}

// Model returns the model name.
func (e *LocalEmbedder) Model() string {
	return "feature-hash"
}

// Close is a no-op.
func (e *LocalEmbedder) Close() error {
	return nil
}

// addFeature hashes a token into a bucket with a sign bit, the standard
// hashing-trick construction.
func (e *LocalEmbedder) addFeature(vec []float32, token string) {
	h := fnv.New64a()
	h.Write([]byte(token))
	sum := h.Sum64()

	bucket := int(sum % uint64(e.dimension))
	sign := float32(1)
	if (sum>>32)&1 == 1 {
		sign = -1
	}
	vec[bucket] += sign
}

func tokenizeWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

var _ Embedder = (*LocalEmbedder)(nil)
