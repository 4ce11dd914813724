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

package config

import (
	"fmt"
)

// Search modes for candidate retrieval.
const (
	SearchModeSemantic = "semantic"
	SearchModeKeyword  = "keyword"
	SearchModeHybrid   = "hybrid"
)

// Exploration types for the bandit scorer.
const (
	ExplorationEpsilon  = "epsilon"
	ExplorationThompson = "thompson"
)

// ToolZooConfig configures the tool index.
type ToolZooConfig struct {
	// EmbeddingModel names the model used to embed tool descriptions.
	EmbeddingModel string `yaml:"embeddingModel"`

	// PersistDirectory for the vector index (chromem provider).
	PersistDirectory string `yaml:"persistDirectory"`

	// CollectionName for tool vectors.
	CollectionName string `yaml:"collectionName"`

	// TopK default for searches.
	TopK int `yaml:"topK"`

	// SimilarityThreshold drops semantic matches below this score.
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
}

// SetDefaults applies default values.
func (c *ToolZooConfig) SetDefaults() {
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "nomic-embed-text"
	}
	if c.PersistDirectory == "" {
		c.PersistDirectory = ".toolgate/vectors"
	}
	if c.CollectionName == "" {
		c.CollectionName = "tools"
	}
	if c.TopK == 0 {
		c.TopK = 10
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.1
	}
}

// Validate checks the configuration.
func (c *ToolZooConfig) Validate() error {
	if c.TopK < 1 {
		return fmt.Errorf("topK must be >= 1, got %d", c.TopK)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarityThreshold must be in [0,1], got %f", c.SimilarityThreshold)
	}
	return nil
}

// RouterConfig configures slate selection.
type RouterConfig struct {
	// Mode selects candidate retrieval (semantic, keyword, hybrid).
	Mode string `yaml:"mode"`

	// Strategy names the routing strategy recorded on events
	// (baseline runs without learning components, sota with).
	Strategy string `yaml:"strategy"`

	// MaxTools is the slate size ceiling.
	MaxTools int `yaml:"maxTools"`

	// MinTools is the slate size floor; fallback tools top up to it.
	MinTools int `yaml:"minTools"`

	// MaxPerServer caps tools from a single downstream server.
	MaxPerServer int `yaml:"maxPerServer"`

	// Rerank enables learned rescoring of retrieved candidates.
	Rerank *bool `yaml:"rerank"`

	// CandidatePoolSize is how many candidates retrieval returns.
	CandidatePoolSize int `yaml:"candidatePoolSize"`

	// MaxContextTokens bounds the summed schema token estimates of a slate.
	MaxContextTokens int `yaml:"maxContextTokens"`

	// UseCrossEncoder is reserved; cross-encoder reranking is not built in.
	UseCrossEncoder bool `yaml:"useCrossEncoder"`

	// ExplorationRate is epsilon for epsilon-greedy exploration.
	ExplorationRate float64 `yaml:"explorationRate"`

	// ExplorationType selects epsilon or thompson exploration.
	ExplorationType string `yaml:"explorationType"`

	// FallbackTools are returned when the session has no context,
	// and used to top up slates below minTools.
	FallbackTools []string `yaml:"fallbackTools"`

	// SemanticWeight for hybrid search.
	SemanticWeight float64 `yaml:"semanticWeight"`

	// KeywordWeight for hybrid search.
	KeywordWeight float64 `yaml:"keywordWeight"`
}

// SetDefaults applies default values.
func (c *RouterConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = SearchModeHybrid
	}
	if c.Strategy == "" {
		c.Strategy = "sota"
	}
	if c.MaxTools == 0 {
		c.MaxTools = 10
	}
	if c.MinTools == 0 {
		c.MinTools = 3
	}
	if c.MaxPerServer == 0 {
		c.MaxPerServer = 5
	}
	if c.Rerank == nil {
		c.Rerank = BoolPtr(true)
	}
	if c.CandidatePoolSize == 0 {
		c.CandidatePoolSize = 50
	}
	if c.MaxContextTokens == 0 {
		c.MaxContextTokens = 4000
	}
	if c.ExplorationRate == 0 {
		c.ExplorationRate = 0.1
	}
	if c.ExplorationType == "" {
		c.ExplorationType = ExplorationEpsilon
	}
	if c.SemanticWeight == 0 {
		c.SemanticWeight = 0.7
	}
	if c.KeywordWeight == 0 {
		c.KeywordWeight = 0.3
	}
}

// Validate checks the configuration.
func (c *RouterConfig) Validate() error {
	switch c.Mode {
	case SearchModeSemantic, SearchModeKeyword, SearchModeHybrid:
	default:
		return fmt.Errorf("unknown mode %q (supported: semantic, keyword, hybrid)", c.Mode)
	}
	switch c.Strategy {
	case "baseline", "sota":
	default:
		return fmt.Errorf("unknown strategy %q (supported: baseline, sota)", c.Strategy)
	}
	switch c.ExplorationType {
	case ExplorationEpsilon, ExplorationThompson:
	default:
		return fmt.Errorf("unknown explorationType %q (supported: epsilon, thompson)", c.ExplorationType)
	}
	if c.MinTools < 0 {
		return fmt.Errorf("minTools must be >= 0, got %d", c.MinTools)
	}
	if c.MaxTools < c.MinTools {
		return fmt.Errorf("maxTools (%d) must be >= minTools (%d)", c.MaxTools, c.MinTools)
	}
	if c.MaxPerServer < 1 {
		return fmt.Errorf("maxPerServer must be >= 1, got %d", c.MaxPerServer)
	}
	if c.CandidatePoolSize < c.MaxTools {
		return fmt.Errorf("candidatePoolSize (%d) must be >= maxTools (%d)", c.CandidatePoolSize, c.MaxTools)
	}
	if c.ExplorationRate < 0 || c.ExplorationRate > 1 {
		return fmt.Errorf("explorationRate must be in [0,1], got %f", c.ExplorationRate)
	}
	return nil
}
