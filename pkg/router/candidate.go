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

package router

import (
	"github.com/kadirpekel/toolgate/pkg/zoo"
)

// Feature normalization caps. Latency aligns with the downstream call
// deadline; schema size with a generously large tool schema.
const (
	featureLatencyCapMs    = 30000
	featureSchemaCapTokens = 1000
)

// Candidate is the per-routing-call scoring record for one tool.
type Candidate struct {
	Tool *zoo.Tool `json:"tool"`

	// Retrieval scores from the zoo.
	Semantic float64 `json:"semantic"`
	Keyword  float64 `json:"keyword"`

	// Context signals.
	DomainMatch  bool    `json:"domainMatch"`
	TagMatch     bool    `json:"tagMatch"`
	Cooccurrence float64 `json:"cooccurrence"`
	SessionUses  int     `json:"sessionUses"`

	// Historical signals.
	RollingSuccessRate float64 `json:"rollingSuccessRate"`
	LatencyScore       float64 `json:"latencyScore"`
	SchemaSizeScore    float64 `json:"schemaSizeScore"`

	// Learned adjustments.
	Bandit float64 `json:"bandit"`
	Bias   float64 `json:"bias"`

	// Adjusted is the boosted retrieval score before learned terms;
	// Final is what selection sorts by.
	Adjusted float64 `json:"adjusted"`
	Final    float64 `json:"final"`

	// Fallback marks tools injected from the configured fallback list.
	Fallback bool `json:"fallback"`
}

// Features builds the bandit feature vector, each component clamped
// to [0, 1]. Order is fixed; the bandit's weights are positional.
func (c *Candidate) Features() []float64 {
	domain := 0.0
	if c.DomainMatch {
		domain = 1
	}
	return []float64{
		clamp01(c.Semantic),
		clamp01(c.Keyword),
		domain,
		clamp01(c.Cooccurrence),
		clamp01(c.RollingSuccessRate),
		clamp01(c.LatencyScore),
		clamp01(c.SchemaSizeScore),
	}
}

// Slate is the routing output: the ordered tool selection plus the full
// scoring breakdown. Immutable once returned.
type Slate struct {
	// Tools in final-score order.
	Tools []*zoo.Tool `json:"tools"`

	// TokensUsed is the summed schema token estimate of the selection.
	TokensUsed int `json:"tokensUsed"`

	// Candidates is the scoring breakdown for every scored candidate,
	// selected or not, in the order selection walked them.
	Candidates []Candidate `json:"candidates"`

	// Explored is set when the bandit's exploration fired for any candidate.
	Explored bool `json:"explored"`

	// QueryUsed is the (truncated) context string routing ran on.
	QueryUsed string `json:"queryUsed"`

	// RoutingEventID links tool-call events back to this decision.
	RoutingEventID string `json:"routingEventId"`
}

// Contains reports whether a tool ID made the slate.
func (s *Slate) Contains(toolID string) bool {
	for _, t := range s.Tools {
		if t.ID == toolID {
			return true
		}
	}
	return false
}

// Candidate returns the scoring breakdown for a tool ID, nil if the tool
// was never a candidate.
func (s *Slate) Candidate(toolID string) *Candidate {
	for i := range s.Candidates {
		if s.Candidates[i].Tool.ID == toolID {
			return &s.Candidates[i]
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
