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

package telemetry

// RewardConfig holds the penalty scales and caps for reward computation.
type RewardConfig struct {
	// LatencyScale converts latency ms to penalty (applied on success only).
	LatencyScale float64

	// LatencyCap bounds the latency penalty.
	LatencyCap float64

	// ContextScale converts schema tokens to penalty (always applied).
	ContextScale float64

	// ContextCap bounds the context cost penalty.
	ContextCap float64

	// FollowupPenalty is charged when the next user turn is a near-duplicate
	// retry of the same request.
	FollowupPenalty float64
}

// DefaultRewardConfig mirrors the telemetry config defaults.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		LatencyScale:    0.00001,
		LatencyCap:      0.3,
		ContextScale:    0.0001,
		ContextCap:      0.2,
		FollowupPenalty: 0.2,
	}
}

// ComputeReward derives the reward signal for one tool call.
//
//	success component: +1 on success, -1 on failure
//	latencyPenalty:    min(latencyMs*scale, cap), success only
//	contextCostPenalty: min(schemaTokens*scale, cap), always
//	followupPenalty:   flat penalty when the user immediately retried
//	total:             clamp(sum, -1, +1)
func ComputeReward(cfg RewardConfig, success bool, latencyMs float64, schemaTokens int, followupRetry bool) RewardSignal {
	var sig RewardSignal

	if success {
		sig.Success = 1
		sig.LatencyPenalty = minf(latencyMs*cfg.LatencyScale, cfg.LatencyCap)
	} else {
		sig.Success = -1
	}

	sig.ContextCostPenalty = minf(float64(schemaTokens)*cfg.ContextScale, cfg.ContextCap)

	if followupRetry {
		sig.FollowupPenalty = cfg.FollowupPenalty
	}

	sig.Total = clamp(sig.Success-sig.LatencyPenalty-sig.ContextCostPenalty-sig.FollowupPenalty, -1, 1)
	return sig
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
