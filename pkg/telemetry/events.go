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

// Package telemetry is the append-only event log behind the learning loop:
// routing events, tool calls, reward signals, and a per-tool stats cache.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RoutingEvent records one slate selection.
type RoutingEvent struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	QueryHash       string    `json:"queryHash"`
	QueryText       string    `json:"queryText,omitempty"`
	Strategy        string    `json:"strategy"`
	SelectedTools   []string  `json:"selectedTools"`
	CandidateCount  int       `json:"candidateCount"`
	SelectionTimeMs float64   `json:"selectionTimeMs"`
	Explored        bool      `json:"explored"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ToolCallEvent records one downstream tool call outcome.
type ToolCallEvent struct {
	ID             string    `json:"id"`
	ToolID         string    `json:"toolId"`
	Success        bool      `json:"success"`
	ErrorClass     string    `json:"errorClass,omitempty"`
	ExecutionMs    float64   `json:"executionMs"`
	RoutingEventID string    `json:"routingEventId,omitempty"`
	SlateRank      int       `json:"slateRank"`
	WasSelected    bool      `json:"wasSelected"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RewardSignal is the learning feedback computed from a tool call.
type RewardSignal struct {
	ID                 string    `json:"id"`
	ToolID             string    `json:"toolId"`
	ToolCallEventID    string    `json:"toolCallEventId,omitempty"`
	Success            float64   `json:"success"`
	LatencyPenalty     float64   `json:"latencyPenalty"`
	ContextCostPenalty float64   `json:"contextCostPenalty"`
	FollowupPenalty    float64   `json:"followupPenalty"`
	Total              float64   `json:"total"`
	CreatedAt          time.Time `json:"createdAt"`
}

// ToolStats is the materialized per-tool view over recent tool calls.
type ToolStats struct {
	ToolID       string  `json:"toolId"`
	TotalCalls   int     `json:"totalCalls"`
	SuccessCount int     `json:"successCount"`
	FailureCount int     `json:"failureCount"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	AvgReward    float64 `json:"avgReward"`

	// RollingSuccessRate uses add-1 smoothing: (successes+1)/(totalCalls+2),
	// so unseen tools start at 0.5 instead of an extreme.
	RollingSuccessRate float64 `json:"rollingSuccessRate"`
}

// HashQuery returns the 16-hex-char truncated SHA-256 of the query text.
// The hash is always stored; the raw text only when logQueryText is on.
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])[:16]
}
