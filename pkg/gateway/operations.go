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

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/toolgate/pkg/pool"
	"github.com/kadirpekel/toolgate/pkg/router"
	"github.com/kadirpekel/toolgate/pkg/session"
	"github.com/kadirpekel/toolgate/pkg/telemetry"
	"github.com/kadirpekel/toolgate/pkg/zoo"
)

// followupSimilarity is the token-overlap threshold above which the
// next user turn counts as a retry of the previous one.
const followupSimilarity = 0.6

// InitializeResult is the MCP initialize response payload.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// Capabilities advertises what the gateway supports.
type Capabilities struct {
	Tools ToolsCapability `json:"tools"`
}

// ToolsCapability signals that the tool list changes between calls.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerInfo identifies the gateway to the client.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolDef is one entry in a tools/list response.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// CallToolResult is the tools/call response payload. Downstream
// failures come back as IsError text so the model can self-correct,
// not as protocol errors.
type CallToolResult struct {
	Text    string `json:"text"`
	IsError bool   `json:"isError"`
}

// Initialize answers the MCP handshake. The listChanged capability is
// load-bearing: every routing call may produce a different slate.
func (g *Gateway) Initialize() InitializeResult {
	return InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities: Capabilities{
			Tools: ToolsCapability{ListChanged: true},
		},
		ServerInfo: ServerInfo{
			Name:    g.cfg.Server.Name,
			Version: Version,
		},
	}
}

// ListTools routes the session's conversation context to a tool slate
// and returns its wire form. The slate is remembered per session so a
// following tools/call can be attributed to it.
func (g *Gateway) ListTools(ctx context.Context, sessionID string) ([]ToolDef, error) {
	req := router.Request{SessionID: sessionID}

	if sessionID != "" {
		sess, err := g.sessions.GetOrCreate(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		for _, m := range sess.Messages {
			req.Messages = append(req.Messages, router.Message{Role: m.Role, Content: m.Content})
		}
		req.ToolUses = sess.ToolUses
	}

	routeStart := time.Now()
	slate := g.router.Route(ctx, req)
	if g.metrics != nil {
		g.metrics.RecordRouting(ctx, time.Since(routeStart), len(slate.Tools), slate.TokensUsed, slate.Explored)
	}

	if sessionID != "" {
		g.mu.Lock()
		g.slates[sessionID] = slate
		g.mu.Unlock()
	}

	defs := make([]ToolDef, 0, len(slate.Tools))
	for _, t := range slate.Tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		defs = append(defs, ToolDef{
			Name:        t.ID,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return defs, nil
}

// CallTool dispatches one tool call through the pool and feeds the
// outcome into telemetry, the learning loop, and session state. The
// error return is reserved for gateway-internal failures; downstream
// errors surface as an IsError result.
func (g *Gateway) CallTool(ctx context.Context, sessionID, toolID string, args map[string]any) (*CallToolResult, error) {
	start := time.Now()
	result, callErr := g.pool.Call(ctx, toolID, args)
	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)

	success := callErr == nil && result != nil && !result.IsError
	errorClass := ""
	errText := ""
	switch {
	case callErr != nil:
		errorClass = pool.ErrorClass(callErr)
		errText = callErr.Error()
	case result != nil && result.IsError:
		errorClass = "downstream_error"
		errText = result.Text
	}

	g.mu.Lock()
	slate := g.slates[sessionID]
	g.mu.Unlock()

	g.learnFromCall(ctx, sessionID, toolID, slate, success, errorClass, latencyMs)

	if sessionID != "" {
		if err := g.sessions.RecordToolUse(ctx, sessionID, toolID); err != nil && err != session.ErrNotFound {
			g.log.Warn("failed to record tool use", "tool", toolID, "error", err)
		}
		if err := g.sessions.LogToolUsage(ctx, session.ToolUsage{
			SessionID:   sessionID,
			ToolName:    toolID,
			Success:     success,
			ExecutionMs: latencyMs,
			Error:       errText,
		}); err != nil {
			g.log.Warn("failed to log tool usage", "tool", toolID, "error", err)
		}
	}
	if success && slate != nil {
		g.router.RecordUsage(slate, []string{toolID})
	}

	if !success {
		return &CallToolResult{
			Text:    g.selfCorrectionMessage(toolID, errText, args),
			IsError: true,
		}, nil
	}
	return &CallToolResult{Text: result.Text}, nil
}

// UpdateContext appends one conversation turn to the session. A user
// turn that is a near-duplicate of the previous one is treated as a
// retry: the last learned-from tool call gets re-penalized with the
// followup component before the message lands.
func (g *Gateway) UpdateContext(ctx context.Context, sessionID, role, content string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is required")
	}

	sess, err := g.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	if role == "user" && g.isFollowupRetry(sess, content) {
		g.penalizeFollowup(ctx, sessionID)
	}

	return g.sessions.AddMessage(ctx, sessionID, session.Message{
		Role:    role,
		Content: content,
	})
}

// learnFromCall writes the tool-call and reward events and applies the
// bandit/bias updates. All failures here are logged and swallowed; the
// learning loop never blocks a tool result.
func (g *Gateway) learnFromCall(ctx context.Context, sessionID, toolID string, slate *router.Slate, success bool, errorClass string, latencyMs float64) {
	schemaTokens := 0
	if tool, ok := g.zoo.Get(toolID); ok {
		schemaTokens = tool.SchemaTokens
	}

	rank := -1
	if slate != nil {
		for i, t := range slate.Tools {
			if t.ID == toolID {
				rank = i
				break
			}
		}
	}

	reward := telemetry.ComputeReward(g.rewardCfg, success, latencyMs, schemaTokens, false)

	if g.metrics != nil {
		g.metrics.RecordToolCall(ctx, toolID, errorClass, time.Duration(latencyMs*float64(time.Millisecond)), success)
		g.metrics.RecordReward(ctx, reward.Total)
	}

	if g.tel != nil {
		event := &telemetry.ToolCallEvent{
			ID:          uuid.NewString(),
			ToolID:      toolID,
			Success:     success,
			ErrorClass:  errorClass,
			ExecutionMs: latencyMs,
			SlateRank:   rank,
			WasSelected: rank >= 0,
		}
		if slate != nil {
			event.RoutingEventID = slate.RoutingEventID
		}
		if err := g.tel.LogToolCall(ctx, event); err != nil {
			g.log.Warn("failed to log tool call", "tool", toolID, "error", err)
		}

		sig := reward
		sig.ToolID = toolID
		sig.ToolCallEventID = event.ID
		if err := g.tel.LogReward(ctx, &sig); err != nil {
			g.log.Warn("failed to log reward", "tool", toolID, "error", err)
		}
	}

	var features []float64
	var queryVec []float32
	if slate != nil {
		if cand := slate.Candidate(toolID); cand != nil {
			features = cand.Features()
		}
		if slate.QueryUsed != "" {
			vec, err := g.emb.Embed(ctx, slate.QueryUsed)
			if err != nil {
				g.log.Warn("failed to embed query for bias update", "error", err)
			} else {
				queryVec = vec
			}
		}
	}

	if g.bandit != nil && features != nil {
		g.bandit.Update(features, reward.Total)
	}
	if g.bias != nil {
		g.bias.Update(toolID, reward.Total, queryVec)
	}

	if sessionID != "" && (g.bandit != nil || g.bias != nil) {
		g.mu.Lock()
		g.lastCalls[sessionID] = &callRecord{
			toolID:       toolID,
			features:     features,
			queryVec:     queryVec,
			success:      success,
			latencyMs:    latencyMs,
			schemaTokens: schemaTokens,
			at:           time.Now(),
		}
		g.mu.Unlock()
	}
}

// isFollowupRetry reports whether content near-duplicates the
// session's previous user turn.
func (g *Gateway) isFollowupRetry(sess *session.Session, content string) bool {
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Role != "user" {
			continue
		}
		return tokenOverlap(sess.Messages[i].Content, content) >= followupSimilarity
	}
	return false
}

// penalizeFollowup re-applies the last call's learning update with the
// followup component, steering the weights toward the penalized reward.
func (g *Gateway) penalizeFollowup(ctx context.Context, sessionID string) {
	g.mu.Lock()
	rec := g.lastCalls[sessionID]
	delete(g.lastCalls, sessionID)
	g.mu.Unlock()

	if rec == nil || time.Since(rec.at) > followupWindow {
		return
	}

	reward := telemetry.ComputeReward(g.rewardCfg, rec.success, rec.latencyMs, rec.schemaTokens, true)

	if g.tel != nil {
		sig := reward
		sig.ToolID = rec.toolID
		if err := g.tel.LogReward(ctx, &sig); err != nil {
			g.log.Warn("failed to log followup reward", "tool", rec.toolID, "error", err)
		}
	}
	if g.bandit != nil && rec.features != nil {
		g.bandit.Update(rec.features, reward.Total)
	}
	if g.bias != nil {
		g.bias.Update(rec.toolID, reward.Total, rec.queryVec)
	}

	g.log.Debug("followup retry penalized", "session", sessionID, "tool", rec.toolID)
}

// selfCorrectionMessage shapes a downstream failure into guidance the
// calling model can act on.
func (g *Gateway) selfCorrectionMessage(toolID, msg string, args map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Error calling tool '%s': %s.", toolID, strings.TrimSuffix(msg, "."))

	if tool, ok := g.zoo.Get(toolID); ok {
		if tool.Description != "" {
			fmt.Fprintf(&sb, " Tool description: %s.", strings.TrimSuffix(tool.Description, "."))
		}
		if params := tool.ParameterNames(); len(params) > 0 {
			fmt.Fprintf(&sb, " Available parameters: %s.", strings.Join(params, ", "))
		}
	}
	if len(args) > 0 {
		if data, err := json.Marshal(args); err == nil {
			fmt.Fprintf(&sb, " Attempted with arguments: %s.", data)
		}
	}

	sb.WriteString(" Please try again with: - different arguments; - a different tool if unavailable.")
	return sb.String()
}

// tokenOverlap is the Jaccard similarity of the two texts' token sets.
func tokenOverlap(a, b string) float64 {
	setA := make(map[string]bool)
	for _, tok := range zoo.Tokenize(a) {
		setA[tok] = true
	}
	setB := make(map[string]bool)
	for _, tok := range zoo.Tokenize(b) {
		setB[tok] = true
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	common := 0
	for tok := range setA {
		if setB[tok] {
			common++
		}
	}
	union := len(setA) + len(setB) - common
	return float64(common) / float64(union)
}
