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

// Package router selects a budgeted tool slate for each list-tools call:
// retrieve candidates from the zoo, rescore them with learned components,
// and walk the ranking greedily under token and per-server budgets.
//
// Routing never returns an error upstream. Retrieval faults degrade to
// the fallback slate, scorer faults to neutral features; both are logged.
package router

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/toolgate/pkg/config"
	"github.com/kadirpekel/toolgate/pkg/embedder"
	"github.com/kadirpekel/toolgate/pkg/learning"
	"github.com/kadirpekel/toolgate/pkg/telemetry"
	"github.com/kadirpekel/toolgate/pkg/zoo"
)

const (
	// queryMaxChars bounds the assembled context string.
	queryMaxChars = 500

	// fallbackScore is the final score assigned to injected fallback tools.
	fallbackScore = 0.1

	// Boost multipliers on the retrieval score.
	domainBoost = 1.3
	tagBoost    = 1.2

	// Session-usage boost: sessionUseStep per prior use, capped.
	sessionUseStep = 0.02
	sessionUseCap  = 0.1

	// cooccurWeight scales the co-occurrence boost added to the
	// adjusted score.
	cooccurWeight = 0.15

	// banditWeight scales the bandit score in the final combination.
	banditWeight = 0.3

	// cooccurAnchors is how many top retrieval candidates anchor the
	// co-occurrence boost alongside the session's used tools.
	cooccurAnchors = 5

	// emitTimeout bounds the async telemetry write.
	emitTimeout = 5 * time.Second
)

// StatsProvider supplies rolling per-tool stats, usually the telemetry
// store.
type StatsProvider interface {
	GetToolStats(ctx context.Context, toolID string) (*telemetry.ToolStats, error)
}

// EventSink receives routing events, usually the telemetry store.
type EventSink interface {
	LogRoutingEvent(ctx context.Context, ev *telemetry.RoutingEvent) error
}

// Message is one conversation turn fed into context assembly.
type Message struct {
	Role    string
	Content string
}

// Request carries the session-derived inputs for one routing call.
type Request struct {
	// SessionID stamps the routing event.
	SessionID string

	// Messages are the recent user/assistant turns, oldest first.
	Messages []Message

	// ToolUses maps tool ID to how often this session already used it.
	ToolUses map[string]int
}

// Router is the slate-selection pipeline. The zoo is required; bandit,
// bias, stats, and events are optional; a router without them is the
// baseline strategy with plain retrieval ranking.
type Router struct {
	zoo     *zoo.Zoo
	bandit  *learning.Bandit
	bias    *learning.BiasStore
	stats   StatsProvider
	events  EventSink
	emb     embedder.Embedder
	cooccur *cooccurrence
	cfg     config.RouterConfig
}

// Options configures a Router.
type Options struct {
	// Zoo is the candidate source (required).
	Zoo *zoo.Zoo

	// Bandit rescores candidates from their feature vectors.
	Bandit *learning.Bandit

	// Bias applies the learned per-tool adjustment.
	Bias *learning.BiasStore

	// Stats supplies rolling success and latency features.
	Stats StatsProvider

	// Events receives routing events.
	Events EventSink

	// Embedder lets the bias store apply delta vectors to the query.
	Embedder embedder.Embedder

	// Config is the router configuration; zero values take defaults.
	Config config.RouterConfig
}

// New creates a router.
func New(opts Options) *Router {
	opts.Config.SetDefaults()
	return &Router{
		zoo:     opts.Zoo,
		bandit:  opts.Bandit,
		bias:    opts.Bias,
		stats:   opts.Stats,
		events:  opts.Events,
		emb:     opts.Embedder,
		cooccur: newCooccurrence(),
		cfg:     opts.Config,
	}
}

// BuildQuery assembles the routing query from recent messages:
// role-prefixed lines, truncated to queryMaxChars.
func BuildQuery(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}

	query := b.String()
	if len(query) > queryMaxChars {
		query = query[:queryMaxChars]
	}
	return query
}

// Route runs the pipeline: assemble context, retrieve, score, select,
// emit. It always returns a slate.
func (r *Router) Route(ctx context.Context, req Request) *Slate {
	start := time.Now()

	query := BuildQuery(req.Messages)
	if query == "" {
		slate := r.fallbackSlate()
		r.emit(req.SessionID, query, slate, start)
		return slate
	}

	candidates, err := r.retrieve(ctx, query)
	if err != nil {
		slog.Warn("Candidate retrieval failed, serving fallback slate",
			"session", req.SessionID,
			"error", err)
		slate := r.fallbackSlate()
		slate.QueryUsed = query
		r.emit(req.SessionID, query, slate, start)
		return slate
	}

	slate := &Slate{QueryUsed: query}
	r.score(ctx, query, req, candidates, slate)
	r.selectTools(candidates, slate)
	r.emit(req.SessionID, query, slate, start)
	return slate
}

// RecordUsage updates the co-occurrence counter with the tools the
// upstream client actually used from a slate.
func (r *Router) RecordUsage(slate *Slate, usedIDs []string) {
	var onSlate []string
	for _, id := range usedIDs {
		if slate == nil || slate.Contains(id) {
			onSlate = append(onSlate, id)
		}
	}
	r.cooccur.record(onSlate)
}

// retrieve asks the zoo for the candidate pool in the configured mode.
// Semantic and keyword scores are kept separate so they stay individual
// features; the combined score follows the mode's weighting.
func (r *Router) retrieve(ctx context.Context, query string) ([]*Candidate, error) {
	pool := r.cfg.CandidatePoolSize
	byID := make(map[string]*Candidate)

	if r.cfg.Mode != config.SearchModeKeyword {
		matches, err := r.zoo.SemanticSearch(ctx, query, pool, nil)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			byID[m.Tool.ID] = &Candidate{Tool: m.Tool, Semantic: m.Score}
		}
	}

	if r.cfg.Mode != config.SearchModeSemantic {
		for _, m := range r.zoo.KeywordSearch(query, pool) {
			if c, ok := byID[m.Tool.ID]; ok {
				c.Keyword = m.Score
			} else {
				byID[m.Tool.ID] = &Candidate{Tool: m.Tool, Keyword: m.Score}
			}
		}
	}

	candidates := make([]*Candidate, 0, len(byID))
	for _, c := range byID {
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := r.retrievalScore(candidates[i]), r.retrievalScore(candidates[j])
		if ri != rj {
			return ri > rj
		}
		return candidates[i].Tool.ID < candidates[j].Tool.ID
	})
	if len(candidates) > pool {
		candidates = candidates[:pool]
	}
	return candidates, nil
}

// retrievalScore combines semantic and keyword scores per the search mode.
func (r *Router) retrievalScore(c *Candidate) float64 {
	switch r.cfg.Mode {
	case config.SearchModeSemantic:
		return c.Semantic
	case config.SearchModeKeyword:
		return c.Keyword
	default:
		return r.cfg.SemanticWeight*c.Semantic + r.cfg.KeywordWeight*c.Keyword
	}
}

// score fills every candidate's features and final score.
func (r *Router) score(ctx context.Context, query string, req Request, candidates []*Candidate, slate *Slate) {
	queryTokens := tokenSet(query)
	anchors := r.anchors(req, candidates)
	rerank := r.cfg.Strategy != "baseline" && (r.cfg.Rerank == nil || *r.cfg.Rerank)

	var queryVec []float32
	if rerank && r.bias != nil && r.emb != nil {
		vec, err := r.emb.Embed(ctx, query)
		if err != nil {
			slog.Warn("Query embedding for bias adjustment failed", "error", err)
		} else {
			queryVec = vec
		}
	}

	for _, c := range candidates {
		tool := c.Tool

		c.DomainMatch = tool.Domain != "" && queryTokens[strings.ToLower(tool.Domain)]
		for _, tag := range tool.Tags {
			if queryTokens[strings.ToLower(tag)] {
				c.TagMatch = true
				break
			}
		}
		c.Cooccurrence = r.cooccur.boost(tool.ID, anchors)
		c.SessionUses = req.ToolUses[tool.ID]

		r.fillStats(ctx, c)

		adjusted := r.retrievalScore(c)
		if c.DomainMatch {
			adjusted *= domainBoost
		}
		if c.TagMatch {
			adjusted *= tagBoost
		}
		adjusted += minf(sessionUseCap, sessionUseStep*float64(c.SessionUses))
		adjusted += cooccurWeight * c.Cooccurrence
		c.Adjusted = adjusted
		c.Final = adjusted

		if !rerank {
			continue
		}

		if r.bias != nil {
			if len(queryVec) > 0 {
				// Midpoint probe picks up the delta-vector term
				// without hitting the [0,1] clamp.
				c.Bias = r.bias.AdjustSimilarity(tool.ID, 0.5, queryVec) - 0.5
			} else {
				c.Bias = r.bias.GetBias(tool.ID)
			}
			c.Final += c.Bias
		}

		if r.bandit != nil {
			score, explored := r.bandit.ScoreWithExploration(c.Features())
			c.Bandit = score
			c.Final += banditWeight * score
			if explored {
				slate.Explored = true
			}
		}
	}
}

// fillStats loads rolling success and latency features, degrading to
// neutral values when the provider is absent or failing.
func (r *Router) fillStats(ctx context.Context, c *Candidate) {
	c.RollingSuccessRate = 0.5
	c.LatencyScore = 1
	c.SchemaSizeScore = 1 - minf(float64(c.Tool.SchemaTokens)/featureSchemaCapTokens, 1)

	if r.stats == nil {
		return
	}
	stats, err := r.stats.GetToolStats(ctx, c.Tool.ID)
	if err != nil {
		slog.Warn("Tool stats lookup failed, using neutral features",
			"tool", c.Tool.ID,
			"error", err)
		return
	}
	c.RollingSuccessRate = stats.RollingSuccessRate
	c.LatencyScore = 1 - minf(stats.AvgLatencyMs/featureLatencyCapMs, 1)
}

// anchors are the tools co-occurrence boosts are measured against: what
// this session already used plus the strongest retrieval candidates.
func (r *Router) anchors(req Request, candidates []*Candidate) []string {
	var anchors []string
	for id := range req.ToolUses {
		anchors = append(anchors, id)
	}
	sort.Strings(anchors)

	for i, c := range candidates {
		if i >= cooccurAnchors {
			break
		}
		anchors = append(anchors, c.Tool.ID)
	}
	return anchors
}

// selectTools walks the ranked candidates greedily under the token,
// per-server, and slate-size budgets, then tops up with fallback tools
// when under minTools.
func (r *Router) selectTools(candidates []*Candidate, slate *Slate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Final != candidates[j].Final {
			return candidates[i].Final > candidates[j].Final
		}
		if candidates[i].RollingSuccessRate != candidates[j].RollingSuccessRate {
			return candidates[i].RollingSuccessRate > candidates[j].RollingSuccessRate
		}
		return candidates[i].Tool.ID < candidates[j].Tool.ID
	})

	perServer := make(map[string]int)
	selected := make(map[string]bool)

	for _, c := range candidates {
		slate.Candidates = append(slate.Candidates, *c)

		if len(slate.Tools) >= r.cfg.MaxTools {
			continue
		}
		if slate.TokensUsed+c.Tool.SchemaTokens > r.cfg.MaxContextTokens {
			continue
		}
		if perServer[c.Tool.ServerID] >= r.cfg.MaxPerServer {
			continue
		}

		slate.Tools = append(slate.Tools, c.Tool)
		slate.TokensUsed += c.Tool.SchemaTokens
		perServer[c.Tool.ServerID]++
		selected[c.Tool.ID] = true
	}

	if len(slate.Tools) < r.cfg.MinTools {
		r.topUp(slate, selected, perServer)
	}
}

// topUp injects fallback tools (then remaining catalog tools, ID order)
// at the fallback score until the slate reaches minTools. Token and
// per-server budgets still apply.
func (r *Router) topUp(slate *Slate, selected map[string]bool, perServer map[string]int) {
	var extras []*zoo.Tool
	for _, name := range r.cfg.FallbackTools {
		if tool, ok := r.zoo.Get(name); ok {
			extras = append(extras, tool)
		}
	}
	extras = append(extras, r.zoo.All()...)

	for _, tool := range extras {
		if len(slate.Tools) >= r.cfg.MinTools {
			return
		}
		if selected[tool.ID] {
			continue
		}
		if slate.TokensUsed+tool.SchemaTokens > r.cfg.MaxContextTokens {
			continue
		}
		if perServer[tool.ServerID] >= r.cfg.MaxPerServer {
			continue
		}

		slate.Tools = append(slate.Tools, tool)
		slate.TokensUsed += tool.SchemaTokens
		perServer[tool.ServerID]++
		selected[tool.ID] = true
		slate.Candidates = append(slate.Candidates, Candidate{
			Tool:     tool,
			Final:    fallbackScore,
			Fallback: true,
		})
	}
}

// fallbackSlate serves the configured fallback tools when there is no
// context to route on, topped up to minTools from the catalog.
func (r *Router) fallbackSlate() *Slate {
	slate := &Slate{}
	perServer := make(map[string]int)
	selected := make(map[string]bool)

	for _, name := range r.cfg.FallbackTools {
		tool, ok := r.zoo.Get(name)
		if !ok {
			slog.Warn("Fallback tool not in catalog", "tool", name)
			continue
		}
		if selected[tool.ID] || len(slate.Tools) >= r.cfg.MaxTools {
			continue
		}
		if slate.TokensUsed+tool.SchemaTokens > r.cfg.MaxContextTokens {
			continue
		}
		if perServer[tool.ServerID] >= r.cfg.MaxPerServer {
			continue
		}

		slate.Tools = append(slate.Tools, tool)
		slate.TokensUsed += tool.SchemaTokens
		perServer[tool.ServerID]++
		selected[tool.ID] = true
		slate.Candidates = append(slate.Candidates, Candidate{
			Tool:     tool,
			Final:    fallbackScore,
			Fallback: true,
		})
	}

	if len(slate.Tools) < r.cfg.MinTools {
		r.topUp(slate, selected, perServer)
	}
	return slate
}

// emit stamps the slate's routing event and writes it to telemetry off
// the request path. Write faults are logged and dropped.
func (r *Router) emit(sessionID, query string, slate *Slate, start time.Time) {
	slate.RoutingEventID = uuid.NewString()

	if r.events == nil {
		return
	}

	selected := make([]string, len(slate.Tools))
	for i, t := range slate.Tools {
		selected[i] = t.ID
	}

	ev := &telemetry.RoutingEvent{
		ID:              slate.RoutingEventID,
		SessionID:       sessionID,
		QueryHash:       telemetry.HashQuery(query),
		QueryText:       query,
		Strategy:        r.cfg.Strategy,
		SelectedTools:   selected,
		CandidateCount:  len(slate.Candidates),
		SelectionTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		Explored:        slate.Explored,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := r.events.LogRoutingEvent(ctx, ev); err != nil {
			slog.Warn("Failed to log routing event", "error", err)
		}
	}()
}

// tokenSet tokenizes the query the same way the keyword index does.
func tokenSet(query string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range zoo.Tokenize(query) {
		set[tok] = true
	}
	return set
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
