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

package zoo

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/kadirpekel/toolgate/pkg/embedder"
	"github.com/kadirpekel/toolgate/pkg/tokens"
	"github.com/kadirpekel/toolgate/pkg/vector"
)

// Default hybrid search weights.
const (
	DefaultSemanticWeight = 0.7
	DefaultKeywordWeight  = 0.3
)

// IndexError wraps an embedding failure during Register. The affected tool
// is not partially upserted anywhere.
type IndexError struct {
	ToolID string
	Err    error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("failed to index tool %s: %v", e.ToolID, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

// Match pairs a tool with its search score.
type Match struct {
	Tool  *Tool
	Score float64
}

// Filter narrows a semantic search.
type Filter struct {
	// Domain restricts matches to tools with this domain label.
	Domain string

	// Tag restricts matches to tools carrying this tag.
	Tag string
}

// Zoo indexes every known tool for semantic, keyword, and hybrid search.
//
// Reads work against snapshots (matches carry cloned tools); writes take an
// exclusive lock.
type Zoo struct {
	embedder   embedder.Embedder
	store      vector.Provider
	collection string
	minScore   float64
	counter    *tokens.Counter

	mu      sync.RWMutex
	catalog map[string]*Tool
	kw      *keywordIndex
}

// Options configures a Zoo.
type Options struct {
	// Collection is the vector store collection name.
	Collection string

	// MinScore drops semantic matches below this similarity.
	MinScore float64

	// Counter estimates schema tokens; nil falls back to chars/4.
	Counter *tokens.Counter
}

// New creates a tool zoo over the given embedder and vector store.
func New(emb embedder.Embedder, store vector.Provider, opts Options) *Zoo {
	if opts.Collection == "" {
		opts.Collection = "tools"
	}
	return &Zoo{
		embedder:   emb,
		store:      store,
		collection: opts.Collection,
		minScore:   opts.MinScore,
		counter:    opts.Counter,
		catalog:    make(map[string]*Tool),
		kw:         newKeywordIndex(),
	}
}

// Register upserts tools into the catalog, the vector index, and the
// keyword index. Idempotent: re-registering the same tool replaces its
// entry without growing the catalog.
//
// Embedding failures abort with an IndexError and leave no partial state
// for the failed tool. Vector-store faults are logged and the affected
// tool skipped; the catalog is never corrupted.
func (z *Zoo) Register(ctx context.Context, toolList ...*Tool) error {
	for _, tool := range toolList {
		if tool.ID == "" {
			tool.ID = QualifiedID(tool.ServerID, tool.Name)
		}

		if tool.SchemaTokens == 0 {
			schema, err := tool.SchemaJSON()
			if err != nil {
				slog.Warn("Failed to serialize tool schema", "tool", tool.ID, "error", err)
				schema = "{}"
			}
			tool.SchemaTokens = z.counter.Estimate(schema)
		}

		vec, err := z.embedder.Embed(ctx, tool.RichDescription())
		if err != nil {
			return &IndexError{ToolID: tool.ID, Err: err}
		}

		metadata := map[string]any{
			"content":  tool.RichDescription(),
			"serverId": tool.ServerID,
			"name":     tool.Name,
		}
		if tool.Domain != "" {
			metadata["domain"] = tool.Domain
		}
		if len(tool.Tags) > 0 {
			metadata["tags"] = strings.Join(tool.Tags, ",")
		}

		if err := z.store.Upsert(ctx, z.collection, tool.ID, vec, metadata); err != nil {
			slog.Error("Vector store upsert failed, skipping tool",
				"tool", tool.ID,
				"error", err)
			continue
		}

		z.mu.Lock()
		z.catalog[tool.ID] = tool.clone()
		z.kw.index(tool)
		z.mu.Unlock()

		slog.Debug("Registered tool", "tool", tool.ID, "schema_tokens", tool.SchemaTokens)
	}

	return nil
}

// SemanticSearch embeds the query and returns the top-k most similar
// tools above the minimum score, sorted by similarity descending.
func (z *Zoo) SemanticSearch(ctx context.Context, query string, k int, filter *Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	vec, err := z.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var where map[string]any
	if filter != nil && filter.Domain != "" {
		where = map[string]any{"domain": filter.Domain}
	}

	// Over-fetch so score and tag filtering still leaves k results.
	results, err := z.store.SearchWithFilter(ctx, z.collection, vec, 2*k, where)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	z.mu.RLock()
	defer z.mu.RUnlock()

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		score := float64(r.Score)
		if score < z.minScore {
			continue
		}
		tool, ok := z.catalog[r.ID]
		if !ok {
			// Vector index can lag a Remove; never resurrect.
			continue
		}
		if filter != nil && filter.Tag != "" && !tool.HasTag(filter.Tag) {
			continue
		}
		matches = append(matches, Match{Tool: tool.clone(), Score: score})
	}

	sortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// KeywordSearch scores tools by the fraction of query tokens they match
// and returns the top-k.
func (z *Zoo) KeywordSearch(query string, k int) []Match {
	if k <= 0 {
		return nil
	}

	queryTokens := Tokenize(query)

	z.mu.RLock()
	defer z.mu.RUnlock()

	scores := z.kw.score(queryTokens)
	matches := make([]Match, 0, len(scores))
	for toolID, score := range scores {
		tool, ok := z.catalog[toolID]
		if !ok {
			continue
		}
		matches = append(matches, Match{Tool: tool.clone(), Score: score})
	}

	sortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// HybridSearch combines semantic and keyword scores:
// score = wSem*semantic + wKw*keyword.
func (z *Zoo) HybridSearch(ctx context.Context, query string, k int, wSem, wKw float64, filter *Filter) ([]Match, error) {
	if wSem == 0 && wKw == 0 {
		wSem, wKw = DefaultSemanticWeight, DefaultKeywordWeight
	}

	semantic, err := z.SemanticSearch(ctx, query, k, filter)
	if err != nil {
		return nil, err
	}
	keyword := z.KeywordSearch(query, k)

	combined := make(map[string]*Match, len(semantic)+len(keyword))
	for i := range semantic {
		m := semantic[i]
		m.Score *= wSem
		combined[m.Tool.ID] = &m
	}
	for _, m := range keyword {
		if have, ok := combined[m.Tool.ID]; ok {
			have.Score += wKw * m.Score
		} else {
			m.Score *= wKw
			mm := m
			combined[m.Tool.ID] = &mm
		}
	}

	matches := make([]Match, 0, len(combined))
	for _, m := range combined {
		matches = append(matches, *m)
	}

	sortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Get returns the tool with the given fully-qualified ID.
func (z *Zoo) Get(id string) (*Tool, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()

	tool, ok := z.catalog[id]
	if !ok {
		return nil, false
	}
	return tool.clone(), true
}

// GetByServer returns all tools owned by a server, sorted by ID.
func (z *Zoo) GetByServer(serverID string) []*Tool {
	z.mu.RLock()
	defer z.mu.RUnlock()

	var out []*Tool
	for _, tool := range z.catalog {
		if tool.ServerID == serverID {
			out = append(out, tool.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every registered tool, sorted by ID.
func (z *Zoo) All() []*Tool {
	z.mu.RLock()
	defer z.mu.RUnlock()

	out := make([]*Tool, 0, len(z.catalog))
	for _, tool := range z.catalog {
		out = append(out, tool.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the catalog size.
func (z *Zoo) Count() int {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return len(z.catalog)
}

// Remove purges a tool from the catalog, the keyword index, and the
// vector store.
func (z *Zoo) Remove(ctx context.Context, id string) error {
	z.mu.Lock()
	delete(z.catalog, id)
	z.kw.remove(id)
	z.mu.Unlock()

	if err := z.store.Delete(ctx, z.collection, id); err != nil {
		return fmt.Errorf("failed to delete vector for %s: %w", id, err)
	}
	return nil
}

// RemoveByServer purges every tool registered from the given server.
func (z *Zoo) RemoveByServer(ctx context.Context, serverID string) error {
	z.mu.Lock()
	for id, tool := range z.catalog {
		if tool.ServerID == serverID {
			delete(z.catalog, id)
			z.kw.remove(id)
		}
	}
	z.mu.Unlock()

	if err := z.store.DeleteByFilter(ctx, z.collection, map[string]any{"serverId": serverID}); err != nil {
		return fmt.Errorf("failed to delete vectors for server %s: %w", serverID, err)
	}
	return nil
}

// Clear drops the entire catalog and the backing collection.
func (z *Zoo) Clear(ctx context.Context) error {
	z.mu.Lock()
	z.catalog = make(map[string]*Tool)
	z.kw.clear()
	z.mu.Unlock()

	if err := z.store.DeleteCollection(ctx, z.collection); err != nil {
		return fmt.Errorf("failed to clear vector collection: %w", err)
	}
	return nil
}

// sortMatches orders by score descending, breaking ties by tool ID so
// results are deterministic.
func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Tool.ID < matches[j].Tool.ID
	})
}
