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
	"strings"
)

// keywordIndex is an inverted index from token to tool IDs.
// Not safe for concurrent use; the zoo guards it with its own lock.
type keywordIndex struct {
	// token -> set of tool IDs
	postings map[string]map[string]struct{}

	// toolID -> tokens, for removal
	tokens map[string][]string
}

func newKeywordIndex() *keywordIndex {
	return &keywordIndex{
		postings: make(map[string]map[string]struct{}),
		tokens:   make(map[string][]string),
	}
}

// index tokenizes the tool's searchable text and records its postings,
// replacing any previous entry for the same ID.
func (idx *keywordIndex) index(tool *Tool) {
	idx.remove(tool.ID)

	text := tool.Name + " " + tool.Description + " " + strings.Join(tool.Tags, " ") + " " + tool.Domain
	toks := Tokenize(text)

	seen := make(map[string]struct{}, len(toks))
	stored := make([]string, 0, len(toks))
	for _, tok := range toks {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		stored = append(stored, tok)

		set, ok := idx.postings[tok]
		if !ok {
			set = make(map[string]struct{})
			idx.postings[tok] = set
		}
		set[tool.ID] = struct{}{}
	}

	idx.tokens[tool.ID] = stored
}

// remove purges a tool from all postings.
func (idx *keywordIndex) remove(toolID string) {
	for _, tok := range idx.tokens[toolID] {
		if set, ok := idx.postings[tok]; ok {
			delete(set, toolID)
			if len(set) == 0 {
				delete(idx.postings, tok)
			}
		}
	}
	delete(idx.tokens, toolID)
}

// clear drops everything.
func (idx *keywordIndex) clear() {
	idx.postings = make(map[string]map[string]struct{})
	idx.tokens = make(map[string][]string)
}

// score returns matchCount/|queryTokens| per tool for the given query
// tokens.
func (idx *keywordIndex) score(queryTokens []string) map[string]float64 {
	if len(queryTokens) == 0 {
		return nil
	}

	matches := make(map[string]int)
	for _, tok := range queryTokens {
		for toolID := range idx.postings[tok] {
			matches[toolID]++
		}
	}

	scores := make(map[string]float64, len(matches))
	for toolID, n := range matches {
		scores[toolID] = float64(n) / float64(len(queryTokens))
	}
	return scores
}

// Tokenize lowercases, splits on non-alphanumerics, and drops stopwords
// and words of length <= 2. Queries and tool text must tokenize
// identically for keyword scores to mean anything.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		isAlphaNum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		return !isAlphaNum
	})

	filtered := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) > 2 && !stopWords[w] {
			filtered = append(filtered, w)
		}
	}
	return filtered
}

// stopWords are common English words filtered during tokenization.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "has": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"this": true, "that": true, "with": true, "have": true, "from": true,
	"they": true, "been": true, "will": true, "each": true, "make": true,
	"like": true, "just": true, "than": true, "them": true, "some": true,
	"into": true, "when": true, "what": true, "which": true, "their": true,
	"there": true, "about": true, "would": true, "these": true, "other": true,
}
