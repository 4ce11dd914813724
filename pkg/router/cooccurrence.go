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

import "sync"

// cooccurSmoothing shapes the boost curve n/(n+smoothing): one shared use
// is a weak signal, five are a strong one.
const cooccurSmoothing = 3

// cooccurrence counts how often tool pairs are used together. Counts are
// symmetric: record(a, b) bumps both directions.
type cooccurrence struct {
	mu     sync.RWMutex
	counts map[string]map[string]int
}

func newCooccurrence() *cooccurrence {
	return &cooccurrence{counts: make(map[string]map[string]int)}
}

// record increments the pair count for every unordered pair in ids.
func (c *cooccurrence) record(ids []string) {
	if len(ids) < 2 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[i] == ids[j] {
				continue
			}
			c.bump(ids[i], ids[j])
			c.bump(ids[j], ids[i])
		}
	}
}

func (c *cooccurrence) bump(a, b string) {
	m, ok := c.counts[a]
	if !ok {
		m = make(map[string]int)
		c.counts[a] = m
	}
	m[b]++
}

// boost returns the strongest normalized co-occurrence between toolID and
// any anchor: max over anchors of n/(n+smoothing), in [0, 1).
func (c *cooccurrence) boost(toolID string, anchors []string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.counts[toolID]
	if !ok {
		return 0
	}

	best := 0.0
	for _, anchor := range anchors {
		if anchor == toolID {
			continue
		}
		if n := m[anchor]; n > 0 {
			score := float64(n) / float64(n+cooccurSmoothing)
			if score > best {
				best = score
			}
		}
	}
	return best
}
