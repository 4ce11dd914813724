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

package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in process memory. State is lost on
// restart; suitable for single-instance deployments and tests.
type MemoryStore struct {
	maxMessages int

	// mu guards the maps only. Each entry carries its own lock so one
	// busy session does not serialize the rest.
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	usage   []ToolUsage
}

type memoryEntry struct {
	mu sync.Mutex
	s  *Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store bounding each session's
// ring at maxMessages.
func NewMemoryStore(maxMessages int) *MemoryStore {
	if maxMessages < 2 {
		maxMessages = 2
	}
	return &MemoryStore{
		maxMessages: maxMessages,
		entries:     make(map[string]*memoryEntry),
	}
}

func newSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		ToolUses:  make(map[string]int),
	}
}

func (m *MemoryStore) Create(ctx context.Context) (*Session, error) {
	return m.GetOrCreate(ctx, uuid.NewString())
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.s.clone(), nil
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if !ok {
		entry = &memoryEntry{s: newSession(id)}
		m.entries[id] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.s.clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	entry, ok := m.entries[s.ID]
	if !ok {
		entry = &memoryEntry{}
		m.entries[s.ID] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	saved := s.clone()
	saved.UpdatedAt = time.Now().UTC()
	entry.s = saved
	return nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	entry, err := m.entry(ctx, sessionID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	entry.s.Messages = append(entry.s.Messages, msg)
	if len(entry.s.Messages) > m.maxMessages {
		ring, summary := archive(entry.s.Messages, m.maxMessages/2)
		entry.s.Messages = ring
		entry.s.Summary = summary
	}
	entry.s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RecordToolUse(ctx context.Context, sessionID, toolID string) error {
	entry, err := m.entry(ctx, sessionID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.s.ToolUses == nil {
		entry.s.ToolUses = make(map[string]int)
	}
	entry.s.ToolUses[toolID]++
	entry.s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ArchiveMessages(ctx context.Context, sessionID string, keepRecent int) error {
	entry, err := m.entry(ctx, sessionID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	ring, summary := archive(entry.s.Messages, keepRecent)
	if summary == "" {
		return nil
	}
	entry.s.Messages = ring
	entry.s.Summary = summary
	entry.s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) LogToolUsage(_ context.Context, usage ToolUsage) error {
	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, usage)
	return nil
}

func (m *MemoryStore) GetToolUsageStats(_ context.Context, sessionID string) ([]ToolUsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byTool := make(map[string]*ToolUsageStats)
	totalMs := make(map[string]float64)
	for _, u := range m.usage {
		if sessionID != "" && u.SessionID != sessionID {
			continue
		}
		st, ok := byTool[u.ToolName]
		if !ok {
			st = &ToolUsageStats{ToolName: u.ToolName}
			byTool[u.ToolName] = st
		}
		st.Calls++
		if u.Success {
			st.Successes++
		}
		totalMs[u.ToolName] += u.ExecutionMs
	}

	return collectStats(byTool, totalMs), nil
}

func (m *MemoryStore) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, entry := range m.entries {
		entry.mu.Lock()
		stale := entry.s.UpdatedAt.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			delete(m.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) entry(_ context.Context, id string) (*memoryEntry, error) {
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}
