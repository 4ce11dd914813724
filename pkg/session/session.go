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

// Package session stores per-conversation working state: a bounded
// message ring, per-tool usage counters, and a durable tool usage log.
//
// When the ring overflows maxMessages, the oldest half is collapsed
// into one synthetic system message summarizing what was archived.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kadirpekel/toolgate/pkg/config"
)

// ErrNotFound is returned by Get for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Message is one conversation turn.
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId,omitempty"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Session is the conversation working set.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Messages is the bounded ring, oldest first.
	Messages []Message `json:"messages"`

	// ToolUses counts routing-relevant tool usage per tool id.
	ToolUses map[string]int `json:"toolUses"`

	// Summary of the most recently archived prefix.
	Summary string `json:"summary,omitempty"`
}

func (s *Session) clone() *Session {
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	out.ToolUses = make(map[string]int, len(s.ToolUses))
	for k, v := range s.ToolUses {
		out.ToolUses[k] = v
	}
	return &out
}

// ToolUsage is one durable tool usage log row.
type ToolUsage struct {
	SessionID   string    `json:"sessionId"`
	ToolName    string    `json:"toolName"`
	Timestamp   time.Time `json:"timestamp"`
	Success     bool      `json:"success"`
	ExecutionMs float64   `json:"executionMs"`
	Error       string    `json:"error,omitempty"`
}

// ToolUsageStats aggregates the usage log per tool.
type ToolUsageStats struct {
	ToolName       string  `json:"toolName"`
	Calls          int     `json:"calls"`
	Successes      int     `json:"successes"`
	AvgExecutionMs float64 `json:"avgExecutionMs"`
}

// Store is the session backend. Both implementations enforce the ring
// bound: after every AddMessage, len(messages) <= maxMessages.
type Store interface {
	// Create makes a fresh session with a generated id.
	Create(ctx context.Context) (*Session, error)

	// Get returns a session copy, ErrNotFound when unknown.
	Get(ctx context.Context, id string) (*Session, error)

	// GetOrCreate returns the session, creating it (with the given id)
	// when missing.
	GetOrCreate(ctx context.Context, id string) (*Session, error)

	// Save persists the full session state.
	Save(ctx context.Context, s *Session) error

	// AddMessage appends to the ring, archiving the oldest half when
	// the ring would exceed maxMessages.
	AddMessage(ctx context.Context, sessionID string, msg Message) error

	// RecordToolUse increments the session's usage counter for a tool.
	RecordToolUse(ctx context.Context, sessionID, toolID string) error

	// ArchiveMessages collapses all but the newest keepRecent messages
	// into one synthetic system summary message.
	ArchiveMessages(ctx context.Context, sessionID string, keepRecent int) error

	// LogToolUsage appends to the durable usage log.
	LogToolUsage(ctx context.Context, usage ToolUsage) error

	// GetToolUsageStats aggregates the usage log, optionally scoped to
	// one session (empty id means all sessions).
	GetToolUsageStats(ctx context.Context, sessionID string) ([]ToolUsageStats, error)

	// Cleanup deletes sessions idle longer than maxAge and returns how
	// many were removed.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)

	// Close releases the backend.
	Close() error
}

// New builds the configured store.
func New(cfg config.SessionConfig) (Store, error) {
	cfg.SetDefaults()
	switch cfg.Persistence {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, cfg.MaxMessages)
	case "memory":
		return NewMemoryStore(cfg.MaxMessages), nil
	default:
		return nil, fmt.Errorf("unknown session persistence %q", cfg.Persistence)
	}
}

// archive collapses everything but the newest keepRecent messages into a
// synthetic system message. Returns the ring unchanged when nothing
// would be archived.
func archive(messages []Message, keepRecent int) ([]Message, string) {
	if keepRecent < 0 {
		keepRecent = 0
	}
	if len(messages) <= keepRecent {
		return messages, ""
	}

	archived := messages[:len(messages)-keepRecent]
	kept := messages[len(messages)-keepRecent:]

	toolSet := make(map[string]bool)
	for _, m := range archived {
		if m.ToolName != "" {
			toolSet[m.ToolName] = true
		}
	}
	tools := make([]string, 0, len(toolSet))
	for name := range toolSet {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	summary := fmt.Sprintf("Earlier conversation archived (%d messages)", len(archived))
	if len(tools) > 0 {
		summary += ". Tools used: " + strings.Join(tools, ", ")
	}
	summary += "."

	ring := make([]Message, 0, len(kept)+1)
	ring = append(ring, Message{
		Role:      "system",
		Content:   summary,
		Timestamp: time.Now().UTC(),
	})
	ring = append(ring, kept...)
	return ring, summary
}

func collectStats(byTool map[string]*ToolUsageStats, totalMs map[string]float64) []ToolUsageStats {
	out := make([]ToolUsageStats, 0, len(byTool))
	for name, st := range byTool {
		if st.Calls > 0 {
			st.AvgExecutionMs = totalMs[name] / float64(st.Calls)
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out
}
