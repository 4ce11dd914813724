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

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// statsWindow is how many recent calls feed the per-tool stats cache.
const statsWindow = 100

const schemaSQL = `
CREATE TABLE IF NOT EXISTS routing_events (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    query_hash VARCHAR(16) NOT NULL,
    query_text TEXT,
    strategy VARCHAR(50) NOT NULL,
    selected_tools TEXT NOT NULL,
    candidate_count INTEGER NOT NULL,
    selection_time_ms REAL NOT NULL,
    explored INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_routing_session ON routing_events(session_id);
CREATE INDEX IF NOT EXISTS idx_routing_created ON routing_events(created_at);

CREATE TABLE IF NOT EXISTS tool_call_events (
    id VARCHAR(64) PRIMARY KEY,
    tool_id VARCHAR(255) NOT NULL,
    success INTEGER NOT NULL,
    error_class VARCHAR(50),
    execution_ms REAL NOT NULL,
    routing_event_id VARCHAR(64),
    slate_rank INTEGER NOT NULL DEFAULT -1,
    was_selected INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tool_call_tool ON tool_call_events(tool_id);
CREATE INDEX IF NOT EXISTS idx_tool_call_created ON tool_call_events(created_at);

CREATE TABLE IF NOT EXISTS reward_signals (
    id VARCHAR(64) PRIMARY KEY,
    tool_id VARCHAR(255) NOT NULL,
    tool_call_event_id VARCHAR(64),
    success REAL NOT NULL,
    latency_penalty REAL NOT NULL,
    context_cost_penalty REAL NOT NULL,
    followup_penalty REAL NOT NULL,
    total REAL NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reward_tool ON reward_signals(tool_id);
CREATE INDEX IF NOT EXISTS idx_reward_created ON reward_signals(created_at);

CREATE TABLE IF NOT EXISTS tool_stats_cache (
    tool_id VARCHAR(255) PRIMARY KEY,
    total_calls INTEGER NOT NULL,
    success_count INTEGER NOT NULL,
    failure_count INTEGER NOT NULL,
    avg_latency_ms REAL NOT NULL,
    avg_reward REAL NOT NULL,
    rolling_success_rate REAL NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// Store is the SQLite-backed telemetry log.
//
// Writes are serialized through a single connection. Callers treat
// logging as fire-and-forget (log the error, keep going), so every
// method still returns one.
type Store struct {
	db           *sql.DB
	logQueryText bool
}

// Options configures a Store.
type Options struct {
	// LogQueryText stores the raw query alongside its hash.
	LogQueryText bool
}

// NewStore opens (creating if necessary) the telemetry database.
func NewStore(dbPath string, opts Options) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry database: %w", err)
	}

	// SQLite tolerates exactly one writer; serialize everything.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logQueryText: opts.LogQueryText}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create telemetry schema: %w", err)
	}
	return nil
}

// LogRoutingEvent appends a routing event, assigning ID and timestamp if
// absent. Mutates the event so the caller can link tool calls to it.
func (s *Store) LogRoutingEvent(ctx context.Context, ev *RoutingEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.QueryHash == "" && ev.QueryText != "" {
		ev.QueryHash = HashQuery(ev.QueryText)
	}

	queryText := ""
	if s.logQueryText {
		queryText = ev.QueryText
	}

	selected, err := json.Marshal(ev.SelectedTools)
	if err != nil {
		return fmt.Errorf("failed to encode selected tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO routing_events (id, session_id, query_hash, query_text, strategy, selected_tools, candidate_count, selection_time_ms, explored, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, ev.ID, ev.SessionID, ev.QueryHash, queryText, ev.Strategy, string(selected), ev.CandidateCount, ev.SelectionTimeMs, boolToInt(ev.Explored), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert routing event: %w", err)
	}
	return nil
}

// LogToolCall appends a tool call event and refreshes the stats cache row
// for that tool.
func (s *Store) LogToolCall(ctx context.Context, ev *ToolCallEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO tool_call_events (id, tool_id, success, error_class, execution_ms, routing_event_id, slate_rank, was_selected, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, ev.ID, ev.ToolID, boolToInt(ev.Success), ev.ErrorClass, ev.ExecutionMs, ev.RoutingEventID, ev.SlateRank, boolToInt(ev.WasSelected), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tool call event: %w", err)
	}

	if err := s.refreshStats(ctx, ev.ToolID); err != nil {
		slog.Warn("Failed to refresh tool stats cache", "tool", ev.ToolID, "error", err)
	}
	return nil
}

// LogReward appends a reward signal.
func (s *Store) LogReward(ctx context.Context, sig *RewardSignal) error {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO reward_signals (id, tool_id, tool_call_event_id, success, latency_penalty, context_cost_penalty, followup_penalty, total, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, sig.ID, sig.ToolID, sig.ToolCallEventID, sig.Success, sig.LatencyPenalty, sig.ContextCostPenalty, sig.FollowupPenalty, sig.Total, sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reward signal: %w", err)
	}
	return nil
}

// GetToolStats returns the cached stats for one tool. Tools with no
// history get zeroed stats with the smoothed 0.5 success rate.
func (s *Store) GetToolStats(ctx context.Context, toolID string) (*ToolStats, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT tool_id, total_calls, success_count, failure_count, avg_latency_ms, avg_reward, rolling_success_rate
FROM tool_stats_cache WHERE tool_id = ?
`, toolID)

	stats := &ToolStats{}
	err := row.Scan(&stats.ToolID, &stats.TotalCalls, &stats.SuccessCount, &stats.FailureCount,
		&stats.AvgLatencyMs, &stats.AvgReward, &stats.RollingSuccessRate)
	if err == sql.ErrNoRows {
		return &ToolStats{ToolID: toolID, RollingSuccessRate: 0.5}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tool stats: %w", err)
	}
	return stats, nil
}

// GetAllToolStats returns the full stats cache.
func (s *Store) GetAllToolStats(ctx context.Context) (map[string]*ToolStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT tool_id, total_calls, success_count, failure_count, avg_latency_ms, avg_reward, rolling_success_rate
FROM tool_stats_cache
`)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*ToolStats)
	for rows.Next() {
		stats := &ToolStats{}
		if err := rows.Scan(&stats.ToolID, &stats.TotalCalls, &stats.SuccessCount, &stats.FailureCount,
			&stats.AvgLatencyMs, &stats.AvgReward, &stats.RollingSuccessRate); err != nil {
			return nil, fmt.Errorf("failed to scan tool stats: %w", err)
		}
		out[stats.ToolID] = stats
	}
	return out, rows.Err()
}

// GetRoutingEvents returns events newest-first, optionally scoped to one
// session.
func (s *Store) GetRoutingEvents(ctx context.Context, sessionID string, limit int) ([]*RoutingEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT id, session_id, query_hash, query_text, strategy, selected_tools, candidate_count, selection_time_ms, explored, created_at
FROM routing_events
`
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing events: %w", err)
	}
	defer rows.Close()

	var out []*RoutingEvent
	for rows.Next() {
		ev := &RoutingEvent{}
		var selected string
		var explored int
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.QueryHash, &ev.QueryText, &ev.Strategy,
			&selected, &ev.CandidateCount, &ev.SelectionTimeMs, &explored, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan routing event: %w", err)
		}
		ev.Explored = explored != 0
		if err := json.Unmarshal([]byte(selected), &ev.SelectedTools); err != nil {
			slog.Warn("Corrupt selected_tools payload", "event", ev.ID, "error", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetRecentRewards returns reward signals newest-first, optionally scoped
// to one tool.
func (s *Store) GetRecentRewards(ctx context.Context, toolID string, limit int) ([]*RewardSignal, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT id, tool_id, tool_call_event_id, success, latency_penalty, context_cost_penalty, followup_penalty, total, created_at
FROM reward_signals
`
	args := []any{}
	if toolID != "" {
		query += " WHERE tool_id = ?"
		args = append(args, toolID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read reward signals: %w", err)
	}
	defer rows.Close()

	var out []*RewardSignal
	for rows.Next() {
		sig := &RewardSignal{}
		if err := rows.Scan(&sig.ID, &sig.ToolID, &sig.ToolCallEventID, &sig.Success,
			&sig.LatencyPenalty, &sig.ContextCostPenalty, &sig.FollowupPenalty, &sig.Total, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reward signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than the cutoff, cascading in dependency
// order: rewards, then tool calls, then routing events.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().UTC().Add(-maxAge)

	for _, table := range []string{"reward_signals", "tool_call_events", "routing_events"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", cutoff)
		if err != nil {
			return fmt.Errorf("failed to clean up %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			slog.Debug("Telemetry cleanup", "table", table, "deleted", n)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// refreshStats recomputes the stats cache row for a tool from its recent
// call and reward history.
func (s *Store) refreshStats(ctx context.Context, toolID string) error {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(execution_ms), 0)
FROM (
    SELECT success, execution_ms FROM tool_call_events
    WHERE tool_id = ? ORDER BY created_at DESC LIMIT ?
)
`, toolID, statsWindow)

	var total, successes int
	var avgLatency float64
	if err := row.Scan(&total, &successes, &avgLatency); err != nil {
		return err
	}

	var avgReward float64
	rewardRow := s.db.QueryRowContext(ctx, `
SELECT COALESCE(AVG(total), 0)
FROM (
    SELECT total FROM reward_signals
    WHERE tool_id = ? ORDER BY created_at DESC LIMIT ?
)
`, toolID, statsWindow)
	if err := rewardRow.Scan(&avgReward); err != nil {
		return err
	}

	rolling := float64(successes+1) / float64(total+2)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO tool_stats_cache (tool_id, total_calls, success_count, failure_count, avg_latency_ms, avg_reward, rolling_success_rate, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tool_id) DO UPDATE SET
    total_calls = excluded.total_calls,
    success_count = excluded.success_count,
    failure_count = excluded.failure_count,
    avg_latency_ms = excluded.avg_latency_ms,
    avg_reward = excluded.avg_reward,
    rolling_success_rate = excluded.rolling_success_rate,
    updated_at = excluded.updated_at
`, toolID, total, successes, total-successes, avgLatency, avgReward, rolling, time.Now().UTC())
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
