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
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const sessionSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    state TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    tool_call_id VARCHAR(255),
    tool_name VARCHAR(255),
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);

CREATE TABLE IF NOT EXISTS tool_usage_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    tool_name VARCHAR(255) NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    success INTEGER NOT NULL,
    execution_ms REAL NOT NULL,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_usage_session ON tool_usage_log(session_id);
CREATE INDEX IF NOT EXISTS idx_usage_tool ON tool_usage_log(tool_name);
`

// sessionState is the JSON blob stored in the sessions table; messages
// live in their own table.
type sessionState struct {
	ToolUses map[string]int `json:"toolUses"`
	Summary  string         `json:"summary,omitempty"`
}

// SQLiteStore persists sessions durably and keeps a write-through cache
// so hot sessions avoid a read per turn.
type SQLiteStore struct {
	db          *sql.DB
	maxMessages int

	mu    sync.Mutex
	cache map[string]*Session
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) the session database.
func NewSQLiteStore(dbPath string, maxMessages int) (*SQLiteStore, error) {
	if maxMessages < 2 {
		maxMessages = 2
	}
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, sessionSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}

	return &SQLiteStore{
		db:          db,
		maxMessages: maxMessages,
		cache:       make(map[string]*Session),
	}, nil
}

func (s *SQLiteStore) Create(ctx context.Context) (*Session, error) {
	return s.GetOrCreate(ctx, uuid.NewString())
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, id)
	if err == nil {
		return sess.clone(), nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	sess = newSession(id)
	if err := s.persist(ctx, sess); err != nil {
		return nil, err
	}
	s.cache[id] = sess
	return sess.clone(), nil
}

func (s *SQLiteStore) Save(ctx context.Context, in *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := in.clone()
	sess.UpdatedAt = time.Now().UTC()
	if err := s.persist(ctx, sess); err != nil {
		return err
	}
	s.cache[sess.ID] = sess
	return nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	sess.Messages = append(sess.Messages, msg)
	if len(sess.Messages) > s.maxMessages {
		ring, summary := archive(sess.Messages, s.maxMessages/2)
		sess.Messages = ring
		sess.Summary = summary
	}
	sess.UpdatedAt = time.Now().UTC()
	return s.persist(ctx, sess)
}

func (s *SQLiteStore) RecordToolUse(ctx context.Context, sessionID, toolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ToolUses == nil {
		sess.ToolUses = make(map[string]int)
	}
	sess.ToolUses[toolID]++
	sess.UpdatedAt = time.Now().UTC()
	return s.persist(ctx, sess)
}

func (s *SQLiteStore) ArchiveMessages(ctx context.Context, sessionID string, keepRecent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	ring, summary := archive(sess.Messages, keepRecent)
	if summary == "" {
		return nil
	}
	sess.Messages = ring
	sess.Summary = summary
	sess.UpdatedAt = time.Now().UTC()
	return s.persist(ctx, sess)
}

func (s *SQLiteStore) LogToolUsage(ctx context.Context, usage ToolUsage) error {
	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_usage_log (session_id, tool_name, timestamp, success, execution_ms, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		usage.SessionID, usage.ToolName, usage.Timestamp,
		boolToInt(usage.Success), usage.ExecutionMs, usage.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to log tool usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetToolUsageStats(ctx context.Context, sessionID string) ([]ToolUsageStats, error) {
	query := `
		SELECT tool_name, COUNT(*), SUM(success), SUM(execution_ms)
		FROM tool_usage_log`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` GROUP BY tool_name ORDER BY tool_name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool usage stats: %w", err)
	}
	defer rows.Close()

	var out []ToolUsageStats
	for rows.Next() {
		var st ToolUsageStats
		var totalMs float64
		if err := rows.Scan(&st.ToolName, &st.Calls, &st.Successes, &totalMs); err != nil {
			return nil, fmt.Errorf("failed to scan tool usage stats: %w", err)
		}
		if st.Calls > 0 {
			st.AvgExecutionMs = totalMs / float64(st.Calls)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to delete messages: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to delete session: %w", err)
		}
		delete(s.cache, id)
	}
	return len(ids), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// load returns the live cached session, reading through to SQLite on a
// miss. Callers hold s.mu.
func (s *SQLiteStore) load(ctx context.Context, id string) (*Session, error) {
	if sess, ok := s.cache[id]; ok {
		return sess, nil
	}

	sess := &Session{ID: id}
	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at, state FROM sessions WHERE id = ?`, id,
	).Scan(&sess.CreatedAt, &sess.UpdatedAt, &stateJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var state sessionState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}
	sess.ToolUses = state.ToolUses
	if sess.ToolUses == nil {
		sess.ToolUses = make(map[string]int)
	}
	sess.Summary = state.Summary

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, timestamp, tool_call_id, tool_name, metadata
		FROM messages WHERE session_id = ? ORDER BY timestamp, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		var toolCallID, toolName, metaJSON sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.Timestamp,
			&toolCallID, &toolName, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.SessionID = id
		msg.ToolCallID = toolCallID.String
		msg.ToolName = toolName.String
		if metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode message metadata: %w", err)
			}
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.cache[id] = sess
	return sess, nil
}

// persist writes the session row and rewrites its message rows.
// Callers hold s.mu.
func (s *SQLiteStore) persist(ctx context.Context, sess *Session) error {
	stateJSON, err := json.Marshal(sessionState{ToolUses: sess.ToolUses, Summary: sess.Summary})
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, state = excluded.state`,
		sess.ID, sess.CreatedAt, sess.UpdatedAt, string(stateJSON),
	); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	for _, msg := range sess.Messages {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		var metaJSON string
		if len(msg.Metadata) > 0 {
			b, err := json.Marshal(msg.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode message metadata: %w", err)
			}
			metaJSON = string(b)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, content, timestamp, tool_call_id, tool_name, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, sess.ID, msg.Role, msg.Content, msg.Timestamp,
			msg.ToolCallID, msg.ToolName, metaJSON,
		); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}

	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
