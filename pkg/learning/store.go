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

package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const learningSchemaSQL = `
CREATE TABLE IF NOT EXISTS bandit_weights (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    weights TEXT NOT NULL,
    bias REAL NOT NULL,
    feature_sum_sq TEXT NOT NULL,
    updates INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_biases (
    tool_id VARCHAR(255) PRIMARY KEY,
    bias REAL NOT NULL,
    updates INTEGER NOT NULL,
    delta TEXT,
    updated_at TIMESTAMP NOT NULL
);
`

// BanditState is the persisted bandit model.
type BanditState struct {
	Weights      []float64
	Bias         float64
	FeatureSumSq []float64
	Updates      int64
}

// BiasState is the persisted per-tool bias.
type BiasState struct {
	Bias    float64
	Updates int64
	Delta   []float64
}

// Store persists learned parameters in SQLite: a single bandit_weights row
// and one tool_biases row per tool.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the learning database.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create learning directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open learning database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, learningSchemaSQL); err != nil {
		return fmt.Errorf("failed to create learning schema: %w", err)
	}
	return nil
}

// SaveBandit upserts the single bandit weights row.
func (s *Store) SaveBandit(state *BanditState) error {
	weights, err := json.Marshal(state.Weights)
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	sumSq, err := json.Marshal(state.FeatureSumSq)
	if err != nil {
		return fmt.Errorf("failed to encode feature sums: %w", err)
	}

	_, err = s.db.Exec(`
INSERT INTO bandit_weights (id, weights, bias, feature_sum_sq, updates, updated_at)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    weights = excluded.weights,
    bias = excluded.bias,
    feature_sum_sq = excluded.feature_sum_sq,
    updates = excluded.updates,
    updated_at = excluded.updated_at
`, string(weights), state.Bias, string(sumSq), state.Updates, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save bandit weights: %w", err)
	}
	return nil
}

// LoadBandit reads the bandit weights row; nil when none exists yet.
func (s *Store) LoadBandit() (*BanditState, error) {
	row := s.db.QueryRow(`SELECT weights, bias, feature_sum_sq, updates FROM bandit_weights WHERE id = 1`)

	var weights, sumSq string
	state := &BanditState{}
	err := row.Scan(&weights, &state.Bias, &sumSq, &state.Updates)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bandit weights: %w", err)
	}

	if err := json.Unmarshal([]byte(weights), &state.Weights); err != nil {
		return nil, fmt.Errorf("corrupt bandit weights: %w", err)
	}
	if err := json.Unmarshal([]byte(sumSq), &state.FeatureSumSq); err != nil {
		return nil, fmt.Errorf("corrupt bandit feature sums: %w", err)
	}
	return state, nil
}

// SaveBias upserts one tool's bias row.
func (s *Store) SaveBias(toolID string, state *BiasState) error {
	var delta any
	if len(state.Delta) > 0 {
		encoded, err := json.Marshal(state.Delta)
		if err != nil {
			return fmt.Errorf("failed to encode delta vector: %w", err)
		}
		delta = string(encoded)
	}

	_, err := s.db.Exec(`
INSERT INTO tool_biases (tool_id, bias, updates, delta, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(tool_id) DO UPDATE SET
    bias = excluded.bias,
    updates = excluded.updates,
    delta = excluded.delta,
    updated_at = excluded.updated_at
`, toolID, state.Bias, state.Updates, delta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save bias for %s: %w", toolID, err)
	}
	return nil
}

// LoadBiases reads every persisted tool bias.
func (s *Store) LoadBiases() (map[string]*BiasState, error) {
	rows, err := s.db.Query(`SELECT tool_id, bias, updates, delta FROM tool_biases`)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool biases: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*BiasState)
	for rows.Next() {
		var toolID string
		var delta sql.NullString
		state := &BiasState{}
		if err := rows.Scan(&toolID, &state.Bias, &state.Updates, &delta); err != nil {
			return nil, fmt.Errorf("failed to scan tool bias: %w", err)
		}
		if delta.Valid && delta.String != "" {
			if err := json.Unmarshal([]byte(delta.String), &state.Delta); err != nil {
				return nil, fmt.Errorf("corrupt delta vector for %s: %w", toolID, err)
			}
		}
		out[toolID] = state
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
