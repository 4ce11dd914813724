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

package config

import (
	"fmt"
)

// SessionConfig configures conversation context storage.
type SessionConfig struct {
	// Persistence backend (memory, sqlite).
	Persistence string `yaml:"persistence"`

	// SQLitePath for the sqlite backend.
	SQLitePath string `yaml:"sqlitePath"`

	// TTLSeconds before idle sessions are deleted.
	TTLSeconds int `yaml:"ttlSeconds"`

	// MaxMessages bounds the per-session message ring.
	MaxMessages int `yaml:"maxMessages"`
}

// SetDefaults applies default values.
func (c *SessionConfig) SetDefaults() {
	if c.Persistence == "" {
		c.Persistence = "memory"
	}
	if c.SQLitePath == "" {
		c.SQLitePath = ".toolgate/sessions.db"
	}
	if c.TTLSeconds == 0 {
		c.TTLSeconds = 3600
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = 100
	}
}

// Validate checks the configuration.
func (c *SessionConfig) Validate() error {
	switch c.Persistence {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown persistence %q (supported: memory, sqlite)", c.Persistence)
	}
	if c.MaxMessages < 2 {
		return fmt.Errorf("maxMessages must be >= 2, got %d", c.MaxMessages)
	}
	if c.TTLSeconds < 0 {
		return fmt.Errorf("ttlSeconds must be >= 0, got %d", c.TTLSeconds)
	}
	return nil
}

// TelemetryConfig configures the routing/call/reward event log.
type TelemetryConfig struct {
	// Enabled turns telemetry on.
	Enabled *bool `yaml:"enabled"`

	// DBPath for the telemetry sqlite database.
	DBPath string `yaml:"dbPath"`

	// LogQueryText stores raw query strings; the 16-hex truncated
	// SHA-256 hash is always stored regardless.
	LogQueryText bool `yaml:"logQueryText"`

	// CleanupHours is the max event age before Cleanup deletes it.
	CleanupHours int `yaml:"cleanupHours"`

	// LatencyScale converts latency ms into reward penalty.
	LatencyScale float64 `yaml:"latencyScale"`

	// LatencyCap bounds the latency penalty.
	LatencyCap float64 `yaml:"latencyCap"`

	// ContextScale converts schema tokens into reward penalty.
	ContextScale float64 `yaml:"contextScale"`

	// ContextCap bounds the context cost penalty.
	ContextCap float64 `yaml:"contextCap"`

	// FollowupPenalty applied when the next user turn is a near-duplicate retry.
	FollowupPenalty float64 `yaml:"followupPenalty"`
}

// SetDefaults applies default values.
func (c *TelemetryConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.DBPath == "" {
		c.DBPath = ".toolgate/telemetry.db"
	}
	if c.CleanupHours == 0 {
		c.CleanupHours = 24 * 7
	}
	if c.LatencyScale == 0 {
		c.LatencyScale = 0.00001
	}
	if c.LatencyCap == 0 {
		c.LatencyCap = 0.3
	}
	if c.ContextScale == 0 {
		c.ContextScale = 0.0001
	}
	if c.ContextCap == 0 {
		c.ContextCap = 0.2
	}
	if c.FollowupPenalty == 0 {
		c.FollowupPenalty = 0.2
	}
}

// Validate checks the configuration.
func (c *TelemetryConfig) Validate() error {
	if c.CleanupHours < 0 {
		return fmt.Errorf("cleanupHours must be >= 0, got %d", c.CleanupHours)
	}
	for name, v := range map[string]float64{
		"latencyScale": c.LatencyScale,
		"latencyCap":   c.LatencyCap,
		"contextScale": c.ContextScale,
		"contextCap":   c.ContextCap,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0, got %f", name, v)
		}
	}
	return nil
}

// BanditConfig configures the shared online-learned scorer.
type BanditConfig struct {
	// Enabled turns bandit scoring on.
	Enabled *bool `yaml:"enabled"`

	// DBPath for the learning sqlite database (shared with biases).
	DBPath string `yaml:"dbPath"`

	// FeatureDim is the scorer's feature vector dimension.
	FeatureDim int `yaml:"featureDim"`

	// LearningRate for SGD updates.
	LearningRate float64 `yaml:"learningRate"`

	// L2Regularization strength.
	L2Regularization float64 `yaml:"l2Regularization"`

	// PersistEveryNUpdates flushes weights to disk every N updates.
	PersistEveryNUpdates int `yaml:"persistEveryNUpdates"`

	// ThompsonScale scales sampling noise for thompson exploration.
	ThompsonScale float64 `yaml:"thompsonScale"`
}

// SetDefaults applies default values.
func (c *BanditConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.DBPath == "" {
		c.DBPath = ".toolgate/learning.db"
	}
	if c.FeatureDim == 0 {
		c.FeatureDim = 7
	}
	if c.LearningRate == 0 {
		c.LearningRate = 0.05
	}
	if c.L2Regularization == 0 {
		c.L2Regularization = 0.001
	}
	if c.PersistEveryNUpdates == 0 {
		c.PersistEveryNUpdates = 10
	}
	if c.ThompsonScale == 0 {
		c.ThompsonScale = 1.0
	}
}

// Validate checks the configuration.
func (c *BanditConfig) Validate() error {
	if c.FeatureDim < 1 {
		return fmt.Errorf("featureDim must be >= 1, got %d", c.FeatureDim)
	}
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		return fmt.Errorf("learningRate must be in (0,1], got %f", c.LearningRate)
	}
	if c.L2Regularization < 0 {
		return fmt.Errorf("l2Regularization must be >= 0, got %f", c.L2Regularization)
	}
	if c.PersistEveryNUpdates < 1 {
		return fmt.Errorf("persistEveryNUpdates must be >= 1, got %d", c.PersistEveryNUpdates)
	}
	return nil
}

// BiasLearningConfig configures per-tool bias adjustments.
type BiasLearningConfig struct {
	// Enabled turns bias learning on.
	Enabled *bool `yaml:"enabled"`

	// DBPath for the learning sqlite database (shared with bandit).
	DBPath string `yaml:"dbPath"`

	// LearningRate for bias updates.
	LearningRate float64 `yaml:"learningRate"`

	// DecayRate shrinks biases toward zero on every update.
	DecayRate float64 `yaml:"decayRate"`

	// MaxBias clamps biases to [-maxBias, +maxBias].
	MaxBias float64 `yaml:"maxBias"`

	// EnableDeltaVectors learns a per-tool embedding-space delta.
	EnableDeltaVectors bool `yaml:"enableDeltaVectors"`

	// DeltaLearningRate for delta vector updates.
	DeltaLearningRate float64 `yaml:"deltaLearningRate"`

	// DeltaRegularization shrinks delta vectors on every update.
	DeltaRegularization float64 `yaml:"deltaRegularization"`

	// PersistEveryNUpdates flushes a tool's bias every N updates to it.
	PersistEveryNUpdates int `yaml:"persistEveryNUpdates"`
}

// SetDefaults applies default values.
func (c *BiasLearningConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.DBPath == "" {
		c.DBPath = ".toolgate/learning.db"
	}
	if c.LearningRate == 0 {
		c.LearningRate = 0.1
	}
	if c.DecayRate == 0 {
		c.DecayRate = 0.01
	}
	if c.MaxBias == 0 {
		c.MaxBias = 0.2
	}
	if c.DeltaLearningRate == 0 {
		c.DeltaLearningRate = 0.01
	}
	if c.DeltaRegularization == 0 {
		c.DeltaRegularization = 0.001
	}
	if c.PersistEveryNUpdates == 0 {
		c.PersistEveryNUpdates = 5
	}
}

// Validate checks the configuration.
func (c *BiasLearningConfig) Validate() error {
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		return fmt.Errorf("learningRate must be in (0,1], got %f", c.LearningRate)
	}
	if c.DecayRate < 0 || c.DecayRate >= 1 {
		return fmt.Errorf("decayRate must be in [0,1), got %f", c.DecayRate)
	}
	if c.MaxBias <= 0 {
		return fmt.Errorf("maxBias must be > 0, got %f", c.MaxBias)
	}
	return nil
}
