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

// Package config defines the toolgate configuration surface.
//
// Every recognized option is an explicit struct field; unknown keys in the
// config file are a startup error, never silently ignored. Each section
// follows the same pipeline: SetDefaults, then Validate.
package config

import (
	"fmt"
)

// Config is the root configuration for a toolgate process.
type Config struct {
	// Server configures the upstream-facing MCP surface.
	Server ServerConfig `yaml:"server"`

	// ToolZoo configures the tool index (embeddings + vector store).
	ToolZoo ToolZooConfig `yaml:"toolZoo"`

	// Router configures slate selection.
	Router RouterConfig `yaml:"router"`

	// Session configures conversation context storage.
	Session SessionConfig `yaml:"session"`

	// Telemetry configures the routing/call/reward event log.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Bandit configures the shared online-learned scorer.
	Bandit BanditConfig `yaml:"bandit"`

	// BiasLearning configures per-tool bias adjustments.
	BiasLearning BiasLearningConfig `yaml:"biasLearning"`

	// Embedder configures the text embedder collaborator.
	Embedder EmbedderConfig `yaml:"embedder"`

	// Vector configures the vector store collaborator.
	Vector VectorConfig `yaml:"vector"`

	// Observability configures metrics and tracing.
	Observability ObservabilityConfig `yaml:"observability"`

	// DownstreamServers lists the MCP servers to multiplex.
	DownstreamServers []DownstreamServerConfig `yaml:"downstreamServers"`
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.ToolZoo.SetDefaults()
	c.Router.SetDefaults()
	c.Session.SetDefaults()
	c.Telemetry.SetDefaults()
	c.Bandit.SetDefaults()
	c.BiasLearning.SetDefaults()
	c.Embedder.SetDefaults()
	c.Vector.SetDefaults()
	c.Observability.SetDefaults()
	for i := range c.DownstreamServers {
		c.DownstreamServers[i].SetDefaults()
	}
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.ToolZoo.Validate(); err != nil {
		return fmt.Errorf("toolZoo: %w", err)
	}
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if err := c.Bandit.Validate(); err != nil {
		return fmt.Errorf("bandit: %w", err)
	}
	if err := c.BiasLearning.Validate(); err != nil {
		return fmt.Errorf("biasLearning: %w", err)
	}
	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if err := c.Vector.Validate(); err != nil {
		return fmt.Errorf("vector: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}

	seen := make(map[string]bool, len(c.DownstreamServers))
	for i := range c.DownstreamServers {
		srv := &c.DownstreamServers[i]
		if err := srv.Validate(); err != nil {
			return fmt.Errorf("downstreamServers[%d] (%s): %w", i, srv.Name, err)
		}
		if seen[srv.Name] {
			return fmt.Errorf("downstreamServers: duplicate server name %q", srv.Name)
		}
		seen[srv.Name] = true
	}

	return nil
}

// ProcessConfigPipeline applies defaults and validates the config.
func ProcessConfigPipeline(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: config cannot be nil")
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: validation failed: %w", err)
	}

	return cfg, nil
}
