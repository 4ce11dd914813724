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

// Embedder provider names.
const (
	EmbedderLocal  = "local"
	EmbedderOpenAI = "openai"
	EmbedderOllama = "ollama"
)

// Vector provider names.
const (
	VectorChromem = "chromem"
	VectorQdrant  = "qdrant"
)

// DefaultLocalEmbedderDim is the vector dimension for the local
// feature-hashing embedder.
const DefaultLocalEmbedderDim = 256

// EmbedderConfig configures the text embedder collaborator.
type EmbedderConfig struct {
	// Provider selects the embedder (local, openai, ollama).
	Provider string `yaml:"provider"`

	// Model name for the provider.
	Model string `yaml:"model"`

	// BaseURL overrides the provider API endpoint.
	BaseURL string `yaml:"baseUrl,omitempty"`

	// APIKey for hosted providers. Supports ${ENV_VAR} expansion.
	APIKey string `yaml:"apiKey,omitempty"`

	// Dimension of the embedding vectors.
	Dimension int `yaml:"dimension"`

	// TimeoutSeconds for embedding API requests.
	TimeoutSeconds int `yaml:"timeoutSeconds"`

	// BatchSize for batch embedding requests.
	BatchSize int `yaml:"batchSize"`
}

// SetDefaults applies default values.
func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = EmbedderLocal
	}
	if c.Dimension == 0 {
		switch c.Provider {
		case EmbedderOpenAI:
			c.Dimension = 1536
		case EmbedderOllama:
			c.Dimension = 768
		default:
			c.Dimension = DefaultLocalEmbedderDim
		}
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
}

// Validate checks the configuration.
func (c *EmbedderConfig) Validate() error {
	switch c.Provider {
	case EmbedderLocal, EmbedderOpenAI, EmbedderOllama:
	default:
		return fmt.Errorf("unknown provider %q (supported: local, openai, ollama)", c.Provider)
	}
	if c.Provider == EmbedderOpenAI && c.APIKey == "" {
		return fmt.Errorf("apiKey is required for openai provider")
	}
	if c.Dimension < 1 {
		return fmt.Errorf("dimension must be >= 1, got %d", c.Dimension)
	}
	return nil
}

// VectorConfig configures the vector store collaborator.
type VectorConfig struct {
	// Provider selects the vector store (chromem, qdrant).
	Provider string `yaml:"provider"`

	// Compress enables gzip persistence for chromem.
	Compress bool `yaml:"compress,omitempty"`

	// Qdrant settings (used when provider is qdrant).
	Qdrant QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig configures the Qdrant provider.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`

	// Port is the Qdrant gRPC port (default: 6334).
	Port int `yaml:"port"`

	// APIKey for authenticated access (optional).
	APIKey string `yaml:"apiKey,omitempty"`

	// UseTLS enables TLS connections.
	UseTLS bool `yaml:"useTls,omitempty"`
}

// SetDefaults applies default values.
func (c *VectorConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = VectorChromem
	}
	if c.Provider == VectorQdrant {
		if c.Qdrant.Host == "" {
			c.Qdrant.Host = "localhost"
		}
		if c.Qdrant.Port == 0 {
			c.Qdrant.Port = 6334
		}
	}
}

// Validate checks the configuration.
func (c *VectorConfig) Validate() error {
	switch c.Provider {
	case VectorChromem, VectorQdrant:
	default:
		return fmt.Errorf("unknown provider %q (supported: chromem, qdrant)", c.Provider)
	}
	return nil
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// Metrics enables the Prometheus /metrics endpoint.
	Metrics bool `yaml:"metrics"`

	// MetricsAddr is the listen address for /metrics.
	MetricsAddr string `yaml:"metricsAddr"`

	// Tracing enables OpenTelemetry span export.
	Tracing bool `yaml:"tracing"`

	// OTLPEndpoint for the trace exporter; empty means stdout.
	OTLPEndpoint string `yaml:"otlpEndpoint,omitempty"`
}

// SetDefaults applies default values.
func (c *ObservabilityConfig) SetDefaults() {
	if c.MetricsAddr == "" {
		c.MetricsAddr = "localhost:9464"
	}
}

// Validate checks the configuration.
func (c *ObservabilityConfig) Validate() error {
	return nil
}
