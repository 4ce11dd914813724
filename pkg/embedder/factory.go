// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package embedder

import (
	"fmt"
	"time"

	"github.com/kadirpekel/toolgate/pkg/config"
)

// NewFromConfig creates an embedder from configuration.
func NewFromConfig(cfg *config.EmbedderConfig) (Embedder, error) {
	if cfg == nil {
		return NewLocalEmbedder(config.DefaultLocalEmbedderDim), nil
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	switch cfg.Provider {
	case config.EmbedderLocal:
		return NewLocalEmbedder(cfg.Dimension), nil

	case config.EmbedderOllama:
		return NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Dimension, timeout), nil

	case config.EmbedderOpenAI:
		return NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimension, timeout, cfg.BatchSize)

	default:
		return nil, fmt.Errorf("unknown embedder provider: %q", cfg.Provider)
	}
}
