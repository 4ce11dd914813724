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

package vector

import (
	"fmt"

	"github.com/kadirpekel/toolgate/pkg/config"
)

// NewFromConfig creates a vector provider from configuration.
// persistDir is the on-disk location for embedded providers.
func NewFromConfig(cfg *config.VectorConfig, persistDir string) (Provider, error) {
	if cfg == nil {
		return NewChromemProvider(ChromemConfig{PersistPath: persistDir})
	}

	switch cfg.Provider {
	case config.VectorChromem:
		return NewChromemProvider(ChromemConfig{
			PersistPath: persistDir,
			Compress:    cfg.Compress,
		})

	case config.VectorQdrant:
		return NewQdrantProvider(QdrantConfig{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			APIKey: cfg.Qdrant.APIKey,
			UseTLS: cfg.Qdrant.UseTLS,
		})

	default:
		return nil, fmt.Errorf("unknown vector provider: %q", cfg.Provider)
	}
}
