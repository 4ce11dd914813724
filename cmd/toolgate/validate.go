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

package main

import (
	"context"
	"fmt"
)

// ValidateCmd checks a configuration file and reports what it wires.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("validate requires --config")
	}

	ctx := context.Background()
	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	fmt.Printf("Configuration OK: %s\n", cli.Config)
	fmt.Printf("  server:     %s (%s)\n", cfg.Server.Name, cfg.Server.Transport)
	fmt.Printf("  router:     %s strategy, %s mode, %d-%d tools, %d token budget\n",
		cfg.Router.Strategy, cfg.Router.Mode, cfg.Router.MinTools, cfg.Router.MaxTools, cfg.Router.MaxContextTokens)
	fmt.Printf("  embedder:   %s (dim %d)\n", cfg.Embedder.Provider, cfg.Embedder.Dimension)
	fmt.Printf("  vector:     %s\n", cfg.Vector.Provider)
	fmt.Printf("  session:    %s\n", cfg.Session.Persistence)
	fmt.Printf("  downstream: %d server(s)\n", len(cfg.DownstreamServers))
	for _, srv := range cfg.DownstreamServers {
		target := srv.URL
		if srv.Transport == "stdio" {
			target = srv.Command
		}
		fmt.Printf("    - %s (%s) %s\n", srv.Name, srv.Transport, target)
	}
	return nil
}
