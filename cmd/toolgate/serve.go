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
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/toolgate/pkg/config"
	"github.com/kadirpekel/toolgate/pkg/gateway"
	"github.com/kadirpekel/toolgate/pkg/logger"
	"github.com/kadirpekel/toolgate/pkg/observability"
	"github.com/kadirpekel/toolgate/pkg/server"
)

// ServeCmd starts the gateway.
type ServeCmd struct {
	Transport string `help:"Upstream transport override (stdio, sse, streamable-http)."`
	Port      int    `help:"Port override for HTTP transports."`
	Watch     bool   `help:"Watch the config file for changes."`
	Lazy      bool   `help:"Connect downstream servers on first use instead of at startup."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	if c.Transport != "" {
		cfg.Server.Transport = c.Transport
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch error", "error", err)
			}
		}()
	}

	log := logger.GetLogger()

	obs := observability.NewManager(cfg.Observability, log)
	if err := obs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start observability: %w", err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Warn("observability shutdown failed", "error", err)
		}
	}()

	gwOpts := gateway.Options{Logger: log}
	if metrics := obs.Metrics(); metrics != nil {
		gwOpts.Metrics = metrics
	}
	gwOpts.Pool.Lazy = c.Lazy

	gw, err := gateway.New(cfg, gwOpts)
	if err != nil {
		return err
	}
	defer gw.Close()

	if err := gw.Start(ctx); err != nil {
		return err
	}

	srv := server.New(cfg.Server, gw, server.Options{Logger: log})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// loadConfig reads the config file, or starts from an all-defaults
// config when no path is given.
func loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		cfg, err := config.ProcessConfigPipeline(&config.Config{})
		if err != nil {
			return nil, nil, err
		}
		return cfg, nil, nil
	}

	if err := config.LoadDotEnvForConfig(path); err != nil {
		slog.Warn("failed to load .env", "error", err)
	}

	return config.LoadConfigFile(ctx, path)
}
