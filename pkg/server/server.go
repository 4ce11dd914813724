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

// Package server exposes the gateway over MCP: newline-delimited
// JSON-RPC on stdio, or an HTTP endpoint for the streamable transports.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/toolgate/pkg/config"
	"github.com/kadirpekel/toolgate/pkg/gateway"
)

// maxLineBytes bounds one stdio request frame.
const maxLineBytes = 10 * 1024 * 1024

const sessionHeader = "Mcp-Session-Id"

// Server is the upstream-facing MCP endpoint.
type Server struct {
	cfg config.ServerConfig
	gw  *gateway.Gateway
	log *slog.Logger

	in  io.Reader
	out io.Writer
}

// Options carries optional collaborators for New.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// In/Out override stdio streams (tests). Defaults: os.Stdin, os.Stdout.
	In  io.Reader
	Out io.Writer
}

// New creates a server for an already-started gateway.
func New(cfg config.ServerConfig, gw *gateway.Gateway, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	in := opts.In
	if in == nil {
		in = os.Stdin
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Server{cfg: cfg, gw: gw, log: log, in: in, out: out}
}

// Run serves until the context is canceled or the input closes.
func (s *Server) Run(ctx context.Context) error {
	switch s.cfg.Transport {
	case config.TransportStdio:
		return s.runStdio(ctx)
	case config.TransportSSE, config.TransportStreamableHTTP:
		return s.runHTTP(ctx)
	default:
		return fmt.Errorf("unknown server transport %q", s.cfg.Transport)
	}
}

// runStdio answers newline-delimited JSON-RPC sequentially. A stdio
// client is one conversation, so the whole stream shares one session.
func (s *Server) runStdio(ctx context.Context) error {
	sessionID := uuid.NewString()
	s.log.Info("serving on stdio", "session", sessionID)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	encoder := json.NewEncoder(s.out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := encoder.Encode(errResponse(nil, codeParseError, "invalid JSON")); err != nil {
				return err
			}
			continue
		}

		resp := s.dispatch(ctx, sessionID, &req)
		if resp == nil || req.isNotification() {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// runHTTP serves JSON-RPC over POST /mcp. Sessions ride the
// Mcp-Session-Id header: assigned on first contact, echoed after.
func (s *Server) runHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleHTTP)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("serving on http", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	w.Header().Set(sessionHeader, sessionID)
	w.Header().Set("Content-Type", "application/json")

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		json.NewEncoder(w).Encode(errResponse(nil, codeParseError, "invalid JSON"))
		return
	}

	resp := s.dispatch(r.Context(), sessionID, &req)
	if resp == nil || req.isNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("failed to write response", "error", err)
	}
}
