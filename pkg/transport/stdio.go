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

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/toolgate/pkg/config"
)

// StdioTransport runs the downstream server as a subprocess and speaks
// MCP over its stdin/stdout via mcp-go.
type StdioTransport struct {
	cfg config.DownstreamServerConfig

	mu     sync.Mutex
	client *client.Client
}

// NewStdioTransport creates a stdio transport; the subprocess is not
// spawned until Connect.
func NewStdioTransport(cfg config.DownstreamServerConfig) *StdioTransport {
	return &StdioTransport{cfg: cfg}
}

// Connect spawns the subprocess and performs the initialize handshake.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return nil
	}

	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, envSlice(t.cfg.Env), t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client for %s: %w", t.cfg.Name, err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client for %s: %w", t.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = ProtocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP server %s: %w", t.cfg.Name, err)
	}

	t.client = mcpClient
	slog.Info("Connected to MCP server (stdio)",
		"server", t.cfg.Name,
		"command", t.cfg.Command)
	return nil
}

// ListTools returns the server's advertised tools.
func (t *StdioTransport) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	mcpClient := t.current()
	if mcpClient == nil {
		return nil, fmt.Errorf("server %s is not connected", t.cfg.Name)
	}

	resp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools from %s: %w", t.cfg.Name, err)
	}

	tools := make([]ToolDescriptor, 0, len(resp.Tools))
	for _, mcpTool := range resp.Tools {
		tools = append(tools, ToolDescriptor{
			Name:        mcpTool.Name,
			Description: mcpTool.Description,
			InputSchema: schemaToMap(mcpTool.InputSchema),
		})
	}
	return tools, nil
}

// Call invokes a tool on the subprocess.
func (t *StdioTransport) Call(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	mcpClient := t.current()
	if mcpClient == nil {
		return nil, fmt.Errorf("server %s is not connected", t.cfg.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call to %s.%s failed: %w", t.cfg.Name, name, err)
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	return &CallResult{
		Text:    joinTexts(texts),
		IsError: resp.IsError,
	}, nil
}

// IsConnected reports whether the subprocess client is live.
func (t *StdioTransport) IsConnected() bool {
	return t.current() != nil
}

// Disconnect closes the client and reaps the subprocess.
func (t *StdioTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *StdioTransport) current() *client.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// envSlice converts the config env map to "KEY=VALUE" form.
func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// schemaToMap round-trips the typed schema through JSON to get a plain
// map the zoo can index.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

var _ Transport = (*StdioTransport)(nil)
