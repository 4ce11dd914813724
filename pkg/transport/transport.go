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

// Package transport speaks MCP to downstream servers.
//
// Transport support:
//   - stdio: subprocess communication via the mcp-go library
//   - sse, streamable-http: JSON-RPC over the retrying HTTP client
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/toolgate/pkg/config"
)

// MCP handshake identity.
const (
	ProtocolVersion = "2024-11-05"
	clientName      = "toolgate"
	clientVersion   = "0.1.0"
)

// ToolDescriptor is one tool as a downstream server advertises it,
// before the gateway qualifies and indexes it.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// CallResult is the outcome of one tools/call.
type CallResult struct {
	// Text is the concatenated text content of the response.
	Text string `json:"text"`

	// IsError is set when the tool itself reported failure (MCP isError),
	// as opposed to a transport or protocol fault.
	IsError bool `json:"isError"`
}

// Transport is the downstream server connection. Connect opens it and
// runs the initialize handshake; tool discovery is a separate call so
// reconnects can re-list.
type Transport interface {
	// Connect opens the connection and runs the initialize handshake.
	Connect(ctx context.Context) error

	// ListTools returns the server's advertised tools.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	// Call invokes a tool by its downstream (unqualified) name.
	Call(ctx context.Context, name string, args map[string]any) (*CallResult, error)

	// IsConnected reports whether the transport currently holds a live
	// connection.
	IsConnected() bool

	// Disconnect closes the connection. Safe to call when disconnected.
	Disconnect() error
}

// New builds the transport for a downstream server config.
func New(cfg config.DownstreamServerConfig) (Transport, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		return NewStdioTransport(cfg), nil
	case config.TransportSSE, config.TransportStreamableHTTP:
		return NewHTTPTransport(cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport %q for server %s", cfg.Transport, cfg.Name)
	}
}

// joinTexts concatenates text chunks the way MCP content arrays are
// usually flattened for an LLM.
func joinTexts(texts []string) string {
	return strings.TrimSpace(strings.Join(texts, "\n"))
}
