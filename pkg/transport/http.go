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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/toolgate/pkg/config"
	"github.com/kadirpekel/toolgate/pkg/httpclient"
)

// defaultSSEResponseTimeout bounds reading one SSE response. Five
// minutes accommodates long-running tools.
const defaultSSEResponseTimeout = 5 * time.Minute

// JSON-RPC wire types.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HTTPTransport speaks JSON-RPC over HTTP for the sse and
// streamable-http transports. Responses may arrive as plain JSON or as
// an SSE stream; the streamable-http session is tracked through the
// mcp-session-id header.
type HTTPTransport struct {
	cfg        config.DownstreamServerConfig
	sseTimeout time.Duration

	client    *httpclient.Client
	requestID atomic.Int64

	mu        sync.RWMutex
	sessionID string
	connected bool
}

// NewHTTPTransport creates an HTTP transport for sse or streamable-http.
func NewHTTPTransport(cfg config.DownstreamServerConfig) *HTTPTransport {
	return &HTTPTransport{
		cfg:        cfg,
		sseTimeout: defaultSSEResponseTimeout,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}
}

// Connect performs the initialize handshake.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	resp, err := t.request(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP server %s: %w", t.cfg.Name, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("MCP init error from %s: %s", t.cfg.Name, resp.Error.Message)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	slog.Info("Connected to MCP server (HTTP)",
		"server", t.cfg.Name,
		"url", t.cfg.URL,
		"transport", t.cfg.Transport)
	return nil
}

// ListTools returns the server's advertised tools.
func (t *HTTPTransport) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	resp, err := t.request(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools from %s: %w", t.cfg.Name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP list error from %s: %s", t.cfg.Name, resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected tools/list result from %s", t.cfg.Name)
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing tools in tools/list response from %s", t.cfg.Name)
	}

	tools := make([]ToolDescriptor, 0, len(rawTools))
	for _, raw := range rawTools {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		desc := ToolDescriptor{}
		desc.Name, _ = toolMap["name"].(string)
		desc.Description, _ = toolMap["description"].(string)
		if schema, ok := toolMap["inputSchema"].(map[string]any); ok {
			desc.InputSchema = schema
		}
		tools = append(tools, desc)
	}
	return tools, nil
}

// Call invokes a tool over HTTP.
func (t *HTTPTransport) Call(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	resp, err := t.request(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("call to %s.%s failed: %w", t.cfg.Name, name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP error from %s.%s: %s", t.cfg.Name, name, resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		data, _ := json.Marshal(resp.Result)
		return &CallResult{Text: string(data)}, nil
	}

	isError, _ := resultMap["isError"].(bool)
	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := cm["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}

	return &CallResult{
		Text:    joinTexts(texts),
		IsError: isError,
	}, nil
}

// IsConnected reports whether the initialize handshake succeeded.
func (t *HTTPTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Disconnect drops the session; HTTP needs no explicit close.
func (t *HTTPTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = ""
	t.connected = false
	return nil
}

// request sends one JSON-RPC request and parses the JSON or SSE
// response.
func (t *HTTPTransport) request(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      t.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	t.mu.RLock()
	sessionID := t.sessionID
	t.mu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if newSessionID := resp.Header.Get("mcp-session-id"); newSessionID != "" {
		t.mu.Lock()
		t.sessionID = newSessionID
		t.mu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s (response: %s)", resp.StatusCode, resp.Status, string(responseBody))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return t.readSSEResponse(resp)
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &rpcResp, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an SSE
// stream.
func (t *HTTPTransport) readSSEResponse(resp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(resp.Body)
		var currentData strings.Builder

		flush := func() *jsonRPCResponse {
			if currentData.Len() == 0 {
				return nil
			}
			var rpcResp jsonRPCResponse
			if err := json.Unmarshal([]byte(currentData.String()), &rpcResp); err == nil {
				return &rpcResp
			}
			currentData.Reset()
			return nil
		}

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					slog.Debug("MCP SSE read error", "server", t.cfg.Name, "error", err)
				}
				break
			}

			lineStr := strings.TrimSpace(string(line))
			if lineStr == "" {
				// Blank line terminates an event.
				if rpcResp := flush(); rpcResp != nil {
					resultChan <- result{response: rpcResp}
					return
				}
				continue
			}
			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		if rpcResp := flush(); rpcResp != nil {
			resultChan <- result{response: rpcResp}
			return
		}
		resultChan <- result{err: fmt.Errorf("SSE stream from %s ended without complete message", t.cfg.Name)}
	}()

	select {
	case res := <-resultChan:
		return res.response, res.err
	case <-time.After(t.sseTimeout):
		return nil, fmt.Errorf("timeout reading SSE response from %s after %v", t.cfg.Name, t.sseTimeout)
	}
}

var _ Transport = (*HTTPTransport)(nil)
