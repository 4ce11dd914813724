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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/toolgate/pkg/gateway"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the request expects no response.
func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type updateContextParams struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callToolResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type listToolsResult struct {
	Tools []gateway.ToolDef `json:"tools"`
}

func okResponse(id json.RawMessage, result any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errResponse(id json.RawMessage, code int, msg string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

// dispatch routes one JSON-RPC request to the gateway. Returns nil for
// notifications.
func (s *Server) dispatch(ctx context.Context, sessionID string, req *rpcRequest) *rpcResponse {
	if strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}

	switch req.Method {
	case "initialize":
		return okResponse(req.ID, s.gw.Initialize())

	case "ping":
		return okResponse(req.ID, struct{}{})

	case "tools/list":
		defs, err := s.gw.ListTools(ctx, sessionID)
		if err != nil {
			return errResponse(req.ID, codeInternalError, err.Error())
		}
		if defs == nil {
			defs = []gateway.ToolDef{}
		}
		return okResponse(req.ID, listToolsResult{Tools: defs})

	case "tools/call":
		var params callToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return errResponse(req.ID, codeInvalidParams, "tools/call requires a tool name")
		}
		result, err := s.gw.CallTool(ctx, sessionID, params.Name, params.Arguments)
		if err != nil {
			return errResponse(req.ID, codeInternalError, err.Error())
		}
		return okResponse(req.ID, callToolResult{
			Content: []contentItem{{Type: "text", Text: result.Text}},
			IsError: result.IsError,
		})

	case "context/update":
		var params updateContextParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Role == "" {
			return errResponse(req.ID, codeInvalidParams, "context/update requires role and content")
		}
		if err := s.gw.UpdateContext(ctx, sessionID, params.Role, params.Content); err != nil {
			return errResponse(req.ID, codeInternalError, err.Error())
		}
		return okResponse(req.ID, struct{}{})

	default:
		return errResponse(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}
