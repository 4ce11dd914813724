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

// Package zoo maintains the authoritative index of every known tool across
// all downstream servers, searchable semantically and by keyword.
package zoo

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tool is the normalized descriptor of one downstream capability.
type Tool struct {
	// ID is the fully-qualified identifier <server>.<name>. IDs are stable,
	// globally unique within one gateway process, and are what appears on
	// the wire.
	ID string `json:"id"`

	// Name is the tool's local name on its server.
	Name string `json:"name"`

	// Description is the free-text description from the server.
	Description string `json:"description"`

	// ServerID identifies the owning downstream server.
	ServerID string `json:"serverId"`

	// InputSchema is the JSON-shape parameter schema.
	InputSchema map[string]any `json:"inputSchema,omitempty"`

	// Tags attached via server configuration.
	Tags []string `json:"tags,omitempty"`

	// Domain is an optional domain label (e.g. "communication").
	Domain string `json:"domain,omitempty"`

	// SchemaTokens is the token-count estimate of the serialized schema,
	// used by the router's context budget.
	SchemaTokens int `json:"schemaTokens"`
}

// QualifiedID builds the fully-qualified tool identifier.
func QualifiedID(serverID, name string) string {
	return serverID + "." + name
}

// RichDescription composes the text that gets embedded: description,
// tags, domain, and parameter names. Richer text gives the semantic
// index more signal than the bare description.
func (t *Tool) RichDescription() string {
	var sb strings.Builder
	sb.WriteString(t.Name)
	if t.Description != "" {
		sb.WriteString(": ")
		sb.WriteString(t.Description)
	}
	if len(t.Tags) > 0 {
		sb.WriteString(" Tags: ")
		sb.WriteString(strings.Join(t.Tags, ", "))
	}
	if t.Domain != "" {
		sb.WriteString(" Domain: ")
		sb.WriteString(t.Domain)
	}
	if params := t.ParameterNames(); len(params) > 0 {
		sb.WriteString(" Parameters: ")
		sb.WriteString(strings.Join(params, ", "))
	}
	return sb.String()
}

// ParameterNames extracts the top-level property names from the input
// schema, sorted for determinism.
func (t *Tool) ParameterNames() []string {
	props, ok := t.InputSchema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaJSON serializes the input schema for token estimation and wire use.
func (t *Tool) SchemaJSON() (string, error) {
	if t.InputSchema == nil {
		return "{}", nil
	}
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return "", fmt.Errorf("failed to serialize schema for %s: %w", t.ID, err)
	}
	return string(data), nil
}

// HasTag reports whether the tool carries the given tag (case-insensitive).
func (t *Tool) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if strings.EqualFold(have, tag) {
			return true
		}
	}
	return false
}

// clone returns a copy safe to hand out without holding the zoo lock.
func (t *Tool) clone() *Tool {
	cp := *t
	if t.Tags != nil {
		cp.Tags = append([]string(nil), t.Tags...)
	}
	// InputSchema is treated as read-only by all consumers
	return &cp
}
