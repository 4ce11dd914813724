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

package config

import (
	"fmt"
)

// Transport kinds shared by the upstream server and downstream clients.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

func validTransport(t string) bool {
	switch t {
	case TransportStdio, TransportSSE, TransportStreamableHTTP:
		return true
	}
	return false
}

// ServerConfig configures the upstream-facing MCP surface.
type ServerConfig struct {
	// Name reported in the initialize response.
	Name string `yaml:"name"`

	// Transport the gateway listens on (stdio, sse, streamable-http).
	Transport string `yaml:"transport"`

	// Host for HTTP transports.
	Host string `yaml:"host"`

	// Port for HTTP transports.
	Port int `yaml:"port"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "toolgate"
	}
	if c.Transport == "" {
		c.Transport = TransportStdio
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

// Validate checks the configuration.
func (c *ServerConfig) Validate() error {
	if !validTransport(c.Transport) {
		return fmt.Errorf("unknown transport %q (supported: stdio, sse, streamable-http)", c.Transport)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// DownstreamServerConfig describes one MCP server the gateway multiplexes.
type DownstreamServerConfig struct {
	// Name is the server id; tool identifiers are prefixed "<name>.".
	Name string `yaml:"name"`

	// Transport to reach the server (stdio, sse, streamable-http).
	Transport string `yaml:"transport"`

	// Command for stdio transport.
	Command string `yaml:"command,omitempty"`

	// Args for stdio transport.
	Args []string `yaml:"args,omitempty"`

	// Env for stdio transport.
	Env map[string]string `yaml:"env,omitempty"`

	// URL for HTTP transports.
	URL string `yaml:"url,omitempty"`

	// Tags attached to every tool from this server.
	Tags []string `yaml:"tags,omitempty"`

	// Domain label attached to every tool from this server.
	Domain string `yaml:"domain,omitempty"`

	// Description of what the server offers.
	Description string `yaml:"description,omitempty"`

	// Filter limits which of the server's tools are indexed.
	Filter []string `yaml:"filter,omitempty"`
}

// SetDefaults applies default values.
func (c *DownstreamServerConfig) SetDefaults() {
	if c.Transport == "" {
		if c.Command != "" {
			c.Transport = TransportStdio
		} else {
			c.Transport = TransportStreamableHTTP
		}
	}
}

// Validate checks the configuration.
func (c *DownstreamServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !validTransport(c.Transport) {
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Transport == TransportStdio && c.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}
	if c.Transport != TransportStdio && c.URL == "" {
		return fmt.Errorf("url is required for %s transport", c.Transport)
	}
	return nil
}
