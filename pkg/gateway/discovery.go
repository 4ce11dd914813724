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

package gateway

import (
	"context"
	"fmt"

	"github.com/kadirpekel/toolgate/pkg/zoo"
)

// SyncTools reindexes every connected server's discovered tools into
// the zoo, applying the server's filter, tags, and domain. Safe to call
// again after reconnects; registration overwrites by tool ID.
func (g *Gateway) SyncTools(ctx context.Context) error {
	byServer := g.pool.Tools()

	var firstErr error
	total := 0
	for serverID, descriptors := range byServer {
		srvCfg, ok := g.pool.ServerConfig(serverID)
		if !ok {
			continue
		}

		allowed := make(map[string]bool, len(srvCfg.Filter))
		for _, name := range srvCfg.Filter {
			allowed[name] = true
		}

		tools := make([]*zoo.Tool, 0, len(descriptors))
		for _, d := range descriptors {
			if len(allowed) > 0 && !allowed[d.Name] {
				continue
			}
			tools = append(tools, &zoo.Tool{
				ID:          zoo.QualifiedID(serverID, d.Name),
				Name:        d.Name,
				Description: d.Description,
				ServerID:    serverID,
				InputSchema: d.InputSchema,
				Tags:        srvCfg.Tags,
				Domain:      srvCfg.Domain,
			})
		}

		if err := g.zoo.Register(ctx, tools...); err != nil {
			g.log.Warn("failed to index server tools", "server", serverID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to index tools for %s: %w", serverID, err)
			}
			continue
		}
		total += len(tools)
	}

	g.log.Debug("tool discovery synced", "servers", len(byServer), "tools", total)
	return firstErr
}
