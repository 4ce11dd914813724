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

package pool

import "errors"

// Dispatch failure classes.
var (
	// ErrToolNotFound: no server owns the tool. Permanent, never retried.
	ErrToolNotFound = errors.New("tool not found")

	// ErrNotConnected: the server has no live transport. Triggers a
	// reconnect before the next retry.
	ErrNotConnected = errors.New("server not connected")

	// ErrCircuitOpen: the server's breaker refuses the call. Returned
	// immediately, never retried.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrTimeout: the 30-second call deadline elapsed. Retryable and
	// counted by the breaker.
	ErrTimeout = errors.New("tool call timed out")
)

// ErrorClass maps a dispatch error to the class name telemetry records.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrToolNotFound):
		return "tool_not_found"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	default:
		return "downstream_error"
	}
}
