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

package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the gateway's Prometheus instrument set. A nil *Metrics is
// a valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	routingDuration prometheus.Histogram
	routingTotal    prometheus.Counter
	routingExplored prometheus.Counter
	slateSize       prometheus.Histogram
	slateTokens     prometheus.Histogram

	toolCallDuration *prometheus.HistogramVec
	toolCallsTotal   *prometheus.CounterVec
	toolErrorsTotal  *prometheus.CounterVec

	rewardTotal prometheus.Histogram
}

// NewMetrics registers the gateway instruments on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		routingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "toolgate_routing_duration_seconds",
			Help:    "Slate selection duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		routingTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "toolgate_routing_total",
			Help: "Total routing decisions",
		}),
		routingExplored: factory.NewCounter(prometheus.CounterOpts{
			Name: "toolgate_routing_explored_total",
			Help: "Routing decisions where exploration fired",
		}),
		slateSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "toolgate_slate_size",
			Help:    "Tools per served slate",
			Buckets: prometheus.LinearBuckets(0, 2, 11),
		}),
		slateTokens: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "toolgate_slate_tokens",
			Help:    "Schema token estimate per served slate",
			Buckets: prometheus.ExponentialBuckets(64, 2, 8),
		}),

		toolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_tool_call_duration_seconds",
			Help:    "Downstream tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_tool_calls_total",
			Help: "Total downstream tool calls",
		}, []string{"tool"}),
		toolErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_tool_errors_total",
			Help: "Downstream tool call failures by class",
		}, []string{"tool", "class"}),

		rewardTotal: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "toolgate_reward_total",
			Help:    "Computed reward signal totals",
			Buckets: prometheus.LinearBuckets(-1, 0.2, 11),
		}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRouting observes one slate selection.
func (m *Metrics) RecordRouting(_ context.Context, duration time.Duration, slateSize, slateTokens int, explored bool) {
	if m == nil {
		return
	}
	m.routingDuration.Observe(duration.Seconds())
	m.routingTotal.Inc()
	if explored {
		m.routingExplored.Inc()
	}
	m.slateSize.Observe(float64(slateSize))
	m.slateTokens.Observe(float64(slateTokens))
}

// RecordToolCall observes one downstream dispatch outcome.
func (m *Metrics) RecordToolCall(_ context.Context, toolID, errorClass string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.toolCallDuration.WithLabelValues(toolID).Observe(duration.Seconds())
	m.toolCallsTotal.WithLabelValues(toolID).Inc()
	if !success {
		m.toolErrorsTotal.WithLabelValues(toolID, errorClass).Inc()
	}
}

// RecordReward observes one computed reward total.
func (m *Metrics) RecordReward(_ context.Context, total float64) {
	if m == nil {
		return
	}
	m.rewardTotal.Observe(total)
}
