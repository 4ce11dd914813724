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

// Package observability wires Prometheus metrics and OpenTelemetry
// tracing for the gateway process.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/toolgate/pkg/config"
)

const serviceName = "toolgate"

// Manager owns the process-wide observability state.
type Manager struct {
	cfg config.ObservabilityConfig
	log *slog.Logger

	metrics        *Metrics
	tracerProvider trace.TracerProvider
	metricsServer  *http.Server
}

// NewManager creates a manager; nothing starts until Start.
func NewManager(cfg config.ObservabilityConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:            cfg,
		log:            log,
		tracerProvider: noop.NewTracerProvider(),
	}
}

// Start initializes tracing and, when enabled, serves /metrics.
func (m *Manager) Start(ctx context.Context) error {
	tp, err := m.initTracer(ctx)
	if err != nil {
		return err
	}
	m.tracerProvider = tp
	otel.SetTracerProvider(tp)

	if m.cfg.Metrics {
		m.metrics = NewMetrics()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.metrics.Registry(), promhttp.HandlerOpts{}))
		m.metricsServer = &http.Server{
			Addr:              m.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			m.log.Info("metrics endpoint listening", "addr", m.cfg.MetricsAddr)
			if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	return nil
}

// Metrics returns the recorder, nil when metrics are disabled.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Tracer returns a named tracer from the active provider.
func (m *Manager) Tracer(name string) trace.Tracer {
	return m.tracerProvider.Tracer(name)
}

// Shutdown flushes spans and stops the metrics endpoint.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error

	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if sp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		if err := sp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// initTracer builds the span pipeline: OTLP over gRPC when an endpoint
// is configured, stdout spans otherwise, noop when tracing is off.
func (m *Manager) initTracer(ctx context.Context) (trace.TracerProvider, error) {
	if !m.cfg.Tracing {
		return noop.NewTracerProvider(), nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	if m.cfg.OTLPEndpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(m.cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
