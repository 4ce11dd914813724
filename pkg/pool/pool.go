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

// Package pool owns the downstream server connections: one transport per
// server behind a circuit breaker, with retry/backoff and reconnection on
// call dispatch.
//
// Each connected server has an owner goroutine that opens the transport,
// runs discovery, then blocks until stopped; the transport is closed in
// the same goroutine that opened it.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/toolgate/pkg/config"
	"github.com/kadirpekel/toolgate/pkg/transport"
)

// Server statuses.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusError        = "error"
)

// Dispatch defaults.
const (
	DefaultMaxRetries     = 3
	DefaultRetryDelayBase = 1 * time.Second
	DefaultCallTimeout    = 30 * time.Second
)

// route resolves a qualified tool ID to its owner.
type route struct {
	server *server
	local  string
}

// server is the runtime handle for one downstream server.
type server struct {
	cfg     config.DownstreamServerConfig
	breaker *CircuitBreaker

	mu            sync.Mutex
	transport     transport.Transport
	status        string
	lastError     string
	lastConnected time.Time
	tools         []transport.ToolDescriptor
	stop          chan struct{}
	done          chan struct{}
}

func (s *server) handle() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *server) currentStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *server) publish(tr transport.Transport, tools []transport.ToolDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = tr
	s.tools = tools
	s.status = StatusConnected
	s.lastConnected = time.Now()
	s.lastError = ""
}

func (s *server) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != nil {
		s.status = StatusConnected
		s.lastError = ""
	}
}

func (s *server) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusError
	s.lastError = err.Error()
}

// ServerInfo is a point-in-time snapshot for status reporting.
type ServerInfo struct {
	Name          string    `json:"name"`
	Transport     string    `json:"transport"`
	Status        string    `json:"status"`
	CircuitState  string    `json:"circuitState"`
	LastError     string    `json:"lastError,omitempty"`
	LastConnected time.Time `json:"lastConnected,omitzero"`
	ToolCount     int       `json:"toolCount"`
}

// Options configures a Pool.
type Options struct {
	// MaxRetries is the attempt bound per Call.
	MaxRetries int

	// RetryDelayBase: the wait after failed attempt n is base * 2^n.
	RetryDelayBase time.Duration

	// CallTimeout is the hard per-attempt deadline.
	CallTimeout time.Duration

	// Breaker configures every server's circuit breaker.
	Breaker BreakerConfig

	// Lazy defers connection until the first call for each server.
	Lazy bool

	// Transports overrides transport construction (tests).
	Transports func(config.DownstreamServerConfig) (transport.Transport, error)
}

// Pool holds every downstream server handle and dispatches tool calls.
type Pool struct {
	opts Options

	mu        sync.RWMutex
	servers   map[string]*server
	order     []string
	toolIndex map[string]route
}

// New creates a pool over the configured servers. Nothing connects
// until ConnectAll (or, with Lazy, the first call).
func New(servers []config.DownstreamServerConfig, opts Options) *Pool {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelayBase <= 0 {
		opts.RetryDelayBase = DefaultRetryDelayBase
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Transports == nil {
		opts.Transports = transport.New
	}

	p := &Pool{
		opts:      opts,
		servers:   make(map[string]*server, len(servers)),
		toolIndex: make(map[string]route),
	}
	for _, cfg := range servers {
		if _, ok := p.servers[cfg.Name]; ok {
			slog.Warn("Duplicate downstream server name, keeping first", "server", cfg.Name)
			continue
		}
		p.servers[cfg.Name] = &server{
			cfg:     cfg,
			breaker: NewCircuitBreaker(opts.Breaker),
			status:  StatusDisconnected,
		}
		p.order = append(p.order, cfg.Name)
	}
	return p
}

// NewLazy creates a pool that connects each server on first use.
func NewLazy(servers []config.DownstreamServerConfig, opts Options) *Pool {
	opts.Lazy = true
	return New(servers, opts)
}

// ConnectAll connects every server. Failures leave the affected server
// in the error state and are joined into the returned error; the pool
// keeps the healthy servers. With Lazy set it is a no-op.
func (p *Pool) ConnectAll(ctx context.Context) error {
	if p.opts.Lazy {
		return nil
	}

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, name := range p.serverNames() {
		s := p.lookup(name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.startOwner(ctx, s); err != nil {
				slog.Error("Failed to connect downstream server",
					"server", s.cfg.Name,
					"error", err)
				emu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.cfg.Name, err))
				emu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// DisconnectAll stops every owner goroutine and waits for the
// transports to close.
func (p *Pool) DisconnectAll() {
	for _, name := range p.serverNames() {
		p.stopOwner(p.lookup(name))
	}
}

// Tools returns the discovered descriptors per server.
func (p *Pool) Tools() map[string][]transport.ToolDescriptor {
	out := make(map[string][]transport.ToolDescriptor)
	for _, name := range p.serverNames() {
		s := p.lookup(name)
		s.mu.Lock()
		if len(s.tools) > 0 {
			out[name] = append([]transport.ToolDescriptor(nil), s.tools...)
		}
		s.mu.Unlock()
	}
	return out
}

// ServerConfig returns the config for a known server.
func (p *Pool) ServerConfig(name string) (config.DownstreamServerConfig, bool) {
	s := p.lookup(name)
	if s == nil {
		return config.DownstreamServerConfig{}, false
	}
	return s.cfg, true
}

// Servers returns a status snapshot of every server, in config order.
func (p *Pool) Servers() []ServerInfo {
	var out []ServerInfo
	for _, name := range p.serverNames() {
		s := p.lookup(name)
		s.mu.Lock()
		out = append(out, ServerInfo{
			Name:          s.cfg.Name,
			Transport:     s.cfg.Transport,
			Status:        s.status,
			CircuitState:  s.breaker.State(),
			LastError:     s.lastError,
			LastConnected: s.lastConnected,
			ToolCount:     len(s.tools),
		})
		s.mu.Unlock()
	}
	return out
}

// Resolve maps a tool identifier to (server, downstream tool name):
// exact qualified lookup, then server-prefix split, then display-name
// scan.
func (p *Pool) Resolve(toolID string) (string, string, error) {
	s, local, err := p.resolve(toolID)
	if err != nil {
		return "", "", err
	}
	return s.cfg.Name, local, nil
}

// Call dispatches a tool call with retry, backoff, reconnection, and
// circuit breaking.
func (p *Pool) Call(ctx context.Context, toolID string, args map[string]any) (*transport.CallResult, error) {
	s, local, err := p.resolve(toolID)
	if err != nil {
		return nil, err
	}

	if p.opts.Lazy && s.handle() == nil {
		if err := p.startOwner(ctx, s); err != nil {
			slog.Warn("Lazy connect failed, entering retry path",
				"server", s.cfg.Name,
				"error", err)
		}
	}

	if !s.breaker.CanAttempt() {
		return nil, fmt.Errorf("server %s: %w", s.cfg.Name, ErrCircuitOpen)
	}

	var lastErr error
	for attempt := 0; attempt < p.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			// Wait retryDelayBase * 2^(previous attempt).
			delay := p.opts.RetryDelayBase * (1 << (attempt - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			if !s.breaker.CanAttempt() {
				return nil, fmt.Errorf("server %s: %w", s.cfg.Name, ErrCircuitOpen)
			}
			if s.currentStatus() != StatusConnected {
				if err := p.reconnect(ctx, s); err != nil {
					slog.Warn("Reconnect failed",
						"server", s.cfg.Name,
						"attempt", attempt,
						"error", err)
				}
			}
		}

		result, err := p.dispatch(ctx, s, local, args)
		if err == nil {
			s.breaker.RecordSuccess()
			s.markConnected()
			return result, nil
		}

		lastErr = err
		s.breaker.RecordFailure()
		s.setError(err)

		slog.Warn("Tool call attempt failed",
			"tool", toolID,
			"server", s.cfg.Name,
			"attempt", attempt,
			"class", ErrorClass(err),
			"error", err)

		if errors.Is(err, ErrToolNotFound) {
			return nil, err
		}
		if s.breaker.State() == StateOpen {
			return nil, fmt.Errorf("server %s: %w", s.cfg.Name, ErrCircuitOpen)
		}
	}
	return nil, lastErr
}

// Reconnect tears down and re-runs the connect lifecycle for one server.
func (p *Pool) Reconnect(ctx context.Context, name string) error {
	s := p.lookup(name)
	if s == nil {
		return fmt.Errorf("unknown server %s", name)
	}
	return p.reconnect(ctx, s)
}

// dispatch runs one attempt under the call deadline.
func (p *Pool) dispatch(ctx context.Context, s *server, local string, args map[string]any) (*transport.CallResult, error) {
	tr := s.handle()
	if tr == nil || !tr.IsConnected() {
		return nil, fmt.Errorf("server %s: %w", s.cfg.Name, ErrNotConnected)
	}

	cctx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()

	result, err := tr.Call(cctx, local, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || cctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("call to %s.%s after %v: %w", s.cfg.Name, local, p.opts.CallTimeout, ErrTimeout)
		}
		return nil, err
	}
	return result, nil
}

// resolve implements the three-step lookup.
func (p *Pool) resolve(toolID string) (*server, string, error) {
	p.mu.RLock()
	if r, ok := p.toolIndex[toolID]; ok {
		p.mu.RUnlock()
		return r.server, r.local, nil
	}
	p.mu.RUnlock()

	// A known-server prefix wins even when discovery has not seen the
	// tool; anything else falls through to the display-name scan.
	if prefix, rest, ok := strings.Cut(toolID, "."); ok && rest != "" {
		if s := p.lookup(prefix); s != nil {
			return s, rest, nil
		}
	}

	for _, name := range p.serverNames() {
		s := p.lookup(name)
		s.mu.Lock()
		for _, tool := range s.tools {
			if tool.Name == toolID {
				s.mu.Unlock()
				return s, toolID, nil
			}
		}
		s.mu.Unlock()
	}

	return nil, "", fmt.Errorf("%w: %s", ErrToolNotFound, toolID)
}

// startOwner spawns the owner goroutine for a server and waits for its
// ready signal. The owner opens the transport, runs the handshake and
// discovery, publishes the handle, then blocks until stopped.
func (p *Pool) startOwner(ctx context.Context, s *server) error {
	s.mu.Lock()
	if s.status == StatusConnected || s.status == StatusConnecting {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusConnecting
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	s.mu.Unlock()

	ready := make(chan error, 1)
	go func() {
		defer close(done)

		tr, err := p.opts.Transports(s.cfg)
		if err == nil {
			err = tr.Connect(ctx)
		}
		var tools []transport.ToolDescriptor
		if err == nil {
			tools, err = tr.ListTools(ctx)
		}
		if err != nil {
			if tr != nil {
				_ = tr.Disconnect()
			}
			s.setError(err)
			ready <- err
			return
		}

		s.publish(tr, tools)
		p.reindex()
		slog.Info("Downstream server ready",
			"server", s.cfg.Name,
			"transport", s.cfg.Transport,
			"tools", len(tools))
		ready <- nil

		<-stop

		// Close in the goroutine that opened it.
		if err := tr.Disconnect(); err != nil {
			slog.Warn("Disconnect failed", "server", s.cfg.Name, "error", err)
		}
		s.mu.Lock()
		s.transport = nil
		s.status = StatusDisconnected
		s.mu.Unlock()
	}()

	return <-ready
}

// stopOwner signals the owner goroutine and waits for it to finish.
func (p *Pool) stopOwner(s *server) {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}
}

// reconnect restarts the owner lifecycle for a server.
func (p *Pool) reconnect(ctx context.Context, s *server) error {
	p.stopOwner(s)

	s.mu.Lock()
	s.status = StatusDisconnected
	s.mu.Unlock()

	return p.startOwner(ctx, s)
}

// reindex rebuilds the qualified-name lookup from every server's
// discovered tools.
func (p *Pool) reindex() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.toolIndex = make(map[string]route)
	for _, name := range p.order {
		s := p.servers[name]
		s.mu.Lock()
		for _, tool := range s.tools {
			p.toolIndex[name+"."+tool.Name] = route{server: s, local: tool.Name}
		}
		s.mu.Unlock()
	}
}

func (p *Pool) lookup(name string) *server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.servers[name]
}

func (p *Pool) serverNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}
