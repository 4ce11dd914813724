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

// Package gateway assembles the full tool-routing pipeline behind the
// MCP operations: downstream discovery into the tool zoo, per-session
// slate routing, guarded dispatch, and the telemetry-driven learning
// loop that feeds call outcomes back into the bandit and bias stores.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/toolgate/pkg/config"
	"github.com/kadirpekel/toolgate/pkg/embedder"
	"github.com/kadirpekel/toolgate/pkg/learning"
	"github.com/kadirpekel/toolgate/pkg/pool"
	"github.com/kadirpekel/toolgate/pkg/router"
	"github.com/kadirpekel/toolgate/pkg/session"
	"github.com/kadirpekel/toolgate/pkg/telemetry"
	"github.com/kadirpekel/toolgate/pkg/tokens"
	"github.com/kadirpekel/toolgate/pkg/transport"
	"github.com/kadirpekel/toolgate/pkg/vector"
	"github.com/kadirpekel/toolgate/pkg/zoo"
)

// Version reported in the initialize response.
const Version = "0.1.0"

// cleanupInterval between background retention sweeps.
const cleanupInterval = 10 * time.Minute

// followupWindow bounds how long after a tool call a near-duplicate
// user turn still counts as a retry of that call.
const followupWindow = 5 * time.Minute

// callRecord remembers the last learned-from tool call per session so a
// followup retry can re-penalize it.
type callRecord struct {
	toolID       string
	features     []float64
	queryVec     []float32
	success      bool
	latencyMs    float64
	schemaTokens int
	at           time.Time
}

// MetricsRecorder receives routing and dispatch observations.
// Implementations must tolerate being called concurrently.
type MetricsRecorder interface {
	RecordRouting(ctx context.Context, duration time.Duration, slateSize, slateTokens int, explored bool)
	RecordToolCall(ctx context.Context, toolID, errorClass string, duration time.Duration, success bool)
	RecordReward(ctx context.Context, total float64)
}

// Gateway wires the tool zoo, router, connection pool, session store,
// and learning components into one MCP-facing surface.
type Gateway struct {
	cfg *config.Config
	log *slog.Logger

	metrics MetricsRecorder

	emb      embedder.Embedder
	vectors  vector.Provider
	zoo      *zoo.Zoo
	router   *router.Router
	pool     *pool.Pool
	sessions session.Store

	// Learning loop; any of these may be nil when disabled.
	tel     *telemetry.Store
	bandit  *learning.Bandit
	bias    *learning.BiasStore
	learnDB *learning.Store

	rewardCfg telemetry.RewardConfig

	mu        sync.Mutex
	slates    map[string]*router.Slate
	lastCalls map[string]*callRecord

	stop chan struct{}
	wg   sync.WaitGroup
}

// Options carries optional collaborators for New.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Transports overrides the downstream transport factory (tests).
	Transports func(config.DownstreamServerConfig) (transport.Transport, error)

	// Pool tunes the connection pool (retry pacing, breaker, laziness).
	Pool pool.Options

	// Metrics receives routing and dispatch observations.
	Metrics MetricsRecorder
}

// New builds a gateway from configuration. The config is defaulted and
// validated first; collaborators are constructed in dependency order.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	cfg, err := config.ProcessConfigPipeline(cfg)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	emb, err := embedder.NewFromConfig(&cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to build embedder: %w", err)
	}

	vectors, err := vector.NewFromConfig(&cfg.Vector, cfg.ToolZoo.PersistDirectory)
	if err != nil {
		emb.Close()
		return nil, fmt.Errorf("failed to build vector store: %w", err)
	}

	counter, err := tokens.NewCounter(cfg.ToolZoo.EmbeddingModel)
	if err != nil {
		// Token counting degrades to the chars/4 estimate.
		counter = nil
	}

	g := &Gateway{
		cfg:     cfg,
		log:     log,
		metrics: opts.Metrics,

		emb:     emb,
		vectors: vectors,
		zoo: zoo.New(emb, vectors, zoo.Options{
			Collection: cfg.ToolZoo.CollectionName,
			MinScore:   cfg.ToolZoo.SimilarityThreshold,
			Counter:    counter,
		}),

		rewardCfg: telemetry.RewardConfig{
			LatencyScale:    cfg.Telemetry.LatencyScale,
			LatencyCap:      cfg.Telemetry.LatencyCap,
			ContextScale:    cfg.Telemetry.ContextScale,
			ContextCap:      cfg.Telemetry.ContextCap,
			FollowupPenalty: cfg.Telemetry.FollowupPenalty,
		},

		slates:    make(map[string]*router.Slate),
		lastCalls: make(map[string]*callRecord),
		stop:      make(chan struct{}),
	}

	if *cfg.Telemetry.Enabled {
		g.tel, err = telemetry.NewStore(cfg.Telemetry.DBPath, telemetry.Options{
			LogQueryText: cfg.Telemetry.LogQueryText,
		})
		if err != nil {
			g.closePartial()
			return nil, fmt.Errorf("failed to open telemetry store: %w", err)
		}
	}

	if *cfg.Bandit.Enabled || *cfg.BiasLearning.Enabled {
		g.learnDB, err = learning.NewStore(cfg.Bandit.DBPath)
		if err != nil {
			g.closePartial()
			return nil, fmt.Errorf("failed to open learning store: %w", err)
		}
	}
	if *cfg.Bandit.Enabled {
		g.bandit = learning.NewBandit(learning.BanditOptions{
			FeatureDim:      cfg.Bandit.FeatureDim,
			LearningRate:    cfg.Bandit.LearningRate,
			L2:              cfg.Bandit.L2Regularization,
			ExplorationRate: cfg.Router.ExplorationRate,
			ExplorationType: cfg.Router.ExplorationType,
			ThompsonScale:   cfg.Bandit.ThompsonScale,
			PersistEvery:    cfg.Bandit.PersistEveryNUpdates,
			Store:           g.learnDB,
		})
	}
	if *cfg.BiasLearning.Enabled {
		g.bias = learning.NewBiasStore(learning.BiasOptions{
			LearningRate:        cfg.BiasLearning.LearningRate,
			DecayRate:           cfg.BiasLearning.DecayRate,
			MaxBias:             cfg.BiasLearning.MaxBias,
			EnableDeltaVectors:  cfg.BiasLearning.EnableDeltaVectors,
			DeltaLearningRate:   cfg.BiasLearning.DeltaLearningRate,
			DeltaRegularization: cfg.BiasLearning.DeltaRegularization,
			EmbeddingDim:        cfg.Embedder.Dimension,
			PersistEvery:        cfg.BiasLearning.PersistEveryNUpdates,
			Store:               g.learnDB,
		})
	}

	g.sessions, err = session.New(cfg.Session)
	if err != nil {
		g.closePartial()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	poolOpts := opts.Pool
	if opts.Transports != nil {
		poolOpts.Transports = opts.Transports
	}
	g.pool = pool.New(cfg.DownstreamServers, poolOpts)

	routerOpts := router.Options{
		Zoo:      g.zoo,
		Bandit:   g.bandit,
		Bias:     g.bias,
		Embedder: emb,
		Config:   cfg.Router,
	}
	if g.tel != nil {
		routerOpts.Stats = g.tel
		routerOpts.Events = g.tel
	}
	g.router = router.New(routerOpts)

	return g, nil
}

// Start connects downstream servers, indexes their tools, and launches
// the background retention sweep.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.pool.ConnectAll(ctx); err != nil {
		// Partial connectivity is survivable; the breaker and lazy
		// reconnects cover the rest.
		g.log.Warn("some downstream servers failed to connect", "error", err)
	}

	if err := g.SyncTools(ctx); err != nil {
		return err
	}

	g.wg.Add(1)
	go g.cleanupLoop()

	g.log.Info("gateway started",
		"servers", len(g.cfg.DownstreamServers),
		"tools", g.zoo.Count(),
		"strategy", g.cfg.Router.Strategy,
	)
	return nil
}

// Close flushes learned state and releases every collaborator.
func (g *Gateway) Close() error {
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
	g.wg.Wait()

	if g.bandit != nil {
		if err := g.bandit.Flush(); err != nil {
			g.log.Warn("failed to flush bandit weights", "error", err)
		}
	}
	if g.bias != nil {
		if err := g.bias.Flush(); err != nil {
			g.log.Warn("failed to flush tool biases", "error", err)
		}
	}

	g.pool.DisconnectAll()
	g.closePartial()
	return nil
}

// closePartial releases whatever collaborators have been constructed.
func (g *Gateway) closePartial() {
	if g.sessions != nil {
		g.sessions.Close()
	}
	if g.tel != nil {
		g.tel.Close()
	}
	if g.learnDB != nil {
		g.learnDB.Close()
	}
	if g.vectors != nil {
		g.vectors.Close()
	}
	if g.emb != nil {
		g.emb.Close()
	}
}

// Zoo exposes the tool index (read-side use by servers and tooling).
func (g *Gateway) Zoo() *zoo.Zoo { return g.zoo }

// Pool exposes downstream connection state.
func (g *Gateway) Pool() *pool.Pool { return g.pool }

// Sessions exposes the session store.
func (g *Gateway) Sessions() session.Store { return g.sessions }

func (g *Gateway) cleanupLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.runCleanup()
		}
	}
}

func (g *Gateway) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ttl := time.Duration(g.cfg.Session.TTLSeconds) * time.Second
	if ttl > 0 {
		removed, err := g.sessions.Cleanup(ctx, ttl)
		if err != nil {
			g.log.Warn("session cleanup failed", "error", err)
		} else if removed > 0 {
			g.log.Debug("expired sessions removed", "count", removed)
			g.mu.Lock()
			for id := range g.slates {
				if _, err := g.sessions.Get(ctx, id); err == session.ErrNotFound {
					delete(g.slates, id)
					delete(g.lastCalls, id)
				}
			}
			g.mu.Unlock()
		}
	}

	if g.tel != nil && g.cfg.Telemetry.CleanupHours > 0 {
		maxAge := time.Duration(g.cfg.Telemetry.CleanupHours) * time.Hour
		if err := g.tel.Cleanup(ctx, maxAge); err != nil {
			g.log.Warn("telemetry cleanup failed", "error", err)
		}
	}
}
