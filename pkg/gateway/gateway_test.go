package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/toolgate/pkg/config"
	"github.com/kadirpekel/toolgate/pkg/pool"
	"github.com/kadirpekel/toolgate/pkg/transport"
)

// fakeTransport answers from a scripted tool list.
type fakeTransport struct {
	mu        sync.Mutex
	tools     []transport.ToolDescriptor
	connected bool
	callErr   error
	lastTool  string
	lastArgs  map[string]any
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) ListTools(ctx context.Context) ([]transport.ToolDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, nil
}

func (f *fakeTransport) Call(ctx context.Context, name string, args map[string]any) (*transport.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTool = name
	f.lastArgs = args
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &transport.CallResult{Text: "done: " + name}, nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func objectSchema(props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props}
}

// testFixture is the per-server fake transport set plus the config that
// wires it.
type testFixture struct {
	cfg        *config.Config
	transports map[string]*fakeTransport
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	dir := t.TempDir()

	fix := &testFixture{
		transports: map[string]*fakeTransport{
			"email": {
				tools: []transport.ToolDescriptor{
					{
						Name:        "send",
						Description: "Send an email message to a recipient",
						InputSchema: objectSchema(map[string]any{
							"to":      map[string]any{"type": "string"},
							"subject": map[string]any{"type": "string"},
						}),
					},
					{
						Name:        "read",
						Description: "Read messages from the email inbox",
						InputSchema: objectSchema(map[string]any{
							"folder": map[string]any{"type": "string"},
						}),
					},
				},
			},
			"github": {
				tools: []transport.ToolDescriptor{
					{
						Name:        "create_pr",
						Description: "Open a pull request on a github repository",
						InputSchema: objectSchema(map[string]any{
							"repo":  map[string]any{"type": "string"},
							"title": map[string]any{"type": "string"},
						}),
					},
				},
			},
		},
	}

	fix.cfg = &config.Config{
		ToolZoo: config.ToolZooConfig{
			PersistDirectory: filepath.Join(dir, "vectors"),
		},
		Router: config.RouterConfig{
			FallbackTools: []string{"email.read"},
		},
		Session: config.SessionConfig{
			Persistence: "memory",
		},
		Telemetry: config.TelemetryConfig{
			DBPath: filepath.Join(dir, "telemetry.db"),
		},
		Bandit: config.BanditConfig{
			DBPath: filepath.Join(dir, "learning.db"),
		},
		BiasLearning: config.BiasLearningConfig{
			DBPath: filepath.Join(dir, "learning.db"),
		},
		Embedder: config.EmbedderConfig{
			Provider:  config.EmbedderLocal,
			Dimension: 64,
		},
		DownstreamServers: []config.DownstreamServerConfig{
			{
				Name:      "email",
				Transport: config.TransportStreamableHTTP,
				URL:       "http://fake-email",
				Domain:    "communication",
				Tags:      []string{"email"},
			},
			{
				Name:      "github",
				Transport: config.TransportStreamableHTTP,
				URL:       "http://fake-github",
				Domain:    "development",
				Tags:      []string{"github", "code"},
			},
		},
	}
	return fix
}

func (fix *testFixture) start(t *testing.T, opts Options) *Gateway {
	t.Helper()

	opts.Transports = func(cfg config.DownstreamServerConfig) (transport.Transport, error) {
		ft, ok := fix.transports[cfg.Name]
		if !ok {
			return nil, errors.New("unknown server " + cfg.Name)
		}
		return ft, nil
	}
	if opts.Pool.RetryDelayBase == 0 {
		opts.Pool.RetryDelayBase = time.Millisecond
	}

	g, err := New(fix.cfg, opts)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { g.Close() })
	return g
}

func TestInitialize(t *testing.T) {
	g := newFixture(t).start(t, Options{})

	init := g.Initialize()
	assert.Equal(t, "2024-11-05", init.ProtocolVersion)
	assert.Equal(t, "toolgate", init.ServerInfo.Name)
	assert.NotEmpty(t, init.ServerInfo.Version)
	assert.True(t, init.Capabilities.Tools.ListChanged)
}

func TestDiscoveryIndexesAllServers(t *testing.T) {
	g := newFixture(t).start(t, Options{})

	assert.Equal(t, 3, g.Zoo().Count())

	tool, ok := g.Zoo().Get("email.send")
	require.True(t, ok)
	assert.Equal(t, "communication", tool.Domain)
	assert.Equal(t, []string{"email"}, tool.Tags)
	assert.Equal(t, []string{"subject", "to"}, tool.ParameterNames())
}

func TestDiscoveryHonorsFilter(t *testing.T) {
	fix := newFixture(t)
	fix.cfg.DownstreamServers[0].Filter = []string{"send"}
	g := fix.start(t, Options{})

	_, ok := g.Zoo().Get("email.send")
	assert.True(t, ok)
	_, ok = g.Zoo().Get("email.read")
	assert.False(t, ok, "filtered tool must not be indexed")
}

func TestListToolsRoutesOnContext(t *testing.T) {
	g := newFixture(t).start(t, Options{})
	ctx := context.Background()

	require.NoError(t, g.UpdateContext(ctx, "sess-1", "user", "send an email to my boss about the launch"))

	defs, err := g.ListTools(ctx, "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, defs)

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
		assert.NotNil(t, d.InputSchema)
	}
	assert.Contains(t, names, "email.send")
}

func TestListToolsEmptyContextServesFallback(t *testing.T) {
	g := newFixture(t).start(t, Options{})

	defs, err := g.ListTools(context.Background(), "fresh-session")
	require.NoError(t, err)
	require.NotEmpty(t, defs)

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "email.read", "configured fallback tool must be served")
}

func TestCallToolFeedsLearningLoop(t *testing.T) {
	fix := newFixture(t)
	g := fix.start(t, Options{})
	ctx := context.Background()

	require.NoError(t, g.UpdateContext(ctx, "sess-1", "user", "send an email to my boss"))
	_, err := g.ListTools(ctx, "sess-1")
	require.NoError(t, err)

	result, err := g.CallTool(ctx, "sess-1", "email.send", map[string]any{"to": "boss"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "done: send", result.Text)

	assert.Equal(t, "send", fix.transports["email"].lastTool)

	sess, err := g.Sessions().Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.ToolUses["email.send"])

	assert.Equal(t, int64(1), g.bandit.Updates())
	assert.Equal(t, 1, g.bias.Count())

	stats, err := g.Sessions().GetToolUsageStats(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "email.send", stats[0].ToolName)
	assert.Equal(t, 1, stats[0].Successes)
}

func TestCallToolErrorSelfCorrection(t *testing.T) {
	fix := newFixture(t)
	fix.transports["email"].callErr = errors.New("mailbox unavailable")
	g := fix.start(t, Options{Pool: poolFastFail()})
	ctx := context.Background()

	require.NoError(t, g.UpdateContext(ctx, "sess-1", "user", "send an email"))
	_, err := g.ListTools(ctx, "sess-1")
	require.NoError(t, err)

	result, err := g.CallTool(ctx, "sess-1", "email.send", map[string]any{"to": "boss"})
	require.NoError(t, err, "downstream failures surface as IsError results")
	require.True(t, result.IsError)

	assert.Contains(t, result.Text, "Error calling tool 'email.send'")
	assert.Contains(t, result.Text, "Tool description: Send an email message to a recipient")
	assert.Contains(t, result.Text, "Available parameters: subject, to")
	assert.Contains(t, result.Text, `"to":"boss"`)
	assert.Contains(t, result.Text, "Please try again with")

	// Failed calls still log usage but do not bump the session counter path.
	stats, err := g.Sessions().GetToolUsageStats(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Successes)
}

func TestFollowupRetryPenalizesLastCall(t *testing.T) {
	g := newFixture(t).start(t, Options{})
	ctx := context.Background()

	require.NoError(t, g.UpdateContext(ctx, "sess-1", "user", "send an email to bob about the report"))
	_, err := g.ListTools(ctx, "sess-1")
	require.NoError(t, err)
	_, err = g.CallTool(ctx, "sess-1", "email.send", map[string]any{"to": "bob"})
	require.NoError(t, err)
	require.Equal(t, int64(1), g.bandit.Updates())

	// Near-duplicate user turn: the previous call gets re-penalized.
	require.NoError(t, g.UpdateContext(ctx, "sess-1", "user", "send an email to bob about the report please"))
	assert.Equal(t, int64(2), g.bandit.Updates())

	// A genuinely new request does not.
	require.NoError(t, g.UpdateContext(ctx, "sess-1", "user", "now open a pull request for the fix"))
	assert.Equal(t, int64(2), g.bandit.Updates())
}

func TestUpdateContextBoundsRing(t *testing.T) {
	fix := newFixture(t)
	fix.cfg.Session.MaxMessages = 4
	g := fix.start(t, Options{})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, g.UpdateContext(ctx, "sess-1", "user", time.Now().Add(time.Duration(i)*time.Hour).String()))
	}

	sess, err := g.Sessions().Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(sess.Messages), 4)
}

func TestCallToolUnknownTool(t *testing.T) {
	g := newFixture(t).start(t, Options{Pool: poolFastFail()})

	result, err := g.CallTool(context.Background(), "sess-1", "slack.post", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text, "Error calling tool 'slack.post'")
}

func poolFastFail() pool.Options {
	return pool.Options{
		MaxRetries:     1,
		RetryDelayBase: time.Millisecond,
	}
}
