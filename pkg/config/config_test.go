package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessConfigPipelineDefaults(t *testing.T) {
	cfg, err := ProcessConfigPipeline(&Config{})
	require.NoError(t, err)

	assert.Equal(t, "toolgate", cfg.Server.Name)
	assert.Equal(t, TransportStdio, cfg.Server.Transport)
	assert.Equal(t, SearchModeHybrid, cfg.Router.Mode)
	assert.Equal(t, "sota", cfg.Router.Strategy)
	assert.Equal(t, 10, cfg.Router.MaxTools)
	assert.Equal(t, 3, cfg.Router.MinTools)
	assert.Equal(t, 4000, cfg.Router.MaxContextTokens)
	assert.Equal(t, "memory", cfg.Session.Persistence)
	assert.Equal(t, 100, cfg.Session.MaxMessages)
	assert.True(t, *cfg.Telemetry.Enabled)
	assert.Equal(t, EmbedderLocal, cfg.Embedder.Provider)
	assert.Equal(t, VectorChromem, cfg.Vector.Provider)
}

func TestProcessConfigPipelineNil(t *testing.T) {
	_, err := ProcessConfigPipeline(nil)
	assert.Error(t, err)
}

func TestRouterConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RouterConfig)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *RouterConfig) {},
		},
		{
			name:    "unknown mode",
			mutate:  func(c *RouterConfig) { c.Mode = "fuzzy" },
			wantErr: "unknown mode",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *RouterConfig) { c.Strategy = "learned" },
			wantErr: "unknown strategy",
		},
		{
			name:    "unknown exploration type",
			mutate:  func(c *RouterConfig) { c.ExplorationType = "ucb" },
			wantErr: "unknown explorationType",
		},
		{
			name: "maxTools below minTools",
			mutate: func(c *RouterConfig) {
				c.MinTools = 8
				c.MaxTools = 4
			},
			wantErr: "maxTools",
		},
		{
			name:    "pool smaller than slate",
			mutate:  func(c *RouterConfig) { c.CandidatePoolSize = 5 },
			wantErr: "candidatePoolSize",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RouterConfig{}
			cfg.SetDefaults()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDownstreamServerConfig(t *testing.T) {
	t.Run("transport inferred from command", func(t *testing.T) {
		cfg := DownstreamServerConfig{Name: "fs", Command: "npx"}
		cfg.SetDefaults()
		assert.Equal(t, TransportStdio, cfg.Transport)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("transport defaults to http without command", func(t *testing.T) {
		cfg := DownstreamServerConfig{Name: "api", URL: "http://localhost:9000/mcp"}
		cfg.SetDefaults()
		assert.Equal(t, TransportStreamableHTTP, cfg.Transport)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("stdio requires command", func(t *testing.T) {
		cfg := DownstreamServerConfig{Name: "fs", Transport: TransportStdio}
		assert.ErrorContains(t, cfg.Validate(), "command is required")
	})

	t.Run("http requires url", func(t *testing.T) {
		cfg := DownstreamServerConfig{Name: "api", Transport: TransportSSE}
		assert.ErrorContains(t, cfg.Validate(), "url is required")
	})

	t.Run("name is required", func(t *testing.T) {
		cfg := DownstreamServerConfig{Transport: TransportStdio, Command: "npx"}
		assert.ErrorContains(t, cfg.Validate(), "name is required")
	})
}

func TestConfigRejectsDuplicateServerNames(t *testing.T) {
	cfg := &Config{
		DownstreamServers: []DownstreamServerConfig{
			{Name: "email", Command: "email-server"},
			{Name: "email", Command: "other-server"},
		},
	}

	_, err := ProcessConfigPipeline(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate server name")
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("TOOLGATE_TEST_URL", "http://localhost:8931/mcp")

	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	data := `
server:
  name: "gate-under-test"
router:
  maxTools: 6
downstreamServers:
  - name: "search"
    url: "${TOOLGATE_TEST_URL}"
  - name: "files"
    command: "npx"
    args: ["-y", "server-filesystem"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "gate-under-test", cfg.Server.Name)
	assert.Equal(t, 6, cfg.Router.MaxTools)

	require.Len(t, cfg.DownstreamServers, 2)
	assert.Equal(t, "http://localhost:8931/mcp", cfg.DownstreamServers[0].URL)
	assert.Equal(t, TransportStreamableHTTP, cfg.DownstreamServers[0].Transport)
	assert.Equal(t, TransportStdio, cfg.DownstreamServers[1].Transport)
}

func TestLoadConfigFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  nmae: \"typo\"\n"), 0644))

	_, _, err := LoadConfigFile(context.Background(), path)
	assert.Error(t, err)
}

func TestExpandEnvString(t *testing.T) {
	t.Setenv("TOOLGATE_SET", "value")
	os.Unsetenv("TOOLGATE_UNSET")

	tests := []struct {
		in   string
		want string
	}{
		{"${TOOLGATE_SET}", "value"},
		{"$TOOLGATE_SET", "value"},
		{"${TOOLGATE_UNSET}", ""},
		{"${TOOLGATE_UNSET:-fallback}", "fallback"},
		{"${TOOLGATE_SET:-fallback}", "value"},
		{"prefix-${TOOLGATE_SET}-suffix", "prefix-value-suffix"},
		{"no vars here", "no vars here"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, expandEnvString(tt.in), tt.in)
	}
}
