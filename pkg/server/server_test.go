package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/toolgate/pkg/config"
	"github.com/kadirpekel/toolgate/pkg/gateway"
	"github.com/kadirpekel/toolgate/pkg/transport"
)

type fakeTransport struct {
	tools []transport.ToolDescriptor
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) ListTools(ctx context.Context) ([]transport.ToolDescriptor, error) {
	return f.tools, nil
}

func (f *fakeTransport) Call(ctx context.Context, name string, args map[string]any) (*transport.CallResult, error) {
	return &transport.CallResult{Text: "echo: " + name}, nil
}

func (f *fakeTransport) IsConnected() bool { return true }
func (f *fakeTransport) Disconnect() error { return nil }

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		ToolZoo: config.ToolZooConfig{
			PersistDirectory: filepath.Join(dir, "vectors"),
		},
		Session: config.SessionConfig{Persistence: "memory"},
		Telemetry: config.TelemetryConfig{
			DBPath: filepath.Join(dir, "telemetry.db"),
		},
		Bandit:       config.BanditConfig{DBPath: filepath.Join(dir, "learning.db")},
		BiasLearning: config.BiasLearningConfig{DBPath: filepath.Join(dir, "learning.db")},
		Embedder: config.EmbedderConfig{
			Provider:  config.EmbedderLocal,
			Dimension: 64,
		},
		DownstreamServers: []config.DownstreamServerConfig{
			{Name: "email", Transport: config.TransportStreamableHTTP, URL: "http://fake"},
		},
	}

	gw, err := gateway.New(cfg, gateway.Options{
		Transports: func(config.DownstreamServerConfig) (transport.Transport, error) {
			return &fakeTransport{
				tools: []transport.ToolDescriptor{
					{Name: "send", Description: "Send an email"},
					{Name: "read", Description: "Read the inbox"},
				},
			}, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() { gw.Close() })
	return gw
}

// runStdioSession feeds request lines through a stdio server and
// returns the decoded responses.
func runStdioSession(t *testing.T, lines []string) []map[string]any {
	t.Helper()

	gw := newTestGateway(t)
	var out bytes.Buffer
	srv := New(config.ServerConfig{Transport: config.TransportStdio}, gw, Options{
		In:  strings.NewReader(strings.Join(lines, "\n") + "\n"),
		Out: &out,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, srv.Run(ctx))

	var responses []map[string]any
	decoder := json.NewDecoder(&out)
	for decoder.More() {
		var resp map[string]any
		require.NoError(t, decoder.Decode(&resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestStdioLifecycle(t *testing.T) {
	responses := runStdioSession(t, []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"email.send","arguments":{"to":"bob"}}}`,
	})
	require.Len(t, responses, 3, "the notification must get no response")

	init := responses[0]["result"].(map[string]any)
	assert.Equal(t, "2024-11-05", init["protocolVersion"])
	serverInfo := init["serverInfo"].(map[string]any)
	assert.Equal(t, "toolgate", serverInfo["name"])

	list := responses[1]["result"].(map[string]any)
	tools := list["tools"].([]any)
	assert.NotEmpty(t, tools)

	call := responses[2]["result"].(map[string]any)
	content := call["content"].([]any)
	first := content[0].(map[string]any)
	assert.Equal(t, "text", first["type"])
	assert.Equal(t, "echo: send", first["text"])
}

func TestStdioContextUpdateShapesRouting(t *testing.T) {
	responses := runStdioSession(t, []string{
		`{"jsonrpc":"2.0","id":1,"method":"context/update","params":{"role":"user","content":"read my email inbox"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	})
	require.Len(t, responses, 2)
	require.Nil(t, responses[0]["error"])

	tools := responses[1]["result"].(map[string]any)["tools"].([]any)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "email.read")
}

func TestStdioErrors(t *testing.T) {
	responses := runStdioSession(t, []string{
		`not json`,
		`{"jsonrpc":"2.0","id":1,"method":"no/such/method"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{}}`,
	})
	require.Len(t, responses, 3)

	parseErr := responses[0]["error"].(map[string]any)
	assert.Equal(t, float64(codeParseError), parseErr["code"])

	notFound := responses[1]["error"].(map[string]any)
	assert.Equal(t, float64(codeMethodNotFound), notFound["code"])

	badParams := responses[2]["error"].(map[string]any)
	assert.Equal(t, float64(codeInvalidParams), badParams["code"])
}

func TestHTTPSessionHeader(t *testing.T) {
	gw := newTestGateway(t)
	srv := New(config.ServerConfig{Transport: config.TransportStreamableHTTP}, gw, Options{})

	ts := httptest.NewServer(http.HandlerFunc(srv.handleHTTP))
	defer ts.Close()

	post := func(body, sessionID string) (*http.Response, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader(body))
		require.NoError(t, err)
		if sessionID != "" {
			req.Header.Set(sessionHeader, sessionID)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var decoded map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
		return resp, decoded
	}

	resp, decoded := post(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, "")
	assigned := resp.Header.Get(sessionHeader)
	assert.NotEmpty(t, assigned, "first contact gets a session id")
	require.NotNil(t, decoded["result"])

	resp, decoded = post(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, assigned)
	assert.Equal(t, assigned, resp.Header.Get(sessionHeader))
	require.NotNil(t, decoded["result"])

	resp, _ = post(`{"jsonrpc":"2.0","id":3,"method":"ping"}`, assigned)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPRejectsGet(t *testing.T) {
	gw := newTestGateway(t)
	srv := New(config.ServerConfig{Transport: config.TransportStreamableHTTP}, gw, Options{})

	ts := httptest.NewServer(http.HandlerFunc(srv.handleHTTP))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
