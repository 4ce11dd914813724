package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/toolgate/pkg/config"
	"github.com/kadirpekel/toolgate/pkg/transport"
)

// fakeTransport is a scriptable in-memory transport.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	callErr   error
	callDelay time.Duration
	calls     int
	lastTool  string
	tools     []transport.ToolDescriptor
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
	f.calls++
	f.lastTool = name
	delay, err := f.callDelay, f.callErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &transport.CallResult{Text: "ok"}, nil
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

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) setCallErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callErr = err
}

// newTestPool wires a single "email" server backed by one fake
// transport that survives reconnects.
func newTestPool(t *testing.T, fake *fakeTransport, opts Options) *Pool {
	t.Helper()

	if fake.tools == nil {
		fake.tools = []transport.ToolDescriptor{
			{Name: "send", Description: "Send an email"},
			{Name: "read", Description: "Read the inbox"},
		}
	}
	opts.Transports = func(config.DownstreamServerConfig) (transport.Transport, error) {
		return fake, nil
	}

	p := New([]config.DownstreamServerConfig{
		{Name: "email", Transport: config.TransportStreamableHTTP, URL: "http://fake"},
	}, opts)
	t.Cleanup(p.DisconnectAll)
	return p
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 5, Timeout: 40 * time.Millisecond})

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		assert.True(t, cb.CanAttempt(), "still closed after %d failures", i+1)
	}
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanAttempt())

	// Stays open until the timeout elapses, then allows a probe.
	time.Sleep(10 * time.Millisecond)
	assert.False(t, cb.CanAttempt())
	time.Sleep(40 * time.Millisecond)
	assert.True(t, cb.CanAttempt())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreakerHalfOpenProbes(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Millisecond,
		HalfOpenMaxCalls: 3,
	})

	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	// Three concurrent probes allowed, the fourth refused.
	require.True(t, cb.CanAttempt())
	require.True(t, cb.CanAttempt())
	require.True(t, cb.CanAttempt())
	assert.False(t, cb.CanAttempt())

	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, Timeout: time.Millisecond})

	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	require.True(t, cb.CanAttempt())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanAttempt())
}

func TestPoolConnectAndCall(t *testing.T) {
	fake := &fakeTransport{}
	p := newTestPool(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, p.ConnectAll(ctx))

	tools := p.Tools()
	require.Len(t, tools["email"], 2)

	result, err := p.Call(ctx, "email.send", map[string]any{"to": "boss"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, "send", fake.lastTool)

	servers := p.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, StatusConnected, servers[0].Status)
	assert.Equal(t, StateClosed, servers[0].CircuitState)
}

func TestPoolResolution(t *testing.T) {
	fake := &fakeTransport{}
	p := newTestPool(t, fake, Options{})
	require.NoError(t, p.ConnectAll(context.Background()))

	// Exact qualified lookup.
	srv, local, err := p.Resolve("email.send")
	require.NoError(t, err)
	assert.Equal(t, "email", srv)
	assert.Equal(t, "send", local)

	// Known-server prefix, undiscovered tool.
	srv, local, err = p.Resolve("email.archive")
	require.NoError(t, err)
	assert.Equal(t, "email", srv)
	assert.Equal(t, "archive", local)

	// Display-name scan for bare names.
	srv, local, err = p.Resolve("send")
	require.NoError(t, err)
	assert.Equal(t, "email", srv)
	assert.Equal(t, "send", local)

	// Dotted name whose prefix is no known server.
	_, _, err = p.Resolve("slack.post")
	assert.ErrorIs(t, err, ErrToolNotFound)
	assert.Equal(t, "tool_not_found", ErrorClass(err))
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	fake := &fakeTransport{callErr: errors.New("boom")}
	p := newTestPool(t, fake, Options{
		MaxRetries:     3,
		RetryDelayBase: time.Millisecond,
	})
	ctx := context.Background()
	require.NoError(t, p.ConnectAll(ctx))

	// Heal the transport after the first failure.
	go func() {
		time.Sleep(500 * time.Microsecond)
		fake.setCallErr(nil)
	}()

	result, err := p.Call(ctx, "email.send", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.GreaterOrEqual(t, fake.callCount(), 2)
}

func TestPoolCircuitOpenFailsFast(t *testing.T) {
	fake := &fakeTransport{callErr: errors.New("boom")}
	p := newTestPool(t, fake, Options{
		MaxRetries:     1,
		RetryDelayBase: time.Millisecond,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Timeout:          50 * time.Millisecond,
		},
	})
	ctx := context.Background()
	require.NoError(t, p.ConnectAll(ctx))

	for i := 0; i < 5; i++ {
		_, err := p.Call(ctx, "email.send", nil)
		require.Error(t, err)
	}
	attempted := fake.callCount()

	// Open circuit: refused immediately, no network attempt.
	start := time.Now()
	_, err := p.Call(ctx, "email.send", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Less(t, time.Since(start), 5*time.Millisecond)
	assert.Equal(t, attempted, fake.callCount())
	assert.Contains(t, err.Error(), "email")

	// After the breaker timeout a probe goes through.
	fake.setCallErr(nil)
	time.Sleep(60 * time.Millisecond)
	result, err := p.Call(ctx, "email.send", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
}

func TestPoolCallTimeout(t *testing.T) {
	fake := &fakeTransport{callDelay: 50 * time.Millisecond}
	p := newTestPool(t, fake, Options{
		MaxRetries:     1,
		RetryDelayBase: time.Millisecond,
		CallTimeout:    5 * time.Millisecond,
	})
	ctx := context.Background()
	require.NoError(t, p.ConnectAll(ctx))

	_, err := p.Call(ctx, "email.send", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "timeout", ErrorClass(err))
}

func TestLazyPoolConnectsOnFirstCall(t *testing.T) {
	fake := &fakeTransport{}
	p := newTestPool(t, fake, Options{Lazy: true})
	ctx := context.Background()

	require.NoError(t, p.ConnectAll(ctx))
	assert.Empty(t, p.Tools(), "lazy pool must not connect eagerly")

	result, err := p.Call(ctx, "email.send", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.True(t, fake.IsConnected())
	require.Len(t, p.Tools()["email"], 2)
}

func TestPoolDisconnectAll(t *testing.T) {
	fake := &fakeTransport{}
	p := newTestPool(t, fake, Options{RetryDelayBase: time.Millisecond})
	require.NoError(t, p.ConnectAll(context.Background()))
	require.True(t, fake.IsConnected())

	p.DisconnectAll()

	assert.False(t, fake.IsConnected())
	servers := p.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, StatusDisconnected, servers[0].Status)

	// A later call reconnects: not-connected failures retry after a
	// fresh connect lifecycle.
	result, err := p.Call(context.Background(), "email.send", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
}

func TestErrorClass(t *testing.T) {
	assert.Empty(t, ErrorClass(nil))
	assert.Equal(t, "tool_not_found", ErrorClass(ErrToolNotFound))
	assert.Equal(t, "circuit_open", ErrorClass(ErrCircuitOpen))
	assert.Equal(t, "timeout", ErrorClass(ErrTimeout))
	assert.Equal(t, "not_connected", ErrorClass(ErrNotConnected))
	assert.Equal(t, "downstream_error", ErrorClass(errors.New("boom")))
}
