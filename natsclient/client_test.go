package natsclient

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dbusbridge/errors"
	"github.com/c360/dbusbridge/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestNewClient_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  ClientOption
	}{
		{"max reconnects below -1", WithMaxReconnects(-2)},
		{"negative reconnect wait", WithReconnectWait(-time.Second)},
		{"negative ping interval", WithPingInterval(-time.Second)},
		{"negative health interval", WithHealthInterval(-time.Second)},
		{"zero timeout", WithTimeout(0)},
		{"negative drain timeout", WithDrainTimeout(-time.Second)},
		{"username without password", WithCredentials("user", "")},
		{"nil tls config", WithTLSConfig(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient("nats://localhost:4222", tt.opt)
			require.Error(t, err)
			assert.Nil(t, client)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestNewClient_OptionDefaults(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(0),
		WithMaxBackoff(time.Millisecond),
		WithLogger(nil),
		WithName("dbusbridge-test"),
	)
	require.NoError(t, err)

	assert.Equal(t, int32(5), client.circuitThreshold)
	assert.Equal(t, time.Minute, client.maxBackoff)
	assert.NotNil(t, client.logger)
	assert.Equal(t, "dbusbridge-test", client.clientName)
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(3))
	require.NoError(t, err)

	client.recordFailure()
	client.recordFailure()
	assert.Equal(t, StatusDisconnected, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(3), client.Failures())

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_BackoffDoublesAndCaps(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(1),
		WithMaxBackoff(4*time.Second),
	)
	require.NoError(t, err)

	client.recordFailure()
	require.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, 2*time.Second, client.Backoff())

	client.recordFailure()
	assert.Equal(t, 4*time.Second, client.Backoff())

	client.recordFailure()
	assert.Equal(t, 4*time.Second, client.Backoff())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	client.recordFailure()
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	client.recordFailure()
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.halfOpen()
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestClient_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, client.Publish(ctx, "a.b", []byte("x")), ErrNotConnected)

	_, err = client.Request(ctx, "a.b", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.Subscribe(ctx, "a.b", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "values"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_ConnectFailure(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1", WithTimeout(500*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, int32(1), client.Failures())
}

func TestClient_WaitForConnectionTimesOut(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = client.WaitForConnection(ctx)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
}

func TestClient_CloseWithoutConnect(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithToken("secret"))
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.Empty(t, client.token)
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestClient_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	core := registry.CoreMetrics()

	client, err := NewClient("nats://localhost:4222",
		WithMetrics(core),
		WithCircuitBreakerThreshold(1),
	)
	require.NoError(t, err)

	client.setStatus(StatusConnected)
	assert.Equal(t, float64(1), testutil.ToFloat64(core.NATSConnected))

	client.recordFailure()
	assert.Equal(t, float64(0), testutil.ToFloat64(core.NATSConnected))
	assert.Equal(t, float64(1), testutil.ToFloat64(core.NATSCircuitBreaker))
}

func TestClient_ConnectionCallbacks(t *testing.T) {
	fromOption := make(chan bool, 4)
	fromMesh := make(chan bool, 4)
	disconnects := make(chan error, 1)
	reconnects := make(chan struct{}, 1)

	client, err := NewClient("nats://localhost:4222",
		WithHealthChangeCallback(func(healthy bool) { fromOption <- healthy }),
		WithDisconnectCallback(func(err error) { disconnects <- err }),
		WithReconnectCallback(func() { reconnects <- struct{}{} }),
	)
	require.NoError(t, err)
	client.OnHealthChange(func(healthy bool) { fromMesh <- healthy })
	client.OnHealthChange(nil)

	boom := stderrors.New("connection reset")
	client.handleDisconnect(nil, boom)
	assert.Equal(t, StatusReconnecting, client.Status())

	select {
	case got := <-disconnects:
		assert.Equal(t, boom, got)
	case <-time.After(time.Second):
		t.Fatal("disconnect callback not called")
	}
	for _, ch := range []chan bool{fromOption, fromMesh} {
		select {
		case healthy := <-ch:
			assert.False(t, healthy)
		case <-time.After(time.Second):
			t.Fatal("health listener not called")
		}
	}

	client.handleReconnect(nil)
	assert.Equal(t, StatusConnected, client.Status())
	select {
	case <-reconnects:
	case <-time.After(time.Second):
		t.Fatal("reconnect callback not called")
	}
	for _, ch := range []chan bool{fromOption, fromMesh} {
		select {
		case healthy := <-ch:
			assert.True(t, healthy)
		case <-time.After(time.Second):
			t.Fatal("health listener not called")
		}
	}
}

func TestKVMetrics_NilSafe(t *testing.T) {
	var m *kvMetrics
	assert.NotPanics(t, func() {
		m.recordError("values", "put")
		m.update(context.Background(), nil)
	})
	assert.Nil(t, newKVMetrics(nil))
}

func TestKVMetrics_RecordError(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	var opts KVOptions
	WithKVMetrics(registry)(&opts)
	require.NotNil(t, opts.metrics)

	opts.metrics.recordError("values", "put")
	opts.metrics.recordError("values", "put")
	assert.Equal(t, float64(2), testutil.ToFloat64(opts.metrics.errors.WithLabelValues("values", "put")))
}

func TestIsKVErrors(t *testing.T) {
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyNotFound))
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.False(t, IsKVNotFoundError(nil))
	assert.False(t, IsKVNotFoundError(stderrors.New("boom")))

	assert.True(t, isAlreadyExistsError(jetstream.ErrBucketExists))
	assert.False(t, isAlreadyExistsError(stderrors.New("timeout")))
}
