package gateway_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/bus/bustest"
	pkgerrors "github.com/c360/dbusbridge/errors"
	"github.com/c360/dbusbridge/gateway"
	"github.com/c360/dbusbridge/health"
	"github.com/c360/dbusbridge/mesh"
	"github.com/c360/dbusbridge/mesh/meshtest"
	"github.com/c360/dbusbridge/metric"
)

const clock = "com.example.Clock"

func clockPath(member string) mesh.Path {
	return mesh.Path("root/" + clock + "/Clock/" + member)
}

type harness struct {
	bus     *bustest.Bus
	mesh    *meshtest.Conn
	gw      *gateway.Gateway
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	b := bustest.New()
	b.NewService(clock).Object("/Clock").Interface(clock).
		Signal("Ticked", bustest.Arg("t", "x")).
		Property("Time", "x", "read", int64(0), bustest.EmitsChangedSignal, "false").
		Property("Zone", "s", "readwrite", "UTC").
		Method("Add", func(args []any) ([]any, error) {
			return []any{args[0].(int64) + args[1].(int64)}, nil
		}, bustest.In("a", "x"), bustest.In("b", "x"), bustest.Out("sum", "x"))

	cfg := gateway.DefaultConfig()
	cfg.Root = "root"
	cfg.CallTimeout = 2 * time.Second
	cfg.Forward.PollInterval = time.Hour
	cfg.Reconnect.InitialDelay = 10 * time.Millisecond
	cfg.Reconnect.MaxDelay = 50 * time.Millisecond
	cfg.Reconnect.AddJitter = false

	m := meshtest.New()
	gw, err := gateway.New(cfg, b.Dial, m, gateway.WithMetrics(metric.NewMetricsRegistry()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{bus: b, mesh: m, gw: gw, cancel: cancel, stopped: make(chan struct{})}
	go func() {
		defer close(h.stopped)
		assert.NoError(t, gw.Run(ctx))
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.stopped:
	case <-time.After(5 * time.Second):
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_RequiresConnections(t *testing.T) {
	_, err := gateway.New(gateway.DefaultConfig(), nil, meshtest.New())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsInvalid(err))

	cfg := gateway.DefaultConfig()
	cfg.Root = ""
	_, err = gateway.New(cfg, bustest.New().Dial, meshtest.New())
	assert.Error(t, err)
}

func TestGateway_SharedMonitor(t *testing.T) {
	monitor := health.NewMonitor()
	monitor.Update("nats", health.NewUnhealthy("nats", "disconnected"))

	gw, err := gateway.New(gateway.DefaultConfig(), bustest.New().Dial, meshtest.New(), gateway.WithMonitor(monitor))
	require.NoError(t, err)

	status := gw.Health()
	assert.False(t, status.IsHealthy())
	var names []string
	for _, sub := range status.SubStatuses {
		names = append(names, sub.Component)
	}
	assert.Equal(t, []string{"nats", "session"}, names)

	monitor.Update("nats", health.NewHealthy("nats", "connected"))
	nats, ok := monitor.Get("nats")
	require.True(t, ok)
	assert.True(t, nats.IsHealthy())
}

func TestGateway_ClockEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.bus.Own(clock)
	ctx := waitCtx(t)

	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Time"), mesh.Int(0)))
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Zone"), mesh.String("UTC")))
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Ticked"), mesh.Null()))
	assert.True(t, h.mesh.Subscribed(clockPath("Add")))
	assert.True(t, h.mesh.Subscribed(clockPath("Zone")))
	assert.False(t, h.mesh.Subscribed(clockPath("Time")))

	h.bus.SetProperty(clock, "/Clock", clock, "Time", int64(1000))
	h.bus.Emit(clock, "/Clock", clock, "Ticked", int64(1000))
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Ticked"), mesh.Int(1000)))
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Time"), mesh.Int(1000)))

	h.bus.Release(clock)
	for _, member := range []string{"Time", "Zone", "Ticked", "Add"} {
		require.NoError(t, h.mesh.WaitForAbsent(ctx, clockPath(member)))
	}
	assert.False(t, h.mesh.Subscribed(clockPath("Add")))
	assert.Nil(t, h.gw.Lookup(clockPath("Time")))
}

func TestGateway_MethodAndPropertyWrites(t *testing.T) {
	h := newHarness(t)
	h.bus.Own(clock)
	ctx := waitCtx(t)
	require.NoError(t, h.mesh.WaitFor(ctx, func() bool { return h.mesh.Subscribed(clockPath("Zone")) }))

	sum, err := h.mesh.Call(ctx, clockPath("Add"), mesh.Int(2), mesh.Int(3))
	require.NoError(t, err)
	assert.True(t, mesh.Int(5).Equal(sum), "got %s", sum)

	_, err = h.mesh.Call(ctx, clockPath("Zone"), mesh.String("CET"))
	require.NoError(t, err)
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Zone"), mesh.String("CET")))
	assert.Equal(t, "CET", h.bus.Property(clock, "/Clock", clock, "Zone"))

	v, err := h.gw.Dispatch(ctx, clockPath("Add"), []mesh.Value{mesh.Int(40), mesh.Int(2)})
	require.NoError(t, err)
	assert.True(t, mesh.Int(42).Equal(v))
}

func TestGateway_StatsAndHealth(t *testing.T) {
	h := newHarness(t)
	owner := h.bus.Own(clock)
	ctx := waitCtx(t)
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Time"), mesh.Int(0)))

	require.Eventually(t, func() bool { return h.gw.Stats().Bindings == 4 }, 2*time.Second, 5*time.Millisecond)
	stats := h.gw.Stats()
	assert.Equal(t, "connected", stats.Status)
	assert.Equal(t, 1, stats.Sessions)
	assert.NotEmpty(t, stats.SessionID)
	require.Len(t, stats.Services, 1)
	assert.Equal(t, clock, stats.Services[0].Name)
	assert.Equal(t, owner, stats.Services[0].Owner)
	assert.Equal(t, "bound", stats.Services[0].State)

	b := h.gw.Lookup(clockPath("Time"))
	require.NotNil(t, b)
	assert.Equal(t, owner, b.Owner)

	status := h.gw.Health()
	assert.True(t, status.IsHealthy(), "health: %+v", status)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 1, status.Metrics.Services)
	assert.Equal(t, 4, status.Metrics.Bindings)
}

func TestGateway_DiscoveryTargetsOwner(t *testing.T) {
	h := newHarness(t)
	owner := h.bus.Own(clock)
	ctx := waitCtx(t)
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Time"), mesh.Int(0)))

	introspects := h.bus.Targets("Introspect")
	require.NotEmpty(t, introspects)
	for _, target := range introspects {
		assert.Equal(t, owner, target.Service, "introspect %s", target.Path)
	}
	reads := h.bus.Targets("GetAll")
	require.NotEmpty(t, reads)
	for _, target := range reads {
		assert.Equal(t, owner, target.Service)
	}
}

func TestGateway_BusDisconnectRebuildsSession(t *testing.T) {
	h := newHarness(t)
	h.bus.Own(clock)
	ctx := waitCtx(t)
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Time"), mesh.Int(0)))
	first := h.gw.Stats().SessionID

	h.bus.SetProperty(clock, "/Clock", clock, "Time", int64(55))
	h.bus.Disconnect()

	require.NoError(t, h.mesh.WaitFor(ctx, func() bool {
		st := h.gw.Stats()
		return st.Sessions == 2 && st.Bindings == 4
	}))
	assert.NotEqual(t, first, h.gw.Stats().SessionID)
	assert.Equal(t, 2, h.bus.Dials())
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Time"), mesh.Int(55)))
}

func TestGateway_MeshLossRebuildsSession(t *testing.T) {
	h := newHarness(t)
	h.bus.Own(clock)
	ctx := waitCtx(t)
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Time"), mesh.Int(0)))

	h.mesh.SetLost()
	require.NoError(t, h.mesh.WaitFor(ctx, func() bool { return h.gw.Stats().Sessions == 2 }))
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Time"), mesh.Int(0)))
	assert.GreaterOrEqual(t, h.mesh.ReadyCount(), 2)
}

func TestGateway_DialRetries(t *testing.T) {
	b := bustest.New()
	b.FailDial(pkgerrors.ErrBusDisconnected)

	cfg := gateway.DefaultConfig()
	cfg.Reconnect.InitialDelay = 5 * time.Millisecond
	cfg.Reconnect.MaxDelay = 10 * time.Millisecond
	var attempts atomic.Int32
	dial := func(ctx context.Context) (bus.Conn, error) {
		attempts.Add(1)
		return b.Dial(ctx)
	}
	gw, err := gateway.New(cfg, dial, meshtest.New())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, gateway.StatusConnecting, gw.Status())

	b.FailDial(nil)
	require.Eventually(t, func() bool { return gw.Status() == gateway.StatusConnected }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, gateway.StatusDisconnected, gw.Status())
}

func TestGateway_StopWithdrawsEverything(t *testing.T) {
	h := newHarness(t)
	h.bus.Own(clock)
	ctx := waitCtx(t)
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Time"), mesh.Int(0)))

	h.stop()
	assert.Empty(t, h.mesh.Paths())
	assert.Equal(t, 0, h.bus.Matches())

	_, err := h.gw.Dispatch(context.Background(), clockPath("Add"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrBusDisconnected)
}

func TestGateway_IgnoresUnwatchedNames(t *testing.T) {
	h := newHarness(t)
	ctx := waitCtx(t)
	require.Eventually(t, func() bool { return h.gw.Status() == gateway.StatusConnected }, 2*time.Second, 5*time.Millisecond)

	h.bus.Own(clock)
	require.NoError(t, h.mesh.WaitForValue(ctx, clockPath("Time"), mesh.Int(0)))

	for _, p := range h.mesh.Paths() {
		assert.NotContains(t, string(p), bus.DaemonName)
		assert.Contains(t, string(p), "root/"+clock+"/")
	}
}
