package forward

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dbusbridge/binding"
	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/bus/bustest"
	"github.com/c360/dbusbridge/codec"
	"github.com/c360/dbusbridge/dispatch"
	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/mesh"
	"github.com/c360/dbusbridge/mesh/meshtest"
	"github.com/c360/dbusbridge/metric"
	"github.com/c360/dbusbridge/namespace"
)

const clock = "com.example.Clock"

type fixture struct {
	bus      *bustest.Bus
	conn     bus.Conn
	mesh     *meshtest.Conn
	table    *binding.Table
	fwd      *Forwarder
	owner    string
	bindings map[string]*binding.Binding

	mu       sync.Mutex
	warnings []Warning
}

func mustType(t *testing.T, sig string) codec.Type {
	t.Helper()
	typ, err := codec.ParseType(sig)
	require.NoError(t, err)
	return typ
}

func newFixture(t *testing.T, cfg Config, start bool) *fixture {
	t.Helper()
	f := &fixture{bus: bustest.New(), mesh: meshtest.New(), bindings: map[string]*binding.Binding{}}

	f.bus.NewService(clock).Object("/Clock").Interface(clock).
		Signal("Ticked", bustest.Arg("t", "x")).
		Property("Time", "x", "read", int64(0), bustest.EmitsChangedSignal, "false").
		Property("Zone", "s", "readwrite", "UTC").
		Property("Mode", "s", "read", "auto", bustest.EmitsChangedSignal, "invalidates").
		Property("Epoch", "x", "read", int64(1970), bustest.EmitsChangedSignal, "const")
	f.owner = f.bus.Own(clock)

	conn, err := f.bus.Dial(context.Background())
	require.NoError(t, err)
	f.conn = conn

	f.table = binding.NewTable(f.mesh, nil, nil)
	reader := dispatch.NewDispatcher(conn, f.table, f.mesh, dispatch.Config{CallTimeout: time.Second}, nil, nil)
	cfg.OnWarning = func(w Warning) {
		f.mu.Lock()
		f.warnings = append(f.warnings, w)
		f.mu.Unlock()
	}
	f.fwd = New(conn, reader, f.table, cfg, nil, NewMetrics(metric.NewMetricsRegistry()))
	if start {
		f.fwd.Start(context.Background())
	}
	t.Cleanup(func() {
		f.fwd.Stop()
		_ = conn.Close()
	})

	x, s := mustType(t, "x"), mustType(t, "s")
	f.bind(t, introspection.Member{Kind: introspection.KindSignal, Name: "Ticked", In: []introspection.Arg{{Name: "t", Type: x}}}, mesh.Null())
	f.bind(t, introspection.Member{Kind: introspection.KindReadableProperty, Name: "Time", Type: x,
		Access: introspection.AccessRead, EmitsChanged: introspection.EmitsFalse}, mesh.Int(0))
	f.bind(t, introspection.Member{Kind: introspection.KindWritableProperty, Name: "Zone", Type: s,
		Access: introspection.AccessReadWrite, EmitsChanged: introspection.EmitsTrue}, mesh.String("UTC"))
	f.bind(t, introspection.Member{Kind: introspection.KindReadableProperty, Name: "Mode", Type: s,
		Access: introspection.AccessRead, EmitsChanged: introspection.EmitsInvalidates}, mesh.String("auto"))
	f.bind(t, introspection.Member{Kind: introspection.KindReadableProperty, Name: "Epoch", Type: x,
		Access: introspection.AccessRead, EmitsChanged: introspection.EmitsConst}, mesh.Int(1970))
	return f
}

func (f *fixture) bind(t *testing.T, m introspection.Member, initial mesh.Value) {
	t.Helper()
	b, err := f.table.Bind(context.Background(), binding.Spec{
		Path:    mesh.Path("root/" + clock + "/Clock/" + m.Name),
		Key:     namespace.Key{Service: clock, Object: "/Clock", Interface: clock, Member: m.Name},
		Owner:   f.owner,
		Member:  m,
		Initial: initial,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, f.fwd.Watch(context.Background(), b))
	f.bindings[m.Name] = b
}

// pump feeds the connection's signals to the forwarder like a session does
func (f *fixture) pump(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-f.conn.Signals():
				f.fwd.Deliver(s)
			}
		}
	}()
}

func (f *fixture) waitValue(t *testing.T, member string, want mesh.Value) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.mesh.WaitForValue(ctx, mesh.Path("root/"+clock+"/Clock/"+member), want))
}

func (f *fixture) warningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.warnings)
}

func TestForwarder_SignalAndPolledRefresh(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Hour}, true)
	f.pump(t)

	f.bus.SetProperty(clock, "/Clock", clock, "Time", int64(1000))
	f.bus.Emit(clock, "/Clock", clock, "Ticked", int64(1000))

	f.waitValue(t, "Ticked", mesh.Int(1000))
	f.waitValue(t, "Time", mesh.Int(1000))
}

func TestForwarder_PropertiesChanged(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Hour}, true)
	f.pump(t)

	f.bus.SetProperty(clock, "/Clock", clock, "Zone", "CET")
	f.waitValue(t, "Zone", mesh.String("CET"))

	f.bus.SetProperty(clock, "/Clock", clock, "Mode", "manual")
	f.waitValue(t, "Mode", mesh.String("manual"))
}

func TestForwarder_Polling(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 20 * time.Millisecond}, true)

	f.bus.SetProperty(clock, "/Clock", clock, "Time", int64(7))
	f.waitValue(t, "Time", mesh.Int(7))

	f.bus.SetProperty(clock, "/Clock", clock, "Epoch", int64(2000))
	time.Sleep(60 * time.Millisecond)
	v, _ := f.mesh.Value("root/" + clock + "/Clock/Epoch")
	assert.True(t, v.Equal(mesh.Int(1970)), "const property must not be refreshed")
}

func TestForwarder_MalformedPayloadDropped(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Hour}, true)
	f.pump(t)

	f.bus.Emit(clock, "/Clock", clock, "Ticked", int64(1))
	f.waitValue(t, "Ticked", mesh.Int(1))

	f.bus.Emit(clock, "/Clock", clock, "Ticked", "not a number")
	require.Eventually(t, func() bool { return f.warningCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	v, _ := f.mesh.Value("root/" + clock + "/Clock/Ticked")
	assert.True(t, v.Equal(mesh.Int(1)))
	assert.True(t, f.bindings["Ticked"].Value().Equal(mesh.Int(1)))

	f.bus.Emit(clock, "/Clock", clock, "Ticked", int64(2))
	f.waitValue(t, "Ticked", mesh.Int(2))
	f.mu.Lock()
	assert.Equal(t, mesh.Path("root/"+clock+"/Clock/Ticked"), f.warnings[0].Path)
	f.mu.Unlock()
}

func TestForwarder_IgnoresOtherSenders(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Hour}, true)

	f.fwd.Deliver(&bus.Signal{Sender: ":1.999", Path: "/Clock", Interface: clock, Member: "Ticked", Body: []any{int64(9)}})
	f.fwd.Deliver(&bus.Signal{Sender: f.owner, Path: "/Clock", Interface: clock, Member: "Ticked", Body: []any{int64(3)}})
	f.waitValue(t, "Ticked", mesh.Int(3))
	for _, e := range f.mesh.Events() {
		assert.False(t, e.Value.Equal(mesh.Int(9)))
	}
}

func TestForwarder_MatchRefcounting(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Hour}, true)
	ctx := context.Background()

	// Ticked rule plus one PropertiesChanged rule shared by Zone and Mode
	assert.Equal(t, 2, f.fwd.Matches())
	assert.Equal(t, 2, f.bus.Matches())

	f.fwd.Unwatch(ctx, f.bindings["Zone"])
	assert.Equal(t, 2, f.bus.Matches())
	f.fwd.Unwatch(ctx, f.bindings["Mode"])
	assert.Equal(t, 1, f.bus.Matches())
	f.fwd.Unwatch(ctx, f.bindings["Ticked"])
	f.fwd.Unwatch(ctx, f.bindings["Time"])
	f.fwd.Unwatch(ctx, f.bindings["Ticked"])
	assert.Equal(t, 0, f.bus.Matches())
	assert.Equal(t, 0, f.fwd.Matches())
}

func TestForwarder_UnwatchStopsDelivery(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Hour}, true)
	f.fwd.Unwatch(context.Background(), f.bindings["Ticked"])

	f.fwd.Deliver(&bus.Signal{Sender: f.owner, Path: "/Clock", Interface: clock, Member: "Ticked", Body: []any{int64(3)}})
	time.Sleep(30 * time.Millisecond)
	v, _ := f.mesh.Value("root/" + clock + "/Clock/Ticked")
	assert.True(t, v.IsNull())
}

func TestForwarder_FullLaneKeepsNewest(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Hour, Lanes: 1, LaneBuffer: 1}, false)

	for i := 0; i < 3; i++ {
		f.fwd.Deliver(&bus.Signal{Sender: f.owner, Path: "/Clock", Interface: clock, Member: "Ticked", Body: []any{int64(i)}})
	}
	// each Ticked also re-reads the polled Time property; both bindings
	// coalesce to one queued event
	assert.Equal(t, float64(4), testutil.ToFloat64(f.fwd.metrics.coalesce))
	assert.Equal(t, 2, f.fwd.lanes[0].Len())

	f.fwd.Start(context.Background())
	f.waitValue(t, "Ticked", mesh.Int(2))
	f.waitValue(t, "Time", mesh.Int(0))
	for _, e := range f.mesh.Events() {
		if e.Path == mesh.Path("root/"+clock+"/Clock/Ticked") {
			assert.False(t, e.Value.Equal(mesh.Int(1)), "coalesced event published")
		}
	}
}

func TestLane_PerBindingOrder(t *testing.T) {
	a := &binding.Binding{Path: "a"}
	b := &binding.Binding{Path: "b"}
	l := newLane(10)

	for i := 0; i < 3; i++ {
		l.push(event{binding: a, value: i})
		l.push(event{binding: b, value: i})
	}

	var got []any
	var owners []*binding.Binding
	for {
		e, ok := l.pop()
		if !ok {
			break
		}
		got = append(got, e.value)
		owners = append(owners, e.binding)
	}
	assert.Equal(t, []any{0, 0, 1, 1, 2, 2}, got)
	assert.Equal(t, []*binding.Binding{a, b, a, b, a, b}, owners)
	assert.Equal(t, 0, l.Len())
}

func TestLane_CoalescesWhenFull(t *testing.T) {
	a := &binding.Binding{Path: "a"}
	b := &binding.Binding{Path: "b"}
	l := newLane(2)

	assert.Equal(t, 0, l.push(event{binding: a, value: 1}))
	assert.Equal(t, 0, l.push(event{binding: a, value: 2}))
	// a binding with nothing queued is never refused
	assert.Equal(t, 0, l.push(event{binding: b, value: 1}))
	assert.Equal(t, 2, l.push(event{binding: a, value: 3}))

	e, ok := l.pop()
	require.True(t, ok)
	assert.Same(t, a, e.binding)
	assert.Equal(t, 3, e.value)
	e, ok = l.pop()
	require.True(t, ok)
	assert.Same(t, b, e.binding)
	assert.Equal(t, 1, e.value)
	_, ok = l.pop()
	assert.False(t, ok)
}

func TestForwarder_RefreshOnlyPolled(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Hour}, true)

	f.bus.SetProperty(clock, "/Clock", clock, "Time", int64(55))
	f.fwd.Refresh(f.bindings["Time"])
	f.waitValue(t, "Time", mesh.Int(55))

	f.fwd.Refresh(f.bindings["Epoch"])
	f.fwd.Refresh(f.bindings["Ticked"])
	assert.Equal(t, 0, f.warningCount())
}
