package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dbusbridge/binding"
	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/bus/bustest"
	"github.com/c360/dbusbridge/mesh"
	"github.com/c360/dbusbridge/metric"
)

type fakeBinder struct {
	mu  sync.Mutex
	log []string

	prepare func(ctx context.Context, svc Service) (*Plan, error)
	commit  func(ctx context.Context, plan *Plan) error
}

func (f *fakeBinder) record(format string, args ...any) {
	f.mu.Lock()
	f.log = append(f.log, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeBinder) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeBinder) Prepare(ctx context.Context, svc Service) (*Plan, error) {
	f.record("prepare %s %s %d", svc.Name, svc.Owner, svc.Generation)
	if f.prepare != nil {
		return f.prepare(ctx, svc)
	}
	return &Plan{Service: svc, Specs: []binding.Spec{{Path: mesh.Path("root/" + svc.Name + "/x")}}}, nil
}

func (f *fakeBinder) Commit(ctx context.Context, plan *Plan) error {
	if f.commit != nil {
		if err := f.commit(ctx, plan); err != nil {
			return err
		}
	}
	f.record("commit %s %d", plan.Service.Name, plan.Service.Generation)
	return nil
}

func (f *fakeBinder) Unbind(_ context.Context, name string) {
	f.record("unbind %s", name)
}

func newWatcher(t *testing.T, conn bus.Conn, binder Binder, cfg Config) *Watcher {
	t.Helper()
	w := New(conn, binder, cfg, nil, NewMetrics(metric.NewMetricsRegistry()), nil)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func waitState(t *testing.T, w *Watcher, name string, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return w.State(name) == want },
		2*time.Second, 5*time.Millisecond, "%s never reached %s (now %s)", name, want, w.State(name))
}

func TestWatched(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		bus  string
		want bool
	}{
		{"well known", DefaultConfig(), "com.example.Clock", true},
		{"unique skipped", DefaultConfig(), ":1.42", false},
		{"unique included", Config{IncludeUniqueNames: true}, ":1.42", true},
		{"daemon denied by default", DefaultConfig(), bus.DaemonName, false},
		{"invalid", DefaultConfig(), "nodots", false},
		{"allow match", Config{Allow: []string{"com.example.*"}}, "com.example.Clock", true},
		{"allow miss", Config{Allow: []string{"com.example.*"}}, "org.other.Thing", false},
		{"deny wins", Config{Allow: []string{"com.example.*"}, Deny: []string{"com.example.Secret"}}, "com.example.Secret", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New(nil, &fakeBinder{}, tt.cfg, nil, nil, nil)
			assert.Equal(t, tt.want, w.Watched(tt.bus))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Allow: []string{"com.[example"}}.Validate())
	assert.Error(t, Config{Rate: -1}.Validate())
}

func TestWatcher_Bootstrap(t *testing.T) {
	b := bustest.New()
	b.NewService("com.example.A")
	b.NewService("com.example.B")
	b.NewService("org.other.C")
	ownerA := b.Own("com.example.A")
	b.Own("com.example.B")
	b.Own("org.other.C")

	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	binder := &fakeBinder{}
	cfg := DefaultConfig()
	cfg.Allow = []string{"com.example.*"}
	cfg.Deny = append(cfg.Deny, "com.example.B")
	w := newWatcher(t, conn, binder, cfg)

	require.NoError(t, w.Bootstrap(context.Background()))
	waitState(t, w, "com.example.A", StateBound)

	assert.Equal(t, StateUnseen, w.State("com.example.B"))
	assert.Equal(t, StateUnseen, w.State("org.other.C"))
	assert.Equal(t, StateUnseen, w.State(ownerA))
	assert.Equal(t, []string{
		"prepare com.example.A " + ownerA + " 1",
		"commit com.example.A 1",
	}, binder.entries())

	services := w.Services()
	require.Len(t, services, 1)
	assert.Equal(t, ServiceInfo{Name: "com.example.A", Owner: ownerA, State: "bound", Generation: 1}, services[0])
}

func TestWatcher_BootstrapListFailure(t *testing.T) {
	b := bustest.New()
	b.Fail(bus.Target{Interface: bus.DaemonInterface, Member: "ListNames"}, &bus.RemoteError{Name: bus.ErrorFailed})
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	w := newWatcher(t, conn, &fakeBinder{}, DefaultConfig())
	assert.Error(t, w.Bootstrap(context.Background()))
}

func TestWatcher_OwnerChanges(t *testing.T) {
	binder := &fakeBinder{}
	w := newWatcher(t, nil, binder, DefaultConfig())
	ctx := context.Background()
	name := "com.example.Clock"

	w.HandleOwnerChange(ctx, name, "", ":1.1")
	waitState(t, w, name, StateBound)

	// duplicate announcement for the same owner
	w.HandleOwnerChange(ctx, name, "", ":1.1")
	assert.Len(t, binder.entries(), 2)

	// replacement is a loss then an appearance
	w.HandleOwnerChange(ctx, name, ":1.1", ":1.2")
	waitState(t, w, name, StateBound)

	w.HandleOwnerChange(ctx, name, ":1.2", "")
	assert.Equal(t, StateGone, w.State(name))

	assert.Equal(t, []string{
		"prepare com.example.Clock :1.1 1",
		"commit com.example.Clock 1",
		"unbind com.example.Clock",
		"prepare com.example.Clock :1.2 2",
		"commit com.example.Clock 2",
		"unbind com.example.Clock",
	}, binder.entries())

	// unique names and losses of unknown names are ignored
	w.HandleOwnerChange(ctx, ":1.9", "", ":1.9")
	w.HandleOwnerChange(ctx, "com.example.Never", ":1.5", "")
	assert.Len(t, binder.entries(), 6)
	assert.Equal(t, float64(2), testutil.ToFloat64(w.metrics.losses))
}

func TestWatcher_NewOwnerWithoutLoss(t *testing.T) {
	binder := &fakeBinder{}
	w := newWatcher(t, nil, binder, DefaultConfig())
	ctx := context.Background()
	name := "com.example.Clock"

	w.Appeared(ctx, name, ":1.1")
	waitState(t, w, name, StateBound)

	// a bootstrap race can report the new owner with no old owner
	w.HandleOwnerChange(ctx, name, "", ":1.2")
	waitState(t, w, name, StateBound)
	require.Eventually(t, func() bool { return len(binder.entries()) == 5 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		"prepare com.example.Clock :1.1 1",
		"commit com.example.Clock 1",
		"unbind com.example.Clock",
		"prepare com.example.Clock :1.2 2",
		"commit com.example.Clock 2",
	}, binder.entries())
	assert.Equal(t, float64(1), testutil.ToFloat64(w.metrics.losses))
}

func TestWatcher_LostCancelsDiscovery(t *testing.T) {
	started := make(chan Service, 2)
	binder := &fakeBinder{}
	binder.prepare = func(ctx context.Context, svc Service) (*Plan, error) {
		started <- svc
		if svc.Generation == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &Plan{Service: svc, Specs: []binding.Spec{{Path: "root/x"}}}, nil
	}
	w := newWatcher(t, nil, binder, DefaultConfig())
	ctx := context.Background()
	name := "com.example.Slow"

	w.HandleOwnerChange(ctx, name, "", ":1.1")
	<-started
	assert.Equal(t, StateDiscovering, w.State(name))

	w.HandleOwnerChange(ctx, name, ":1.1", "")
	assert.Equal(t, StateGone, w.State(name))

	w.HandleOwnerChange(ctx, name, "", ":1.2")
	waitState(t, w, name, StateBound)

	assert.Equal(t, []string{
		"prepare com.example.Slow :1.1 1",
		"unbind com.example.Slow",
		"prepare com.example.Slow :1.2 2",
		"commit com.example.Slow 2",
	}, binder.entries())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(w.metrics.discoveries.WithLabelValues("stale")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatcher_LostWaitsForCommit(t *testing.T) {
	inCommit := make(chan struct{})
	release := make(chan struct{})
	binder := &fakeBinder{}
	binder.commit = func(context.Context, *Plan) error {
		close(inCommit)
		<-release
		return nil
	}
	w := newWatcher(t, nil, binder, DefaultConfig())
	ctx := context.Background()
	name := "com.example.Busy"

	w.HandleOwnerChange(ctx, name, "", ":1.1")
	<-inCommit

	lost := make(chan struct{})
	go func() {
		w.Lost(ctx, name)
		close(lost)
	}()

	select {
	case <-lost:
		t.Fatal("Lost returned while a commit was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("Lost never returned")
	}

	assert.Equal(t, []string{
		"prepare com.example.Busy :1.1 1",
		"commit com.example.Busy 1",
		"unbind com.example.Busy",
	}, binder.entries())
	assert.Equal(t, StateGone, w.State(name))
}

func TestWatcher_DiscoveryFailureStillBinds(t *testing.T) {
	binder := &fakeBinder{}
	binder.prepare = func(context.Context, Service) (*Plan, error) {
		return nil, errors.New("introspection refused")
	}
	w := newWatcher(t, nil, binder, DefaultConfig())

	w.HandleOwnerChange(context.Background(), "com.example.Broken", "", ":1.1")
	waitState(t, w, "com.example.Broken", StateBound)
	assert.Equal(t, []string{"prepare com.example.Broken :1.1 1"}, binder.entries())
	assert.Equal(t, float64(1), testutil.ToFloat64(w.metrics.discoveries.WithLabelValues("failed")))
}

func TestWatcher_NotStarted(t *testing.T) {
	binder := &fakeBinder{}
	w := New(nil, binder, DefaultConfig(), nil, nil, nil)
	w.Appeared(context.Background(), "com.example.Early", ":1.1")
	assert.Equal(t, StateUnseen, w.State("com.example.Early"))
	assert.Empty(t, binder.entries())
}

func TestWatcher_StopCancelsDiscovery(t *testing.T) {
	binder := &fakeBinder{}
	binder.prepare = func(ctx context.Context, _ Service) (*Plan, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	w := New(nil, binder, DefaultConfig(), nil, nil, nil)
	require.NoError(t, w.Start(context.Background()))

	w.Appeared(context.Background(), "com.example.Hang", ":1.1")
	require.Eventually(t, func() bool { return len(binder.entries()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop())
	assert.Equal(t, StateDiscovering, w.State("com.example.Hang"))
	assert.Equal(t, int64(1), w.PoolStats().Processed)
}
