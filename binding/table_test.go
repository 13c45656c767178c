package binding

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/mesh"
	"github.com/c360/dbusbridge/mesh/meshtest"
	"github.com/c360/dbusbridge/metric"
	"github.com/c360/dbusbridge/namespace"
)

func spec(service, member string, kind introspection.MemberKind, gen uint64) Spec {
	return Spec{
		Path:       mesh.Path("root/" + service + "/" + member),
		Key:        namespace.Key{Service: service, Object: "/", Interface: service, Member: member},
		Owner:      ":1.1",
		Member:     introspection.Member{Kind: kind, Name: member},
		Initial:    mesh.Int(1),
		Generation: gen,
	}
}

func noop(mesh.Write) {}

func TestTable_BindPublishesAndSubscribes(t *testing.T) {
	conn := meshtest.New()
	tbl := NewTable(conn, nil, NewMetrics(metric.NewMetricsRegistry()))
	ctx := context.Background()

	m, err := tbl.Bind(ctx, spec("a.b", "Call", introspection.KindMethod, 1), noop)
	require.NoError(t, err)
	s, err := tbl.Bind(ctx, spec("a.b", "Tick", introspection.KindSignal, 1), noop)
	require.NoError(t, err)

	assert.True(t, conn.Subscribed(m.Path))
	assert.False(t, conn.Subscribed(s.Path))
	v, ok := conn.Value(s.Path)
	require.True(t, ok)
	assert.True(t, v.Equal(mesh.Int(1)))

	assert.Equal(t, 2, tbl.Len())
	assert.Same(t, m, tbl.Lookup(m.Path))
	assert.Equal(t, []mesh.Path{"root/a.b/Call", "root/a.b/Tick"}, tbl.Paths("a.b"))
	assert.Equal(t, []string{"a.b"}, tbl.Services())
}

func TestTable_DuplicatePathLeavesMeshAlone(t *testing.T) {
	conn := meshtest.New()
	tbl := NewTable(conn, nil, nil)
	ctx := context.Background()

	_, err := tbl.Bind(ctx, spec("a.b", "P", introspection.KindReadableProperty, 1), noop)
	require.NoError(t, err)
	before := len(conn.Events())

	_, err = tbl.Bind(ctx, spec("a.b", "P", introspection.KindReadableProperty, 1), noop)
	assert.ErrorIs(t, err, ErrDuplicatePath)
	assert.Len(t, conn.Events(), before)

	assert.ErrorIs(t, tbl.Insert(New(spec("a.b", "P", introspection.KindReadableProperty, 1))), ErrDuplicatePath)
}

func TestTable_UpdateAndClosed(t *testing.T) {
	conn := meshtest.New()
	tbl := NewTable(conn, nil, nil)
	ctx := context.Background()

	b, err := tbl.Bind(ctx, spec("a.b", "P", introspection.KindReadableProperty, 1), nil)
	require.NoError(t, err)
	require.NoError(t, tbl.Update(ctx, b, mesh.Int(5)))
	assert.True(t, b.Value().Equal(mesh.Int(5)))

	removed := tbl.RemoveByPath(b.Path)
	assert.Same(t, b, removed)
	assert.True(t, b.Closed())
	assert.Nil(t, tbl.RemoveByPath(b.Path))

	require.NoError(t, tbl.Update(ctx, b, mesh.Int(6)))
	assert.True(t, b.Value().Equal(mesh.Int(5)))
}

func TestTable_PublishFailureReleasesPath(t *testing.T) {
	conn := meshtest.New()
	tbl := NewTable(conn, nil, nil)
	ctx := context.Background()
	sp := spec("a.b", "P", introspection.KindReadableProperty, 1)

	conn.FailPublish(sp.Path, assert.AnError)
	_, err := tbl.Bind(ctx, sp, nil)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, tbl.Len())

	conn.FailPublish(sp.Path, nil)
	_, err = tbl.Bind(ctx, sp, nil)
	require.NoError(t, err)
}

func TestTable_SubscribeFailureWithdraws(t *testing.T) {
	conn := meshtest.New()
	tbl := NewTable(conn, nil, nil)
	ctx := context.Background()
	sp := spec("a.b", "M", introspection.KindMethod, 1)

	// someone else already handles writes at the path
	_, err := conn.Subscribe(ctx, sp.Path, noop)
	require.NoError(t, err)

	_, err = tbl.Bind(ctx, sp, noop)
	assert.ErrorIs(t, err, meshtest.ErrAlreadySubscribed)
	_, ok := conn.Value(sp.Path)
	assert.False(t, ok)
	assert.Nil(t, tbl.Lookup(sp.Path))
}

func TestTable_TeardownOrdering(t *testing.T) {
	conn := meshtest.New()
	tbl := NewTable(conn, nil, nil)
	ctx := context.Background()

	b, err := tbl.Bind(ctx, spec("a.b", "M", introspection.KindMethod, 1), noop)
	require.NoError(t, err)
	_, err = tbl.Bind(ctx, spec("c.d", "M", introspection.KindMethod, 1), noop)
	require.NoError(t, err)

	var cancelled []*Binding
	removed := tbl.Teardown(ctx, "a.b", func(x *Binding) {
		assert.True(t, x.Closed())
		assert.Nil(t, tbl.Lookup(x.Path))
		_, published := conn.Value(x.Path)
		assert.True(t, published, "publication withdrawn before cancel")
		assert.True(t, conn.Subscribed(x.Path), "write subscription dropped before cancel")
		cancelled = append(cancelled, x)
	})

	assert.Equal(t, []*Binding{b}, removed)
	assert.Equal(t, removed, cancelled)
	assert.False(t, conn.Subscribed(b.Path))
	_, ok := conn.Value(b.Path)
	assert.False(t, ok)
	assert.Equal(t, 1, tbl.Len())
	assert.Empty(t, tbl.Paths("a.b"))
}

func TestTable_TeardownAtomicUnderConcurrentLookups(t *testing.T) {
	conn := meshtest.New()
	tbl := NewTable(conn, nil, nil)
	ctx := context.Background()

	var paths []mesh.Path
	for i := 0; i < 50; i++ {
		b, err := tbl.Bind(ctx, spec("a.b", fmt.Sprintf("M%d", i), introspection.KindMethod, 1), noop)
		require.NoError(t, err)
		paths = append(paths, b.Path)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var mixed bool
	var mu sync.Mutex
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// a service is either fully bound or fully gone
				n := len(tbl.Paths("a.b"))
				if n != 0 && n != len(paths) {
					mu.Lock()
					mixed = true
					mu.Unlock()
				}
				for _, p := range paths {
					if b := tbl.Lookup(p); b != nil && b.Closed() {
						mu.Lock()
						mixed = true
						mu.Unlock()
					}
				}
			}
		}()
	}

	removed := tbl.Teardown(ctx, "a.b", nil)
	close(stop)
	wg.Wait()

	assert.Len(t, removed, len(paths))
	assert.False(t, mixed)
	for _, p := range paths {
		assert.Nil(t, tbl.Lookup(p))
	}
}

func TestTable_FreshRebind(t *testing.T) {
	conn := meshtest.New()
	tbl := NewTable(conn, nil, nil)
	ctx := context.Background()

	old, err := tbl.Bind(ctx, spec("a.b", "M", introspection.KindMethod, 1), noop)
	require.NoError(t, err)
	tbl.Teardown(ctx, "a.b", nil)

	fresh, err := tbl.Bind(ctx, spec("a.b", "M", introspection.KindMethod, 2), noop)
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, uint64(2), tbl.Lookup(fresh.Path).Generation)
	assert.True(t, old.Closed())
	assert.False(t, fresh.Closed())
	assert.True(t, conn.Subscribed(fresh.Path))
}

func TestTable_Reset(t *testing.T) {
	conn := meshtest.New()
	tbl := NewTable(conn, nil, nil)
	ctx := context.Background()

	for _, svc := range []string{"a.b", "c.d", "e.f"} {
		_, err := tbl.Bind(ctx, spec(svc, "P", introspection.KindReadableProperty, 1), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, tbl.Reset(ctx, nil))
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, conn.Paths())
}

func TestTable_UnbindOne(t *testing.T) {
	conn := meshtest.New()
	tbl := NewTable(conn, nil, nil)
	ctx := context.Background()

	m, err := tbl.Bind(ctx, spec("a.b", "Call", introspection.KindMethod, 1), noop)
	require.NoError(t, err)
	_, err = tbl.Bind(ctx, spec("a.b", "P", introspection.KindReadableProperty, 1), nil)
	require.NoError(t, err)

	var cancelled []mesh.Path
	assert.True(t, tbl.Unbind(ctx, m.Path, func(b *Binding) { cancelled = append(cancelled, b.Path) }))
	assert.False(t, tbl.Unbind(ctx, m.Path, nil))

	assert.Equal(t, []mesh.Path{m.Path}, cancelled)
	assert.True(t, m.Closed())
	assert.False(t, conn.Subscribed(m.Path))
	_, ok := conn.Value(m.Path)
	assert.False(t, ok)
	assert.Equal(t, []mesh.Path{"root/a.b/P"}, tbl.Paths("a.b"))
}

// tearingConn removes the service while its binding is being published
type tearingConn struct {
	*meshtest.Conn
	tbl *Table
}

func (c *tearingConn) Publish(ctx context.Context, p mesh.Path, v mesh.Value) (mesh.Publication, error) {
	pub, err := c.Conn.Publish(ctx, p, v)
	c.tbl.RemoveAllForService("a.b")
	return pub, err
}

func TestTable_TornDownDuringBind(t *testing.T) {
	inner := meshtest.New()
	conn := &tearingConn{Conn: inner}
	tbl := NewTable(conn, nil, nil)
	conn.tbl = tbl

	_, err := tbl.Bind(context.Background(), spec("a.b", "M", introspection.KindMethod, 1), noop)
	assert.ErrorIs(t, err, ErrTornDown)
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, inner.Paths())
	assert.False(t, inner.Subscribed("root/a.b/M"))
}
