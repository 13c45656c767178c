package introspection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"

	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/errors"
	"github.com/c360/dbusbridge/pkg/cache"
)

// Config bounds discovery
type Config struct {
	MaxDepth         int           // deepest child level walked below the root
	DiscoveryTimeout time.Duration // per introspection call
	CacheTTL         time.Duration // zero disables caching
	Concurrency      int           // parallel introspections per level
}

// DefaultConfig returns the discovery defaults
func DefaultConfig() Config {
	return Config{
		MaxDepth:         16,
		DiscoveryTimeout: 10 * time.Second,
		CacheTTL:         5 * time.Minute,
		Concurrency:      8,
	}
}

// Resolver introspects objects over one bus connection
type Resolver struct {
	conn    bus.Conn
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.RWMutex
	objects cache.Cache[*Object]
}

// NewResolver creates a resolver. metrics may be nil. Objects are cached
// only after Start.
func NewResolver(conn bus.Conn, cfg Config, logger *slog.Logger, metrics *Metrics) *Resolver {
	def := DefaultConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		conn:    conn,
		cfg:     cfg,
		logger:  logger.With("component", "introspection"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Start creates the object cache. Expired objects are swept until ctx ends
// or Close is called.
func (r *Resolver) Start(ctx context.Context) error {
	if r.cfg.CacheTTL <= 0 {
		return nil
	}
	sweep := r.cfg.CacheTTL
	if sweep > time.Minute {
		sweep = time.Minute
	}
	objects, err := cache.NewTTL[*Object](ctx, r.cfg.CacheTTL, sweep,
		cache.WithClock[*Object](func() time.Time { return r.now() }))
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := r.objects
	r.objects = objects
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close drops the cache and stops its sweeper
func (r *Resolver) Close() {
	r.mu.Lock()
	objects := r.objects
	r.objects = nil
	r.mu.Unlock()
	if objects != nil {
		if err := objects.Close(); err != nil {
			r.logger.Warn("introspection cache did not stop", "error", err)
		}
	}
}

func (r *Resolver) objectCache() cache.Cache[*Object] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects
}

func cacheKey(service string, path dbus.ObjectPath) string {
	return service + "\x00" + string(path)
}

// Introspect returns the descriptor of one object, from the cache while fresh
func (r *Resolver) Introspect(ctx context.Context, service string, path dbus.ObjectPath) (*Object, error) {
	objects := r.objectCache()
	key := cacheKey(service, path)
	if objects != nil {
		if obj, ok := objects.Get(key); ok {
			r.metrics.cacheHit()
			return obj, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.DiscoveryTimeout)
	defer cancel()

	doc, err := bus.Introspect(ctx, r.conn, service, path)
	if err != nil {
		r.metrics.introspected("error")
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrIntrospectFailed, err),
			"Resolver", "Introspect", fmt.Sprintf("introspect %s%s", service, path))
	}
	obj, err := ParseObject(service, path, doc)
	if err != nil {
		r.metrics.introspected("malformed")
		return nil, err
	}
	r.metrics.introspected("ok")

	if objects != nil {
		_, _ = objects.Set(key, obj)
	}
	return obj, nil
}

// Invalidate drops every cached object of service
func (r *Resolver) Invalidate(service string) {
	objects := r.objectCache()
	if objects == nil {
		return
	}
	prefix := cacheKey(service, "")
	for _, key := range objects.Keys() {
		if strings.HasPrefix(key, prefix) {
			_, _ = objects.Delete(key)
		}
	}
}

// Reset drops the whole cache
func (r *Resolver) Reset() {
	if objects := r.objectCache(); objects != nil {
		_ = objects.Clear()
	}
}

// Discover walks the object tree of service from root. Only a failure at
// the root is an error; broken subtrees become warnings.
func (r *Resolver) Discover(ctx context.Context, service string, root dbus.ObjectPath) (*Tree, error) {
	start := r.now()
	defer func() { r.metrics.discovered(r.now().Sub(start)) }()

	rootObj, err := r.Introspect(ctx, service, root)
	if err != nil {
		return nil, &DiscoveryError{Service: service, Path: root, Err: err}
	}

	tree := &Tree{Service: service, Root: root, Objects: []*Object{rootObj}}
	seen := map[dbus.ObjectPath]bool{root: true}
	level := rootObj.Children

	for depth := 1; len(level) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if depth > r.cfg.MaxDepth {
			for _, p := range level {
				tree.Warnings = append(tree.Warnings, Warning{Service: service, Path: p,
					Err: fmt.Errorf("deeper than %d levels", r.cfg.MaxDepth)})
			}
			break
		}

		var (
			mu   sync.Mutex
			next []dbus.ObjectPath
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Concurrency)
		for _, p := range level {
			if seen[p] {
				continue
			}
			seen[p] = true
			if !p.IsValid() {
				mu.Lock()
				tree.Warnings = append(tree.Warnings, Warning{Service: service, Path: p, Err: fmt.Errorf("invalid object path")})
				mu.Unlock()
				continue
			}
			g.Go(func() error {
				obj, err := r.Introspect(gctx, service, p)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					tree.Warnings = append(tree.Warnings, Warning{Service: service, Path: p, Err: err})
					return nil
				}
				tree.Objects = append(tree.Objects, obj)
				next = append(next, obj.Children...)
				return nil
			})
		}
		_ = g.Wait()
		level = next
	}

	sort.Slice(tree.Objects, func(i, j int) bool { return tree.Objects[i].Path < tree.Objects[j].Path })
	sort.Slice(tree.Warnings, func(i, j int) bool { return tree.Warnings[i].Path < tree.Warnings[j].Path })
	for _, w := range tree.Warnings {
		r.metrics.warning()
		r.logger.Warn("skipped subtree", "service", service, "path", w.Path, "error", w.Err)
	}
	return tree, nil
}

// ReadAll returns the current values of every readable property of iface
func (r *Resolver) ReadAll(ctx context.Context, service string, path dbus.ObjectPath, iface string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DiscoveryTimeout)
	defer cancel()
	values, err := bus.GetAllProperties(ctx, r.conn, service, path, iface)
	if err != nil {
		return nil, errors.WrapTransient(err, "Resolver", "ReadAll", fmt.Sprintf("read properties of %s%s %s", service, path, iface))
	}
	return values, nil
}
