package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/dbusbridge/binding"
	"github.com/c360/dbusbridge/codec"
	"github.com/c360/dbusbridge/dispatch"
	"github.com/c360/dbusbridge/errors"
	"github.com/c360/dbusbridge/forward"
	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/mesh"
	"github.com/c360/dbusbridge/namespace"
	"github.com/c360/dbusbridge/watcher"
)

// binder turns discovered services into table bindings for one session
type binder struct {
	mapper     namespace.Mapper
	resolver   *introspection.Resolver
	table      *binding.Table
	dispatcher *dispatch.Dispatcher
	forwarder  *forward.Forwarder
	logger     *slog.Logger
}

var _ watcher.Binder = (*binder)(nil)

// Prepare discovers svc and computes a spec for every bindable member.
// Readable properties start with their current value; methods start with a
// descriptor of their arguments.
func (b *binder) Prepare(ctx context.Context, svc watcher.Service) (*watcher.Plan, error) {
	// every request goes to the owner so a replacement owner is never mixed in
	owner := svc.Owner
	if owner == "" {
		owner = svc.Name
	}
	tree, err := b.resolver.Discover(ctx, owner, "/")
	if err != nil {
		return nil, err
	}

	plan := &watcher.Plan{Service: svc}
	for _, w := range tree.Warnings {
		w.Service = svc.Name
		plan.Warnings = append(plan.Warnings, w)
	}
	for _, obj := range tree.Objects {
		for _, iface := range obj.Interfaces {
			var values map[string]any
			if hasReadable(iface) {
				values, err = b.resolver.ReadAll(ctx, owner, obj.Path, iface.Name)
				if err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					plan.Warnings = append(plan.Warnings, introspection.Warning{
						Service: svc.Name, Path: obj.Path,
						Err: fmt.Errorf("read %s properties: %w", iface.Name, err),
					})
				}
			}

			for _, m := range iface.Members {
				if m.Opaque {
					b.logger.Debug("member not bound", "service", svc.Name, "path", obj.Path,
						"interface", iface.Name, "member", m.Name, "reason", m.Reason)
					continue
				}
				key := namespace.Key{Service: svc.Name, Object: obj.Path, Interface: iface.Name, Member: m.Name}
				path, err := b.mapper.ToMeshPath(key)
				if err != nil {
					plan.Warnings = append(plan.Warnings, introspection.Warning{
						Service: svc.Name, Path: obj.Path, Err: fmt.Errorf("map %s: %w", key, err),
					})
					continue
				}
				plan.Specs = append(plan.Specs, binding.Spec{
					Path:       path,
					Key:        key,
					Owner:      svc.Owner,
					Member:     m,
					Initial:    b.initial(svc, obj, m, values),
					Generation: svc.Generation,
				})
			}
		}
	}
	return plan, nil
}

func hasReadable(iface introspection.Interface) bool {
	for _, m := range iface.Members {
		if !m.Opaque && m.Readable() {
			return true
		}
	}
	return false
}

func (b *binder) initial(svc watcher.Service, obj *introspection.Object, m introspection.Member, values map[string]any) mesh.Value {
	switch m.Kind {
	case introspection.KindMethod:
		return MethodDescriptor(m)
	case introspection.KindReadableProperty, introspection.KindWritableProperty:
		raw, ok := values[m.Name]
		if !ok {
			return mesh.Null()
		}
		v, err := codec.ToMesh(m.Type, raw)
		if err != nil {
			b.logger.Warn("initial value not converted", "service", svc.Name, "path", obj.Path,
				"member", m.Name, "error", err)
			return mesh.Null()
		}
		return v
	case introspection.KindSignal:
	}
	return mesh.Null()
}

// MethodDescriptor describes a method's arguments as
// {"in": [{"name", "type"}...], "out": [...]}
func MethodDescriptor(m introspection.Member) mesh.Value {
	return mesh.StringMap(map[string]mesh.Value{
		"in":  describeArgs(m.In),
		"out": describeArgs(m.Out),
	})
}

func describeArgs(args []introspection.Arg) mesh.Value {
	items := make([]mesh.Value, len(args))
	for i, a := range args {
		items[i] = mesh.StringMap(map[string]mesh.Value{
			"name": mesh.String(a.Name),
			"type": mesh.String(a.Type.String()),
		})
	}
	return mesh.Array(items...)
}

// Commit binds every spec of plan, mesh publication first and bus
// subscription second. Specs that fail are skipped; the first failure is
// returned once the rest are bound.
func (b *binder) Commit(ctx context.Context, plan *watcher.Plan) error {
	var (
		first  error
		failed int
	)
	for _, spec := range plan.Specs {
		var handler mesh.WriteHandler
		if spec.Member.Kind == introspection.KindMethod || spec.Member.Kind == introspection.KindWritableProperty {
			handler = b.dispatcher.HandleWrite
		}

		bound, err := b.table.Bind(ctx, spec, handler)
		if err == nil {
			err = b.forwarder.Watch(ctx, bound)
			if err != nil {
				b.table.Unbind(ctx, bound.Path, nil)
			}
		}
		if err != nil {
			failed++
			if first == nil {
				first = err
			}
			b.logger.Warn("binding skipped", "path", spec.Path, "error", err)
		}
	}
	if first != nil {
		return errors.Wrap(first, "binder", "Commit", fmt.Sprintf("bind %d of %d members of %s",
			failed, len(plan.Specs), plan.Service.Name))
	}
	return nil
}

// Unbind tears down every binding of name, stopping bus delivery and
// pending calls before the mesh side goes.
func (b *binder) Unbind(ctx context.Context, name string) {
	b.resolver.Invalidate(name)
	removed := b.table.Teardown(ctx, name, b.cancel)
	owners := make(map[string]bool)
	for _, bound := range removed {
		if bound.Owner != "" && !owners[bound.Owner] {
			owners[bound.Owner] = true
			b.resolver.Invalidate(bound.Owner)
		}
	}
	if len(removed) > 0 {
		b.logger.Info("service unbound", "service", name, "bindings", len(removed))
	}
}

func (b *binder) cancel(bound *binding.Binding) {
	b.forwarder.Unwatch(context.Background(), bound)
	if n := b.dispatcher.CancelBinding(bound.Path); n > 0 {
		b.logger.Debug("pending calls cancelled", "path", bound.Path, "calls", n)
	}
}
