// Package gateway drives the bridge between one local message bus and the
// mesh.
//
// A Gateway owns a sequence of sessions. Each session starts from a fresh bus
// connection, purges whatever an earlier process left under the mesh root,
// and rebuilds every binding from live introspection. When either
// connection goes away the session is torn down completely and the next one
// starts after a backoff.
//
// # Session Lifecycle
//
//	Disconnected ──► Connecting ──► Connected
//	      ▲               │              │
//	      └───────────────┴──────────────┘
//
// Bindings only exist while Connected. During a session:
//
//	bus NameOwnerChanged ──► watcher ──► binder.Prepare (introspect, read)
//	                                        │
//	                                        ▼
//	                         binder.Commit (publish, subscribe, add match)
//
//	bus signals ──► forwarder ──► mesh publications
//	mesh writes ──► dispatcher ──► bus calls ──► mesh responses
//
// # Usage
//
//	cfg := gateway.DefaultConfig()
//	cfg.Root = "site/dbus"
//
//	gw, err := gateway.New(cfg, dial, meshConn,
//	    gateway.WithLogger(logger),
//	    gateway.WithMetrics(registry))
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// Run returns nil when ctx is cancelled, after the last session has withdrawn
// its bindings.
package gateway
