// Package natsclient manages the gateway's NATS connection.
//
// The Client wraps nats.go with a circuit breaker, connection state tracking
// and health callbacks, and exposes the JetStream key-value buckets the mesh
// adapter stores published values in.
//
// # Connection lifecycle
//
// Status moves through Disconnected, Connecting, Connected and Reconnecting.
// After a configurable number of consecutive failures (default 5) the circuit
// opens and Connect fails fast with ErrCircuitOpen until the backoff elapses.
// The backoff doubles on every failed round, capped by WithMaxBackoff.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithMaxReconnects(-1),
//	    natsclient.WithHealthChangeCallback(func(healthy bool) {
//	        slog.Info("nats health", "healthy", healthy)
//	    }),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
// # Key-value buckets
//
// CreateKeyValueBucket opens a bucket or creates it when missing, tolerating a
// creation race with another instance. KVStore adds per-operation timeouts,
// value size limits and typed errors:
//
//	bucket, _ := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "dbus"})
//	kv := client.NewKVStore(bucket, natsclient.WithKVMetrics(registry))
//	rev, err := kv.Put(ctx, "local/dbus/com.example.Clock/Clock/Time", data)
//
// # Testing
//
// NewTestClient starts a NATS server in a testcontainer. Tests that use it are
// built with the integration tag.
package natsclient
