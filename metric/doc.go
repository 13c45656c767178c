// Package metric provides the Prometheus metrics registry and the HTTP server
// exposing /metrics and /health for the gateway.
//
// The package has three layers:
//
//  1. Core metrics: session, bus and NATS gauges registered at construction (Metrics type)
//  2. Component registry: dispatcher, forwarder, watcher and worker pool metrics
//     registered through MetricsRegistrar under a component name
//  3. HTTP server: promhttp handler plus a JSON health endpoint (Server type)
//
// # Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry, func() health.Status {
//	    return monitor.AggregateHealth("dbusbridge")
//	})
//	go server.Run(ctx)
//
// Components keep their metrics in nil-safe structs so that tests can pass a
// nil registrar:
//
//	func newDispatchMetrics(r metric.MetricsRegistrar) *dispatchMetrics {
//	    if r == nil {
//	        return nil
//	    }
//	    ...
//	}
//
// Duplicate registration under the same component and metric name returns an
// invalid-class error. The gateway unregisters per-session component metrics
// with UnregisterAll before the next session registers them again.
package metric
