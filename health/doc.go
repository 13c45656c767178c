// Package health reports the health of the gateway and its bus and mesh connections.
//
// A Monitor holds the latest Status per named part of the gateway. The session
// loop records "bus", "mesh" and "session" as connections come and go, and the
// metrics server renders Monitor.AggregateHealth as JSON on /health:
//
//	monitor := health.NewMonitor()
//	monitor.Observe("bus", err, "connected to session bus")
//	status := monitor.AggregateHealth("dbusbridge")
//
// Error messages are sanitized before they are stored: URLs, bus addresses,
// filesystem paths, IP addresses, ports and credential-looking pairs are
// replaced with placeholders.
package health
