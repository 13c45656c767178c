// Package config loads the dbusbridge process configuration.
//
// Configuration is built in layers:
//
//  1. Defaults from Default()
//  2. Each file added with AddLayer, JSON or YAML by extension, deep-merged
//     over what came before (objects merge, arrays and scalars replace)
//  3. Environment overrides prefixed with DBUSBRIDGE_
//
// The merged document is checked against an embedded JSON Schema before it is
// decoded, so unknown keys and malformed durations are rejected with every
// violation listed. Config.Validate then checks the cross-field rules and the
// gateway settings the configuration maps to.
//
// # Example
//
//	bus:
//	  address: system
//	  allow: ["org.freedesktop.*"]
//	mesh:
//	  root: site/a/dbus
//	nats:
//	  urls: ["nats://nats:4222"]
//	forward:
//	  poll_interval: 10s
//
// # Environment
//
//	DBUSBRIDGE_BUS_ADDRESS    bus address ("session", "system" or a bus address)
//	DBUSBRIDGE_MESH_ROOT      mesh root path
//	DBUSBRIDGE_MESH_BUCKET    KV bucket name
//	DBUSBRIDGE_NATS_URLS      comma separated server URLs
//	DBUSBRIDGE_NATS_USERNAME  NATS credentials
//	DBUSBRIDGE_NATS_PASSWORD
//	DBUSBRIDGE_NATS_TOKEN
//	DBUSBRIDGE_METRICS_PORT   metrics and health port
package config
