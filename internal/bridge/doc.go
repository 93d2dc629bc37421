// Package bridge orchestrates the mesh-bridge server components.
//
// # Overview
//
// The Bridge owns every long-lived component: the SQLite store, the radio
// manager with its primary and optional secondary network, the ingest
// pipeline, the statistics aggregator, the topology tracker, the propagation
// analyzer and the identity resolver. Run restores in-memory state from the
// store, brings up the networks, then serves HTTP and gRPC until shutdown.
//
// # Lifecycle
//
//	b, err := bridge.New(cfg, logger)
//	if err != nil { ... }
//	err = b.Run(ctx) // blocks; returns ErrPersistenceFailing when the store keeps failing
//
// A primary network that cannot be reached is fatal. A missing secondary
// leaves the bridge in single-network mode until the watchdog redials it.
//
// # HTTP API
//
//   - GET /api/nodes/{id} - Node statistics
//   - GET /api/neighbors - Neighbor topology (filter)
//   - GET /api/links - Longest direct links (window, n)
//   - GET /api/talkers - Top talkers (window, n)
//   - GET /api/identities/{prefix} - Resolve a key fingerprint prefix
//   - GET /api/status - Networks, counters, store sizes
//   - POST /api/admin/purge - Delete history (admin secret)
//   - POST /api/admin/compact - Compact the database (admin secret)
//   - POST /api/admin/announce - Broadcast on every network (admin secret)
//   - GET /health - Liveness check
//   - GET /health/ready - Primary connected and persistence healthy
//
// Report endpoints accept compact=1 for the single radio message form.
//
// # gRPC
//
// The standard grpc.health.v1 service reports the bridge as a whole under
// the empty service name and each network under "meshbridge.network.<name>".
//
// # Maintenance
//
// One goroutine runs every maintenance.interval: the silence watchdog,
// packet and neighbor retention sweeps, the identity flush and the optional
// scheduled broadcast on the primary network.
package bridge
