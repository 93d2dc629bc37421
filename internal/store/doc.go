// Package store provides persistent storage for mesh-bridge using SQLite.
//
// # Tables
//
//   - packets: one row per observation, including duplicates heard on a
//     second network. Position and telemetry values are also written to
//     typed columns so history queries need not decode the payload JSON.
//   - node_stats: cumulative per-node statistics, one row per node.
//   - neighbor_edges: directional "node hears neighbor" edges.
//   - identities: public keys resolved to node ids and names.
//
// # Schema
//
// The baseline is versioned with golang-migrate from embedded files in
// migrations/. After that, reconcileColumns adds any nullable column an
// older database lacks, so files written by earlier builds open without a
// manual upgrade step. Both steps are idempotent.
//
// # Writes
//
// SQLite allows one writer at a time. SQLiteStore serializes its own writes
// and retries with a linear backoff when another process holds the lock.
// Retention sweeps delete in small batches so ingestion keeps flowing.
//
// Timestamps are stored as fixed-width UTC text and compare lexically.
//
// # Testing
//
// Use NewMockStore() for pipeline tests that do not need SQL:
//
//	ms := store.NewMockStore()
//	ms.FailWrites(errors.New("disk full"))
//
// Use NewSQLiteStore(":memory:", Options{}, logger) for integration tests.
package store
