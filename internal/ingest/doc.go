// Package ingest is the bridge's write path.
//
// Every packet read from any network goes through Pipeline.Ingest, which
// normalizes it, applies it to the node statistics aggregator, and records one
// observation in the store. Duplicates heard on a second network are still
// recorded; they carry FirstSighting=false and never trigger a new-node
// notification.
//
// NeighborInfo payloads additionally feed the topology tracker, and NodeInfo
// public keys teach the identity directory. Persistence failures are counted
// by the health monitor, which decides when the process should restart.
package ingest
