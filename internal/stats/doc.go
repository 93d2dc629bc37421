// Package stats keeps the live per-node statistics.
//
// The Aggregator is the in-memory half of a NodeRecord; the store holds the
// durable half. The ingest pipeline calls Update exactly once per normalized
// packet and writes the returned snapshot in the same transaction as the
// packet row, so memory and disk move together. At startup Load restores
// what the store already knows.
package stats
