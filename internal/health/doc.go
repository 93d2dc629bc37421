// Package health watches persistence for sustained failure.
//
// A single failed write is logged and skipped. When failures pile up inside
// the configured window the monitor trips, and the bridge exits non-zero so
// the supervisor restarts it with a fresh database handle.
package health
