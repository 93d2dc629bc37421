// Package identity resolves short public-key fingerprints to node identities.
//
// The Directory is the local tier: every known key in canonical hex, loaded
// from the store at startup, taught by NodeInfo packets, and flushed back
// periodically. The Resolver adds a second tier that asks a network's own
// contact directory and remembers what it finds.
package identity
