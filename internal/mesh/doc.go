// Package mesh defines the canonical records every other package speaks.
//
// Raw frames from different radio stacks are converted into a single Packet by
// the normalize package. Node statistics (NodeRecord), neighbor edges
// (NeighborEdge) and derived links (PropagationLink) are expressed here so the
// store, the aggregator and the analyzers share one vocabulary.
//
// Node ids are strings. Numeric radio node numbers render as "!%08x"; the
// broadcast destination is BroadcastID.
package mesh
