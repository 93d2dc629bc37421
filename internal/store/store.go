// ABOUTME: Store types and sentinel errors for mesh-bridge persistence
// ABOUTME: Row types that are not already canonical mesh records live here

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/mesh-bridge/internal/mesh"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("store closed")

// Identity is a stored public key and the node that owns it.
// PublicKey holds whatever the column contained: older rows may carry
// base64 text or a raw BLOB, newer rows lower-case hex.
type Identity struct {
	NodeID    string
	Name      string
	PublicKey any
	UpdatedAt time.Time
}

// Talker is one row of the top-talkers ranking.
type Talker struct {
	NodeID    string
	LongName  string
	ShortName string
	Packets   int64
	Bytes     int64
	LastSeen  time.Time
}

// DisplayName prefers the long name, then the short name, then the id.
func (t Talker) DisplayName() string {
	switch {
	case t.LongName != "":
		return t.LongName
	case t.ShortName != "":
		return t.ShortName
	}
	return t.NodeID
}

// Counts summarizes table sizes.
type Counts struct {
	Packets    int64
	Nodes      int64
	Edges      int64
	Identities int64
}

// PurgeResult reports what a history purge removed.
type PurgeResult struct {
	Packets   int64
	Neighbors int64
}

// Store is the write surface the ingest pipeline depends on.
// SQLiteStore and MockStore both implement it.
type Store interface {
	RecordObservation(ctx context.Context, pkt *mesh.Packet, rec *mesh.NodeRecord) error
	UpsertNeighbors(ctx context.Context, edges []mesh.NeighborEdge) error
	Identities(ctx context.Context) ([]Identity, error)
	UpsertIdentity(ctx context.Context, id Identity) error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
