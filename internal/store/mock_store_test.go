// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on stale snapshots, edge ordering and injected failures

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mesh-bridge/internal/mesh"
)

func TestMockStore_StaleSnapshotIgnored(t *testing.T) {
	ms := NewMockStore()
	ctx := context.Background()

	newer := mesh.NewNodeRecord("!00000001", base)
	newer.TotalPackets = 2
	older := mesh.NewNodeRecord("!00000001", base)
	older.TotalPackets = 1

	require.NoError(t, ms.RecordObservation(ctx, textPacket("a", "!00000001", base), newer))
	require.NoError(t, ms.RecordObservation(ctx, textPacket("b", "!00000001", base), older))

	got, err := ms.Node("!00000001")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TotalPackets)
	assert.Len(t, ms.Packets(), 2)
	assert.Equal(t, 2, ms.Writes())
}

func TestMockStore_EdgesKeepNewest(t *testing.T) {
	ms := NewMockStore()
	ctx := context.Background()

	require.NoError(t, ms.UpsertNeighbors(ctx, []mesh.NeighborEdge{
		{NodeID: "!2", NeighborID: "!1", ObservedAt: base},
		{NodeID: "!1", NeighborID: "!2", ObservedAt: base, SNR: mesh.Float(4)},
	}))
	require.NoError(t, ms.UpsertNeighbors(ctx, []mesh.NeighborEdge{
		{NodeID: "!1", NeighborID: "!2", ObservedAt: base.Add(-time.Minute), SNR: mesh.Float(-9)},
	}))

	edges := ms.Edges()
	require.Len(t, edges, 2)
	assert.Equal(t, "!1", edges[0].NodeID)
	assert.Equal(t, 4.0, *edges[0].SNR)
}

func TestMockStore_FailWrites(t *testing.T) {
	ms := NewMockStore()
	ctx := context.Background()
	boom := errors.New("disk full")

	ms.FailWrites(boom)
	err := ms.RecordObservation(ctx, textPacket("a", "!00000001", base), nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, ms.UpsertIdentity(ctx, Identity{PublicKey: "ab"}), boom)
	assert.Equal(t, 0, ms.Writes())

	ms.FailWrites(nil)
	require.NoError(t, ms.RecordObservation(ctx, textPacket("a", "!00000001", base), nil))
	assert.Equal(t, 1, ms.Writes())
}

func TestMockStore_IdentityKeepsName(t *testing.T) {
	ms := NewMockStore()
	ctx := context.Background()

	ms.SeedIdentity(Identity{NodeID: "!1", Name: "Ridge", PublicKey: "abcd"})
	require.NoError(t, ms.UpsertIdentity(ctx, Identity{NodeID: "!1", PublicKey: "abcd"}))

	ids, err := ms.Identities(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "Ridge", ids[0].Name)
}
