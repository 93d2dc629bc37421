// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows pipeline tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/mesh-bridge/internal/mesh"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	packets    []*mesh.Packet
	nodes      map[string]*mesh.NodeRecord // keyed by node ID
	edges      map[string]mesh.NeighborEdge
	identities map[string]Identity // keyed by fmt of the stored key
	writes     int
	failErr    error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		nodes:      make(map[string]*mesh.NodeRecord),
		edges:      make(map[string]mesh.NeighborEdge),
		identities: make(map[string]Identity),
	}
}

// FailWrites makes every following write return err. Pass nil to recover.
func (m *MockStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// RecordObservation appends the packet and replaces the node's snapshot.
func (m *MockStore) RecordObservation(ctx context.Context, pkt *mesh.Packet, rec *mesh.NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	m.writes++

	p := *pkt
	m.packets = append(m.packets, &p)
	if rec != nil {
		if cur, ok := m.nodes[rec.NodeID]; ok && cur.TotalPackets > rec.TotalPackets {
			return nil
		}
		m.nodes[rec.NodeID] = rec.Clone()
	}
	return nil
}

// UpsertNeighbors stores each edge unless a newer one is already present.
func (m *MockStore) UpsertNeighbors(ctx context.Context, edges []mesh.NeighborEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	m.writes++

	for _, e := range edges {
		key := e.NodeID + ">" + e.NeighborID
		if cur, ok := m.edges[key]; ok && cur.ObservedAt.After(e.ObservedAt) {
			continue
		}
		m.edges[key] = e
	}
	return nil
}

// Identities returns all stored identities.
func (m *MockStore) Identities(ctx context.Context) ([]Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Identity, 0, len(m.identities))
	for _, id := range m.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// UpsertIdentity stores id, keeping an existing name when id.Name is empty.
func (m *MockStore) UpsertIdentity(ctx context.Context, id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	m.writes++

	key := fmt.Sprint(id.PublicKey)
	if cur, ok := m.identities[key]; ok && id.Name == "" {
		id.Name = cur.Name
	}
	m.identities[key] = id
	return nil
}

// SeedIdentity stores id without counting a write, for test setup.
func (m *MockStore) SeedIdentity(id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[fmt.Sprint(id.PublicKey)] = id
}

// Writes returns how many writes succeeded.
func (m *MockStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Packets returns copies of every recorded packet in write order.
func (m *MockStore) Packets() []*mesh.Packet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*mesh.Packet, len(m.packets))
	for i, p := range m.packets {
		c := *p
		out[i] = &c
	}
	return out
}

// Node returns a copy of the stored snapshot for id.
func (m *MockStore) Node(id string) (*mesh.NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Edges returns every stored edge ordered by node then neighbor.
func (m *MockStore) Edges() []mesh.NeighborEdge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]mesh.NeighborEdge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].NeighborID < out[j].NeighborID
	})
	return out
}
