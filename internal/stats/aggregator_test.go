// ABOUTME: Tests for the node statistics aggregator
// ABOUTME: Covers counters, telemetry subset preservation, pressure units, routing split and restore

package stats

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mesh-bridge/internal/mesh"
)

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func newTestAggregator() *Aggregator {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func packet(from string, kind mesh.PayloadKind, payload mesh.Payload, at time.Time) *mesh.Packet {
	return &mesh.Packet{
		FromID:     from,
		ToID:       mesh.BroadcastID,
		Kind:       kind,
		Payload:    payload,
		SizeBytes:  10,
		ReceivedAt: at,
	}
}

func TestUpdate_CreatesThenAccumulates(t *testing.T) {
	agg := newTestAggregator()

	rec, created := agg.Update(packet("!a", mesh.KindText, mesh.TextPayload{Text: "héllo"}, t0))
	assert.True(t, created)
	assert.Equal(t, int64(1), rec.TotalPackets)
	assert.Equal(t, int64(5), rec.Messages.TotalChars, "characters, not bytes")

	rec, created = agg.Update(packet("!a", mesh.KindEncrypted, nil, t0.Add(time.Minute)))
	assert.False(t, created)
	assert.Equal(t, int64(2), rec.TotalPackets)
	assert.Equal(t, int64(20), rec.TotalBytes)
	assert.Equal(t, int64(1), rec.ByKind[mesh.KindEncrypted])
	assert.Equal(t, int64(1), rec.Messages.Count)
	assert.True(t, rec.FirstSeen.Equal(t0))
	assert.True(t, rec.LastSeen.Equal(t0.Add(time.Minute)))
}

func TestUpdate_ReturnsSnapshot(t *testing.T) {
	agg := newTestAggregator()
	rec, _ := agg.Update(packet("!a", mesh.KindUnknown, nil, t0))
	rec.TotalPackets = 99
	rec.ByKind[mesh.KindUnknown] = 99

	got, ok := agg.Get("!a")
	require.True(t, ok)
	assert.Equal(t, int64(1), got.TotalPackets)
	assert.Equal(t, int64(1), got.ByKind[mesh.KindUnknown])
}

func TestUpdate_TelemetrySubsetPreserved(t *testing.T) {
	agg := newTestAggregator()

	agg.Update(packet("!a", mesh.KindTelemetry, mesh.TelemetryPayload{
		BatteryLevel: mesh.Float(80),
		Temperature:  mesh.Float(21.5),
	}, t0))
	rec, _ := agg.Update(packet("!a", mesh.KindTelemetry, mesh.TelemetryPayload{
		Humidity: mesh.Float(40),
	}, t0.Add(time.Minute)))

	require.NotNil(t, rec.Telemetry.BatteryLevel)
	assert.Equal(t, 80.0, *rec.Telemetry.BatteryLevel)
	assert.Equal(t, 21.5, *rec.Telemetry.Temperature)
	assert.Equal(t, 40.0, *rec.Telemetry.Humidity)
	assert.Nil(t, rec.Telemetry.Voltage)
	assert.True(t, rec.Telemetry.UpdatedAt.Equal(t0.Add(time.Minute)))
}

func TestUpdate_EmptyTelemetryLeavesTimestamp(t *testing.T) {
	agg := newTestAggregator()
	rec, _ := agg.Update(packet("!a", mesh.KindTelemetry, mesh.TelemetryPayload{}, t0))
	assert.Nil(t, rec.Telemetry.UpdatedAt)
}

func TestNormalizePressure(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{1013.25, 1013.25},
		{101325, 1013.25},
		{2000, 2000},
		{850, 850},
	}
	for _, tt := range tests {
		got := NormalizePressure(&tt.in)
		assert.InDelta(t, tt.want, *got, 1e-9, "input %v", tt.in)
	}
	assert.Nil(t, NormalizePressure(nil))
}

func TestUpdate_PositionIgnoresNoFix(t *testing.T) {
	agg := newTestAggregator()

	agg.Update(packet("!a", mesh.KindPosition, mesh.PositionPayload{Latitude: 45.5, Longitude: -122.6, Altitude: mesh.Float(30)}, t0))
	agg.Update(packet("!a", mesh.KindPosition, mesh.PositionPayload{}, t0.Add(time.Minute)))

	lat, lon, ok := agg.Position("!a")
	require.True(t, ok)
	assert.Equal(t, 45.5, lat)
	assert.Equal(t, -122.6, lon)

	_, _, ok = agg.Position("!missing")
	assert.False(t, ok)
}

func TestUpdate_NodeInfoNames(t *testing.T) {
	agg := newTestAggregator()
	agg.Update(packet("!a", mesh.KindNodeInfo, mesh.NodeInfoPayload{LongName: "Hilltop Relay", ShortName: "HR"}, t0))
	rec, _ := agg.Update(packet("!a", mesh.KindNodeInfo, mesh.NodeInfoPayload{ShortName: "HR2"}, t0))

	assert.Equal(t, "Hilltop Relay", rec.LongName)
	assert.Equal(t, "HR2", rec.ShortName)
}

func TestUpdate_RoutingSplit(t *testing.T) {
	agg := newTestAggregator()

	direct := packet("!0000abcd", mesh.KindText, mesh.TextPayload{}, t0)
	direct.HopStart, direct.HopLimit = mesh.Int(3), mesh.Int(3)
	relayedByHops := packet("!0000abcd", mesh.KindText, mesh.TextPayload{}, t0)
	relayedByHops.HopStart, relayedByHops.HopLimit = mesh.Int(3), mesh.Int(1)
	relayedByNode := packet("!0000abcd", mesh.KindText, mesh.TextPayload{}, t0)
	relayedByNode.RelayNode = "7f"
	unknown := packet("!0000abcd", mesh.KindText, mesh.TextPayload{}, t0)
	ownByteButHops := packet("!0000abcd", mesh.KindText, mesh.TextPayload{}, t0)
	ownByteButHops.RelayNode = "cd"
	ownByteButHops.HopStart, ownByteButHops.HopLimit = mesh.Int(3), mesh.Int(2)
	ownByteNoHops := packet("!0000abcd", mesh.KindText, mesh.TextPayload{}, t0)
	ownByteNoHops.RelayNode = "cd"

	for _, p := range []*mesh.Packet{direct, relayedByHops, relayedByNode, unknown, ownByteButHops, ownByteNoHops} {
		agg.Update(p)
	}
	rec, _ := agg.Get("!0000abcd")
	assert.Equal(t, int64(2), rec.Routing.Originated)
	assert.Equal(t, int64(3), rec.Routing.Relayed)
}

func TestLoad_RestoresAndKeepsNewer(t *testing.T) {
	agg := newTestAggregator()
	agg.Update(packet("!a", mesh.KindText, mesh.TextPayload{Text: "x"}, t0))
	agg.Update(packet("!a", mesh.KindText, mesh.TextPayload{Text: "y"}, t0))

	stored := mesh.NewNodeRecord("!a", t0)
	stored.TotalPackets = 1
	other := mesh.NewNodeRecord("!b", t0)
	other.TotalPackets = 7
	other.ByKind = nil

	n := agg.Load([]*mesh.NodeRecord{stored, other, nil})
	assert.Equal(t, 1, n)

	a, _ := agg.Get("!a")
	assert.Equal(t, int64(2), a.TotalPackets)

	rec, _ := agg.Update(packet("!b", mesh.KindRouting, mesh.RoutingPayload{}, t0))
	assert.Equal(t, int64(8), rec.TotalPackets)
	assert.Equal(t, int64(1), rec.ByKind[mesh.KindRouting])
}

func TestSnapshot_Ordered(t *testing.T) {
	agg := newTestAggregator()
	for _, id := range []string{"!c", "!a", "!b"} {
		agg.Update(packet(id, mesh.KindUnknown, nil, t0))
	}
	snap := agg.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"!a", "!b", "!c"}, []string{snap[0].NodeID, snap[1].NodeID, snap[2].NodeID})
	assert.Equal(t, 3, agg.Len())
}

func TestUpdate_Concurrent(t *testing.T) {
	agg := newTestAggregator()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				agg.Update(packet("!a", mesh.KindText, mesh.TextPayload{Text: "hi"}, t0))
			}
		}()
	}
	wg.Wait()

	rec, _ := agg.Get("!a")
	assert.Equal(t, int64(800), rec.TotalPackets)
	assert.Equal(t, int64(1600), rec.Messages.TotalChars)
}
