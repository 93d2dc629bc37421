// ABOUTME: Tests for the ingestion pipeline using the mock and SQLite stores
// ABOUTME: Covers exactly-once writes, cross-network duplicates, side channels and health tripping

package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mesh-bridge/internal/dedupe"
	"github.com/2389/mesh-bridge/internal/health"
	"github.com/2389/mesh-bridge/internal/identity"
	"github.com/2389/mesh-bridge/internal/mesh"
	"github.com/2389/mesh-bridge/internal/metrics"
	"github.com/2389/mesh-bridge/internal/normalize"
	"github.com/2389/mesh-bridge/internal/stats"
	"github.com/2389/mesh-bridge/internal/store"
)

var t0 = time.Date(2026, 5, 10, 14, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNeighbors struct {
	mu      sync.Mutex
	reports []string
	err     error
}

func (f *fakeNeighbors) RecordPayload(ctx context.Context, reporter string, observedAt time.Time, payload any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.reports = append(f.reports, reporter)
	info := payload.(mesh.NeighborInfoPayload)
	return len(info.Neighbors), nil
}

type notice struct {
	node string
	kind mesh.PayloadKind
}

type rig struct {
	pipeline  *Pipeline
	agg       *stats.Aggregator
	store     *store.MockStore
	neighbors *fakeNeighbors
	dir       *identity.Directory
	monitor   *health.ErrorRateMonitor
	reg       *prometheus.Registry
	notices   []notice
}

func newRig(t *testing.T) *rig {
	t.Helper()
	seen := dedupe.New(time.Minute, 1000)
	t.Cleanup(seen.Close)

	r := &rig{
		agg:       stats.New(testLogger()),
		store:     store.NewMockStore(),
		neighbors: &fakeNeighbors{},
		monitor:   health.NewErrorRateMonitor(time.Minute, 3, testLogger()),
		reg:       prometheus.NewRegistry(),
	}
	r.dir = identity.NewDirectory(r.store, testLogger())
	r.pipeline = New(Options{
		Normalizer: normalize.New(seen, testLogger()),
		Aggregator: r.agg,
		Store:      r.store,
		Neighbors:  r.neighbors,
		Identities: r.dir,
		Health:     r.monitor,
		Metrics:    metrics.NewRecorder(r.reg),
		Notifier: NotifierFunc(func(ctx context.Context, rec *mesh.NodeRecord, pkt *mesh.Packet) {
			r.notices = append(r.notices, notice{rec.NodeID, pkt.Kind})
		}),
	}, testLogger())
	return r
}

func decoded(from string, id int, at time.Time, d map[string]any) normalize.MapPacket {
	return normalize.MapPacket{
		"fromId":  from,
		"id":      float64(id),
		"rxTime":  float64(at.Unix()),
		"decoded": d,
	}
}

func textRaw(from string, id int, at time.Time, text string) normalize.MapPacket {
	return decoded(from, id, at, map[string]any{"portnum": "TEXT_MESSAGE_APP", "text": text})
}

func positionRaw(from string, id int, at time.Time, lat, lon float64) normalize.MapPacket {
	return decoded(from, id, at, map[string]any{
		"portnum":  "POSITION_APP",
		"position": map[string]any{"latitudeI": lat * 1e7, "longitudeI": lon * 1e7},
	})
}

func telemetryRaw(from string, id int, at time.Time, battery float64) normalize.MapPacket {
	return decoded(from, id, at, map[string]any{
		"portnum":   "TELEMETRY_APP",
		"telemetry": map[string]any{"deviceMetrics": map[string]any{"batteryLevel": battery}},
	})
}

func TestIngest_ExactlyOnceForEveryKind(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	from := "!0000000a"

	raws := []normalize.Raw{
		textRaw(from, 1, t0, "hello"),
		positionRaw(from, 2, t0, 47.3977, 8.5456),
		telemetryRaw(from, 3, t0, 88),
		decoded(from, 4, t0, map[string]any{
			"portnum": "NODEINFO_APP",
			"user":    map[string]any{"id": from, "longName": "Ridge Relay", "publicKey": "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="},
		}),
		decoded(from, 5, t0, map[string]any{
			"portnum":      "NEIGHBORINFO_APP",
			"neighborInfo": map[string]any{"nodeId": from, "neighbors": []any{map[string]any{"nodeId": "!0000000b", "snr": 3.5}}},
		}),
		decoded(from, 6, t0, map[string]any{"portnum": "ROUTING_APP", "routing": map[string]any{"errorReason": 0}}),
		normalize.MapPacket{"fromId": from, "id": float64(7), "encrypted": "q83vEjRWeJA="},
		normalize.MapPacket{"fromId": from, "id": float64(8)},
	}
	for _, raw := range raws {
		_, err := r.pipeline.Ingest(ctx, raw, mesh.SourceLocalRadio)
		require.NoError(t, err)
	}

	assert.Equal(t, len(raws), r.store.Writes(), "one write per packet")
	assert.Len(t, r.store.Packets(), len(raws))

	rec, ok := r.agg.Get(from)
	require.True(t, ok)
	assert.Equal(t, int64(len(raws)), rec.TotalPackets, "one aggregator update per packet")
	for _, kind := range []mesh.PayloadKind{
		mesh.KindText, mesh.KindPosition, mesh.KindTelemetry, mesh.KindNodeInfo,
		mesh.KindNeighborInfo, mesh.KindRouting, mesh.KindEncrypted, mesh.KindUnknown,
	} {
		assert.Equal(t, int64(1), rec.ByKind[kind], "kind %s", kind)
	}
	assert.Equal(t, "Ridge Relay", rec.LongName)

	stored, err := r.store.Node(from)
	require.NoError(t, err)
	assert.Equal(t, rec.TotalPackets, stored.TotalPackets)

	// Side channels.
	assert.Equal(t, []string{from}, r.neighbors.reports)
	entry, ok := r.dir.Lookup("000102")
	require.True(t, ok)
	assert.Equal(t, from, entry.NodeID)

	// One notice, for the packet that created the node.
	assert.Equal(t, []notice{{from, mesh.KindText}}, r.notices)

	n, err := testutil.GatherAndCount(r.reg, "meshbridge_packets_ingested_total")
	require.NoError(t, err)
	assert.Equal(t, len(raws), n, "one series per kind")
}

func TestIngest_CrossNetworkDuplicate(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	raw := textRaw("!0000000a", 4242, t0, "heard twice")

	first, err := r.pipeline.Ingest(ctx, raw, mesh.SourceLocalRadio)
	require.NoError(t, err)
	second, err := r.pipeline.Ingest(ctx, raw, mesh.SourceSecondary)
	require.NoError(t, err)

	assert.True(t, first.FirstSighting)
	assert.False(t, second.FirstSighting)

	pkts := r.store.Packets()
	require.Len(t, pkts, 2, "both observations persisted")
	assert.NotEqual(t, pkts[0].ObservationID, pkts[1].ObservationID)

	rec, _ := r.agg.Get("!0000000a")
	assert.Equal(t, int64(2), rec.TotalPackets)
	assert.Len(t, r.notices, 1)

	dups, err := testutil.GatherAndCount(r.reg, "meshbridge_duplicate_observations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, dups)
}

func TestIngest_DuplicateOfUnseenNodeDoesNotNotify(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	// The aggregator restarted empty but the dedupe window still holds the key.
	raw := textRaw("!0000000c", 9, t0, "x")
	_, err := r.pipeline.Ingest(ctx, raw, mesh.SourceLocalRadio)
	require.NoError(t, err)
	r.notices = nil
	r.agg = stats.New(testLogger())
	r.pipeline.aggregator = r.agg

	pkt, err := r.pipeline.Ingest(ctx, raw, mesh.SourceSecondary)
	require.NoError(t, err)
	assert.False(t, pkt.FirstSighting)
	assert.Empty(t, r.notices)
}

func TestIngest_TelemetrySubsetPreserved(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	from := "!0000000d"

	_, err := r.pipeline.Ingest(ctx, decoded(from, 1, t0, map[string]any{
		"portnum": "TELEMETRY_APP",
		"telemetry": map[string]any{
			"deviceMetrics":      map[string]any{"batteryLevel": 90.0, "voltage": 4.1},
			"environmentMetrics": map[string]any{"temperature": 18.5, "barometricPressure": 101325.0},
		},
	}), mesh.SourceLocalRadio)
	require.NoError(t, err)
	_, err = r.pipeline.Ingest(ctx, telemetryRaw(from, 2, t0.Add(time.Minute), 85), mesh.SourceLocalRadio)
	require.NoError(t, err)

	stored, err := r.store.Node(from)
	require.NoError(t, err)
	tel := stored.Telemetry
	require.NotNil(t, tel.BatteryLevel)
	assert.Equal(t, 85.0, *tel.BatteryLevel)
	require.NotNil(t, tel.Voltage)
	assert.Equal(t, 4.1, *tel.Voltage)
	require.NotNil(t, tel.Temperature)
	assert.Equal(t, 18.5, *tel.Temperature)
	require.NotNil(t, tel.Pressure)
	assert.InDelta(t, 1013.25, *tel.Pressure, 1e-9, "pascals normalized to hPa")
}

func TestIngest_PersistenceFailureTripsHealth(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	boom := errors.New("database is locked")
	r.store.FailWrites(boom)

	for i := 1; i <= 3; i++ {
		_, err := r.pipeline.Ingest(ctx, textRaw("!0000000a", i, t0, "x"), mesh.SourceLocalRadio)
		assert.ErrorIs(t, err, boom)
	}

	select {
	case <-r.monitor.Tripped():
	default:
		t.Fatal("monitor should trip after three failures")
	}
	rec, ok := r.agg.Get("!0000000a")
	require.True(t, ok, "aggregator still updated while the store is failing")
	assert.Equal(t, int64(3), rec.TotalPackets)
}

func TestIngest_NeighborFailureCounted(t *testing.T) {
	r := newRig(t)
	r.neighbors.err = errors.New("disk I/O error")

	_, err := r.pipeline.Ingest(context.Background(), decoded("!0000000a", 1, t0, map[string]any{
		"portnum":      "NEIGHBORINFO_APP",
		"neighborInfo": map[string]any{"nodeId": "!0000000a", "neighbors": []any{map[string]any{"nodeId": "!0000000b"}}},
	}), mesh.SourceLocalRadio)
	require.NoError(t, err, "the observation itself was written")
	assert.Equal(t, 1, r.monitor.Failures())
}

func TestHandle_DropsFramesWithoutSender(t *testing.T) {
	r := newRig(t)
	r.pipeline.Handle(context.Background(), normalize.MapPacket{"toId": "!00000001"}, mesh.SourceLocalRadio)
	assert.Equal(t, 0, r.store.Writes())
	assert.Equal(t, 0, r.agg.Len())
}

func TestIngest_TopTalkerScenario(t *testing.T) {
	seen := dedupe.New(time.Minute, 1000)
	t.Cleanup(seen.Close)
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"), store.Options{}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	agg := stats.New(testLogger())
	p := New(Options{
		Normalizer: normalize.New(seen, testLogger()),
		Aggregator: agg,
		Store:      db,
	}, testLogger())
	ctx := context.Background()

	a, b := "!000000aa", "!000000bb"
	id := 0
	next := func() int { id++; return id }
	ingest := func(raw normalize.Raw) {
		t.Helper()
		_, err := p.Ingest(ctx, raw, mesh.SourceLocalRadio)
		require.NoError(t, err)
	}

	ingest(positionRaw(a, next(), t0, 47.1, 8.1))
	ingest(telemetryRaw(a, next(), t0.Add(time.Minute), 70))
	ingest(positionRaw(a, next(), t0.Add(2*time.Minute), 47.2, 8.2))
	ingest(telemetryRaw(a, next(), t0.Add(3*time.Minute), 69))
	ingest(positionRaw(a, next(), t0.Add(4*time.Minute), 47.3, 8.3))
	for i := 0; i < 3; i++ {
		ingest(textRaw(b, next(), t0.Add(time.Duration(i)*time.Minute), "hi"))
	}

	talkers, err := db.TopTalkers(ctx, t0.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, talkers, 2)
	assert.Equal(t, a, talkers[0].NodeID)
	assert.Equal(t, int64(5), talkers[0].Packets)
	assert.Equal(t, b, talkers[1].NodeID)

	recA, err := db.NodeStats(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, recA.Position.Latitude)
	assert.InDelta(t, 47.3, *recA.Position.Latitude, 1e-6)
	assert.InDelta(t, 8.3, *recA.Position.Longitude, 1e-6)

	recB, err := db.NodeStats(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(3), recB.ByKind[mesh.KindText])
}
