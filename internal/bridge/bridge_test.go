// ABOUTME: Tests for the bridge orchestrator with fake radio connections and a real SQLite store
// ABOUTME: Covers the read API, admin gating, readiness, maintenance and the persistence-failure exit

package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/mesh-bridge/internal/auth"
	"github.com/2389/mesh-bridge/internal/config"
	"github.com/2389/mesh-bridge/internal/mesh"
	"github.com/2389/mesh-bridge/internal/normalize"
	"github.com/2389/mesh-bridge/internal/radio"
)

const testSecret = "correct horse"

type sentMsg struct {
	to, text string
}

// fakeConn delivers packets pushed on in and records sends.
type fakeConn struct {
	in     chan normalize.Raw
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
	sent   []sentMsg
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan normalize.Raw, 16), closed: make(chan struct{})}
}

func (f *fakeConn) Run(ctx context.Context, handle func(normalize.Raw)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closed:
			return io.EOF
		case raw := <-f.in:
			handle(raw)
		}
	}
}

func (f *fakeConn) SendText(ctx context.Context, to, text string, channel int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to, text})
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) Sent() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig creates a minimal config with a temporary database and
// loopback addresses.
func testConfig(t *testing.T, secret string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: "127.0.0.1:0",
			HTTPAddr: "127.0.0.1:0",
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(t.TempDir(), "mesh.db"),
		},
		Networks: config.NetworksConfig{
			Primary: config.NetworkConfig{Kind: config.KindSerial, Device: "/dev/null"},
		},
		Admin:   config.AdminConfig{Secret: secret},
		Metrics: config.MetricsConfig{Enabled: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

type testRig struct {
	bridge *Bridge
	conn   *fakeConn
}

func newTestBridge(t *testing.T, cfg *config.Config) *testRig {
	t.Helper()
	conn := newFakeConn()
	primary := radio.Network{
		Name:   "primary",
		Kind:   config.KindSerial,
		Source: mesh.SourceLocalRadio,
		Dial: func(ctx context.Context) (radio.Conn, error) {
			return conn, nil
		},
	}
	b, err := NewWithNetworks(cfg, primary, nil, testLogger())
	if err != nil {
		t.Fatalf("NewWithNetworks: %v", err)
	}
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return &testRig{bridge: b, conn: conn}
}

// start brings up the networks without the servers.
func (r *testRig) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, r.bridge.restore(ctx))
	require.NoError(t, r.bridge.radio.Start(ctx))
}

func textRaw(from string, id int, at time.Time, text string) normalize.MapPacket {
	return normalize.MapPacket{
		"fromId":   from,
		"id":       float64(id),
		"rxTime":   float64(at.Unix()),
		"hopStart": float64(3),
		"hopLimit": float64(3),
		"decoded":  map[string]any{"portnum": "TEXT_MESSAGE_APP", "text": text},
	}
}

// waitForNode blocks until the aggregator knows id.
func waitForNode(t *testing.T, b *Bridge, id string, packets int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, ok := b.aggregator.Get(id)
		return ok && rec.TotalPackets >= packets
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridge_IngestAndQueryNodeStats(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	r.start(t)
	ctx := context.Background()

	now := time.Now()
	r.conn.in <- textRaw("!0000abcd", 1, now, "hello mesh")
	r.conn.in <- textRaw("!0000abcd", 2, now, "second")
	waitForNode(t, r.bridge, "!0000abcd", 2)

	res, err := r.bridge.QueryNodeStats(ctx, "0000ABCD", true)
	require.NoError(t, err)
	assert.False(t, res.NoData)
	assert.Contains(t, res.Text, "!0000abcd")
	assert.Contains(t, res.Text, "2 pkts")
	assert.LessOrEqual(t, len([]rune(res.Text)), 180)

	res, err = r.bridge.QueryNodeStats(ctx, "!deadbeef", false)
	require.NoError(t, err)
	assert.True(t, res.NoData)
}

func TestBridge_QueryNodeStatsFallsBackToStore(t *testing.T) {
	cfg := testConfig(t, testSecret)
	first := newTestBridge(t, cfg)
	first.start(t)
	first.conn.in <- textRaw("!0000abcd", 1, time.Now(), "persist me")
	waitForNode(t, first.bridge, "!0000abcd", 1)
	require.NoError(t, first.bridge.Shutdown(context.Background()))

	second := newTestBridge(t, cfg)
	res, err := second.bridge.QueryNodeStats(context.Background(), "!0000abcd", false)
	require.NoError(t, err)
	assert.False(t, res.NoData, "store holds the node before restore")
	assert.Contains(t, res.Text, "Packets: 1")

	require.NoError(t, second.bridge.restore(context.Background()))
	assert.Equal(t, 1, second.bridge.aggregator.Len())
}

func TestBridge_EmptyReportsAreNoData(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	ctx := context.Background()

	talkers, err := r.bridge.TopTalkers(ctx, 0, 0, true)
	require.NoError(t, err)
	assert.True(t, talkers.NoData)
	assert.Equal(t, "No packets in 24h", talkers.Text)

	links, err := r.bridge.TopPropagationLinks(ctx, time.Hour, 3, false)
	require.NoError(t, err)
	assert.True(t, links.NoData)

	neighbors, err := r.bridge.NeighborReport(ctx, "", true)
	require.NoError(t, err)
	assert.True(t, neighbors.NoData)
}

func TestBridge_NeighborReportFiltersByName(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	ctx := context.Background()

	r.bridge.aggregator.Update(&mesh.Packet{
		FromID:     "!0000beef",
		ToID:       mesh.BroadcastID,
		Kind:       mesh.KindNodeInfo,
		Payload:    mesh.NodeInfoPayload{LongName: "Summit Repeater", ShortName: "SUM"},
		ReceivedAt: time.Now(),
	})
	require.NoError(t, r.bridge.tracker.Record(ctx, "!0000beef", "!0000cafe", mesh.Float(3), nil, 900))
	require.NoError(t, r.bridge.tracker.Record(ctx, "!0000dead", "!0000f00d", nil, nil, 900))

	res, err := r.bridge.NeighborReport(ctx, "summit", true)
	require.NoError(t, err)
	assert.False(t, res.NoData)
	assert.Contains(t, res.Text, "2 nodes, 1 links")
	assert.Contains(t, res.Text, "!0000beef")
}

func TestBridge_TopTalkers(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	r.start(t)

	now := time.Now()
	for i := 1; i <= 3; i++ {
		r.conn.in <- textRaw("!000000aa", i, now, "chatty")
	}
	r.conn.in <- textRaw("!000000bb", 10, now, "quiet")
	waitForNode(t, r.bridge, "!000000bb", 1)
	waitForNode(t, r.bridge, "!000000aa", 3)

	res, err := r.bridge.TopTalkers(context.Background(), time.Hour, 5, true)
	require.NoError(t, err)
	assert.Equal(t, "Top 1h | 1.!000000aa 3 | 2.!000000bb 1", res.Text)
}

func TestBridge_AdminRequiresSecret(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	ctx := context.Background()

	_, err := r.bridge.PurgeHistory(ctx, "wrong", time.Now())
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = r.bridge.PurgeHistory(ctx, "", time.Now())
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.ErrorIs(t, r.bridge.Compact(ctx, "wrong"), auth.ErrUnauthorized)

	res, err := r.bridge.PurgeHistory(ctx, testSecret, time.Now())
	require.NoError(t, err)
	assert.Zero(t, res.Packets)
	require.NoError(t, r.bridge.Compact(ctx, testSecret))
}

func TestBridge_AdminDisabledWithoutSecret(t *testing.T) {
	r := newTestBridge(t, testConfig(t, ""))
	err := r.bridge.Compact(context.Background(), "anything")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestBridge_PurgeKeepsNodeStatistics(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	r.start(t)
	ctx := context.Background()

	r.conn.in <- textRaw("!0000abcd", 1, time.Now().Add(-time.Hour), "old")
	waitForNode(t, r.bridge, "!0000abcd", 1)

	res, err := r.bridge.PurgeHistory(ctx, testSecret, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Packets)

	counts, err := r.bridge.store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Packets)
	assert.Equal(t, int64(1), counts.Nodes)
}

func TestBridge_AnnounceMirrors(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	r.start(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.bridge.Announce(ctx, testSecret, "   "), ErrEmptyAnnouncement)
	require.NoError(t, r.bridge.Announce(ctx, testSecret, "net check at 20:00"))
	assert.Equal(t, []sentMsg{{mesh.BroadcastID, "net check at 20:00"}}, r.conn.Sent())
}

func TestBridge_NewNodeNotification(t *testing.T) {
	cfg := testConfig(t, testSecret)
	cfg.Admin.NotifyNode = "!00000001"
	r := newTestBridge(t, cfg)
	r.start(t)

	r.conn.in <- textRaw("!0000abcd", 1, time.Now(), "hi")
	r.conn.in <- textRaw("!0000abcd", 2, time.Now(), "again")
	waitForNode(t, r.bridge, "!0000abcd", 2)

	sent := r.conn.Sent()
	require.Len(t, sent, 1, "one notice per new node")
	assert.Equal(t, "!00000001", sent[0].to)
	assert.Contains(t, sent[0].text, "New node !0000abcd")
}

func TestBridge_NetworkHealth(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))
	ctx := context.Background()

	r.bridge.updateNetworkHealth()
	resp, err := r.bridge.grpcHealth.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthServicePrefix + "primary"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	r.start(t)
	r.bridge.updateNetworkHealth()
	resp, err = r.bridge.grpcHealth.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthServicePrefix + "primary"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = r.bridge.grpcHealth.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestMaintain_ScheduledBroadcastAndRetention(t *testing.T) {
	cfg := testConfig(t, testSecret)
	cfg.Maintenance.BroadcastText = "bridge online"
	cfg.Maintenance.BroadcastInterval = time.Hour
	cfg.Database.PacketRetention = 24 * time.Hour
	r := newTestBridge(t, cfg)
	r.start(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	r.conn.in <- textRaw("!0000abcd", 1, old, "ancient")
	r.conn.in <- textRaw("!0000abcd", 2, time.Now(), "fresh")
	waitForNode(t, r.bridge, "!0000abcd", 2)

	clock := time.Now()
	r.bridge.now = func() time.Time { return clock }
	r.bridge.lastBroadcast = clock.Add(-2 * time.Hour)
	r.bridge.lastFlush = clock

	r.bridge.maintain(ctx)

	assert.Equal(t, []sentMsg{{mesh.BroadcastID, "bridge online"}}, r.conn.Sent())
	counts, err := r.bridge.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Packets, "packet past retention pruned")

	// Not due again within the interval.
	r.bridge.maintain(ctx)
	assert.Len(t, r.conn.Sent(), 1)
}

func TestRun_PersistenceFailureExits(t *testing.T) {
	cfg := testConfig(t, testSecret)
	cfg.Database.ErrorThreshold = 1
	cfg.Metrics.Enabled = false
	r := newTestBridge(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.bridge.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.bridge.radio.Connected(mesh.SourceLocalRadio)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.bridge.store.Close())
	r.conn.in <- textRaw("!0000abcd", 1, time.Now(), "lost")

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrPersistenceFailing), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after persistence failures")
	}
}

func TestRun_GracefulShutdown(t *testing.T) {
	r := newTestBridge(t, testConfig(t, testSecret))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.bridge.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.bridge.radio.Connected(mesh.SourceLocalRadio)
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_PrimaryUnavailable(t *testing.T) {
	cfg := testConfig(t, testSecret)
	primary := radio.Network{
		Name:   "primary",
		Kind:   config.KindTCP,
		Source: mesh.SourceRemoteRadio,
		Dial: func(ctx context.Context) (radio.Conn, error) {
			return nil, &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		},
	}
	b, err := NewWithNetworks(cfg, primary, nil, testLogger())
	require.NoError(t, err)

	err = b.Run(context.Background())
	assert.ErrorIs(t, err, radio.ErrNoPrimary)
}

func TestShutdown_CheckpointsNodesAheadOfStore(t *testing.T) {
	cfg := testConfig(t, testSecret)
	r := newTestBridge(t, cfg)
	r.start(t)

	r.conn.in <- textRaw("!0000abcd", 1, time.Now(), "stored")
	waitForNode(t, r.bridge, "!0000abcd", 1)
	// An observation whose write never landed.
	r.bridge.aggregator.Update(&mesh.Packet{FromID: "!0000abcd", Kind: mesh.KindUnknown, ReceivedAt: time.Now()})

	require.NoError(t, r.bridge.Shutdown(context.Background()))

	reopened := newTestBridge(t, cfg)
	rec, err := reopened.bridge.store.NodeStats(context.Background(), "!0000abcd")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.TotalPackets)
}

func TestOpenReports_ReadsWithoutNetworks(t *testing.T) {
	cfg := testConfig(t, testSecret)
	r := newTestBridge(t, cfg)
	r.start(t)
	r.conn.in <- textRaw("!0000abcd", 1, time.Now(), "offline")
	waitForNode(t, r.bridge, "!0000abcd", 1)
	require.NoError(t, r.bridge.Shutdown(context.Background()))

	reports, err := OpenReports(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer reports.Close()

	res, err := reports.QueryNodeStats(context.Background(), "!0000abcd", true)
	require.NoError(t, err)
	assert.False(t, res.NoData)

	talkers, err := reports.TopTalkers(context.Background(), time.Hour, 0, false)
	require.NoError(t, err)
	assert.Contains(t, talkers.Text, "1. !0000abcd: 1 packets")
}
