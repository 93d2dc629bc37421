// ABOUTME: Tests for node statistics rendering
// ABOUTME: Compact output stays inside the radio budget; detailed output lists known metrics only

package stats

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/2389/mesh-bridge/internal/mesh"
	"github.com/2389/mesh-bridge/internal/report"
)

func sampleRecord() *mesh.NodeRecord {
	rec := mesh.NewNodeRecord("!a1b2c3d4", t0)
	rec.LongName = "Ridge Relay"
	rec.ShortName = "RR"
	rec.TotalPackets = 42
	rec.TotalBytes = 3200
	rec.ByKind[mesh.KindText] = 30
	rec.ByKind[mesh.KindTelemetry] = 12
	rec.Messages = mesh.MessageStats{Count: 30, TotalChars: 600}
	rec.Telemetry.BatteryLevel = mesh.Float(80)
	rec.Telemetry.Voltage = mesh.Float(3.91)
	rec.Position.Latitude = mesh.Float(47.3977)
	rec.Position.Longitude = mesh.Float(8.5456)
	rec.Routing = mesh.RoutingStats{Originated: 30, Relayed: 12}
	rec.LastSeen = t0.Add(time.Hour)
	return rec
}

func TestRender_Compact(t *testing.T) {
	got := Render(sampleRecord(), t0.Add(65*time.Minute), true)
	assert.Equal(t, "!a1b2c3d4 Ridge Relay: 42 pkts 3.1KB, 5m ago | bat 80% 3.91V | 47.3977,8.5456 | direct 30 relayed 12", got)
}

func TestRender_CompactLongNameFits(t *testing.T) {
	rec := sampleRecord()
	rec.LongName = strings.Repeat("very long name ", 30)
	got := Render(rec, t0, true)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), report.CompactLimit)
}

func TestRender_Detailed(t *testing.T) {
	got := Render(sampleRecord(), t0.Add(65*time.Minute), false)
	assert.Contains(t, got, "Node !a1b2c3d4 (Ridge Relay / RR)")
	assert.Contains(t, got, "By kind: Text=30 Telemetry=12")
	assert.Contains(t, got, "Messages: 30 (avg 20 chars)")
	assert.Contains(t, got, "Telemetry: battery 80%, 3.91 V")
	assert.NotContains(t, got, "hPa", "unknown metrics are omitted")
	assert.Contains(t, got, "Routing: 30 direct, 12 relayed")
}
