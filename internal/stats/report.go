// ABOUTME: Text rendering of one node's cumulative statistics
// ABOUTME: Compact form fits a radio message; detailed form lists every known metric

package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/2389/mesh-bridge/internal/mesh"
	"github.com/2389/mesh-bridge/internal/report"
)

// Render formats rec as of now.
func Render(rec *mesh.NodeRecord, now time.Time, compact bool) string {
	if compact {
		return renderCompact(rec, now)
	}
	return renderDetailed(rec, now)
}

func renderCompact(rec *mesh.NodeRecord, now time.Time) string {
	head := rec.NodeID
	if name := rec.DisplayName(); name != rec.NodeID {
		head += " " + name
	}
	parts := []string{
		fmt.Sprintf("%s: %d pkts %s, %s", head, rec.TotalPackets, report.Bytes(rec.TotalBytes), report.Ago(now, rec.LastSeen)),
	}
	if tel := telemetryLine(rec.Telemetry, true); tel != "" {
		parts = append(parts, tel)
	}
	if rec.Position.Known() {
		parts = append(parts, fmt.Sprintf("%.4f,%.4f", *rec.Position.Latitude, *rec.Position.Longitude))
	}
	parts = append(parts, fmt.Sprintf("direct %d relayed %d", rec.Routing.Originated, rec.Routing.Relayed))
	return report.Join(parts...)
}

func renderDetailed(rec *mesh.NodeRecord, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Node %s", rec.NodeID)
	if rec.LongName != "" || rec.ShortName != "" {
		fmt.Fprintf(&b, " (%s", rec.LongName)
		if rec.ShortName != "" {
			if rec.LongName != "" {
				b.WriteString(" / ")
			}
			b.WriteString(rec.ShortName)
		}
		b.WriteString(")")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Packets: %d (%s)\n", rec.TotalPackets, report.Bytes(rec.TotalBytes))
	fmt.Fprintf(&b, "First seen: %s\n", rec.FirstSeen.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Last seen: %s (%s)\n", rec.LastSeen.UTC().Format(time.RFC3339), report.Ago(now, rec.LastSeen))

	kinds := make([]mesh.PayloadKind, 0, len(rec.ByKind))
	for k := range rec.ByKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if rec.ByKind[kinds[i]] != rec.ByKind[kinds[j]] {
			return rec.ByKind[kinds[i]] > rec.ByKind[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	if len(kinds) > 0 {
		b.WriteString("By kind:")
		for _, k := range kinds {
			fmt.Fprintf(&b, " %s=%d", k, rec.ByKind[k])
		}
		b.WriteString("\n")
	}
	if rec.Messages.Count > 0 {
		fmt.Fprintf(&b, "Messages: %d (avg %.0f chars)\n",
			rec.Messages.Count, float64(rec.Messages.TotalChars)/float64(rec.Messages.Count))
	}
	if tel := telemetryLine(rec.Telemetry, false); tel != "" {
		fmt.Fprintf(&b, "Telemetry: %s", tel)
		if rec.Telemetry.UpdatedAt != nil {
			fmt.Fprintf(&b, " (%s)", report.Ago(now, *rec.Telemetry.UpdatedAt))
		}
		b.WriteString("\n")
	}
	if rec.Position.Known() {
		fmt.Fprintf(&b, "Position: %.5f, %.5f", *rec.Position.Latitude, *rec.Position.Longitude)
		if rec.Position.Altitude != nil {
			fmt.Fprintf(&b, " alt %.0fm", *rec.Position.Altitude)
		}
		if rec.Position.UpdatedAt != nil {
			fmt.Fprintf(&b, " (%s)", report.Ago(now, *rec.Position.UpdatedAt))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Routing: %d direct, %d relayed", rec.Routing.Originated, rec.Routing.Relayed)
	return b.String()
}

// telemetryLine lists the metrics that are known, tersely when short is set.
func telemetryLine(t mesh.TelemetryStats, short bool) string {
	var parts []string
	add := func(v *float64, shortFmt, longFmt string) {
		if v == nil {
			return
		}
		if short {
			parts = append(parts, fmt.Sprintf(shortFmt, *v))
		} else {
			parts = append(parts, fmt.Sprintf(longFmt, *v))
		}
	}
	add(t.BatteryLevel, "bat %.0f%%", "battery %.0f%%")
	add(t.Voltage, "%.2fV", "%.2f V")
	add(t.Temperature, "%.1fC", "%.1f °C")
	add(t.Humidity, "%.0f%%RH", "humidity %.0f%%")
	add(t.Pressure, "%.0fhPa", "%.1f hPa")
	add(t.AirQuality, "IAQ %.0f", "IAQ %.0f")
	if short {
		return strings.Join(parts, " ")
	}
	return strings.Join(parts, ", ")
}
