// ABOUTME: In-memory per-node statistics, updated once per normalized packet
// ABOUTME: Telemetry and position are last-value-wins per field; absent fields never overwrite

package stats

import (
	"log/slog"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/2389/mesh-bridge/internal/mesh"
)

// pascalThreshold separates hPa readings from raw Pa. Sea-level pressure is
// about 1013 hPa, so anything above this came in as pascals.
const pascalThreshold = 2000

// Aggregator holds the live NodeRecord for every node seen.
type Aggregator struct {
	mu     sync.Mutex
	nodes  map[string]*mesh.NodeRecord
	logger *slog.Logger
}

// New creates an empty aggregator.
func New(logger *slog.Logger) *Aggregator {
	return &Aggregator{
		nodes:  make(map[string]*mesh.NodeRecord),
		logger: logger.With("component", "stats"),
	}
}

// Load restores records read from the store. Records already present in
// memory are kept when they have seen more packets.
func (a *Aggregator) Load(records []*mesh.NodeRecord) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	loaded := 0
	for _, rec := range records {
		if rec == nil || rec.NodeID == "" {
			continue
		}
		if cur, ok := a.nodes[rec.NodeID]; ok && cur.TotalPackets >= rec.TotalPackets {
			continue
		}
		c := rec.Clone()
		if c.ByKind == nil {
			c.ByKind = make(map[mesh.PayloadKind]int64)
		}
		a.nodes[rec.NodeID] = c
		loaded++
	}
	a.logger.Info("node statistics restored", "nodes", loaded)
	return loaded
}

// Update folds pkt into its sender's record and returns a snapshot of the
// result. created is true when this packet created the record.
func (a *Aggregator) Update(pkt *mesh.Packet) (*mesh.NodeRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.nodes[pkt.FromID]
	if !ok {
		rec = mesh.NewNodeRecord(pkt.FromID, pkt.ReceivedAt)
		a.nodes[pkt.FromID] = rec
	}

	rec.TotalPackets++
	rec.TotalBytes += int64(pkt.SizeBytes)
	rec.ByKind[pkt.Kind]++
	if pkt.ReceivedAt.After(rec.LastSeen) {
		rec.LastSeen = pkt.ReceivedAt
	}
	if pkt.ReceivedAt.Before(rec.FirstSeen) {
		rec.FirstSeen = pkt.ReceivedAt
	}

	switch p := pkt.Payload.(type) {
	case mesh.TextPayload:
		rec.Messages.Count++
		rec.Messages.TotalChars += int64(utf8.RuneCountInString(p.Text))
	case mesh.TelemetryPayload:
		applyTelemetry(rec, p, pkt)
	case mesh.PositionPayload:
		if p.ValidFix() {
			at := pkt.ReceivedAt
			rec.Position.Latitude = mesh.Float(p.Latitude)
			rec.Position.Longitude = mesh.Float(p.Longitude)
			if p.Altitude != nil {
				rec.Position.Altitude = mesh.Float(*p.Altitude)
			}
			rec.Position.UpdatedAt = &at
		}
	case mesh.NodeInfoPayload:
		if p.LongName != "" {
			rec.LongName = p.LongName
		}
		if p.ShortName != "" {
			rec.ShortName = p.ShortName
		}
	}

	switch {
	case pkt.Relayed():
		rec.Routing.Relayed++
	case directlyHeard(pkt):
		rec.Routing.Originated++
	}

	return rec.Clone(), !ok
}

func directlyHeard(pkt *mesh.Packet) bool {
	if hops, ok := pkt.HopsTraveled(); ok {
		return hops == 0
	}
	return pkt.RelayNode != ""
}

func applyTelemetry(rec *mesh.NodeRecord, t mesh.TelemetryPayload, pkt *mesh.Packet) {
	if t.Empty() {
		return
	}
	set := func(dst **float64, v *float64) {
		if v != nil {
			*dst = mesh.Float(*v)
		}
	}
	set(&rec.Telemetry.BatteryLevel, t.BatteryLevel)
	set(&rec.Telemetry.Voltage, t.Voltage)
	set(&rec.Telemetry.Temperature, t.Temperature)
	set(&rec.Telemetry.Humidity, t.Humidity)
	set(&rec.Telemetry.Pressure, NormalizePressure(t.Pressure))
	set(&rec.Telemetry.AirQuality, t.AirQuality)
	at := pkt.ReceivedAt
	rec.Telemetry.UpdatedAt = &at
}

// NormalizePressure converts a reading to hPa. Nil stays nil.
func NormalizePressure(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	if v > pascalThreshold {
		v /= 100
	}
	return &v
}

// Get returns a copy of the node's record.
func (a *Aggregator) Get(id string) (*mesh.NodeRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.nodes[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Position returns the node's last valid fix.
func (a *Aggregator) Position(id string) (lat, lon float64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, found := a.nodes[id]
	if !found || !rec.Position.Known() {
		return 0, 0, false
	}
	return *rec.Position.Latitude, *rec.Position.Longitude, true
}

// Snapshot returns copies of every record ordered by node id.
func (a *Aggregator) Snapshot() []*mesh.NodeRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*mesh.NodeRecord, 0, len(a.nodes))
	for _, rec := range a.nodes {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Len returns the number of known nodes.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}
