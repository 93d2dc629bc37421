// ABOUTME: Persistent per-node statistics and topology records
// ABOUTME: NodeRecord, NeighborEdge, and the derived PropagationLink

package mesh

import "time"

// MessageStats counts text messages sent by a node.
type MessageStats struct {
	Count      int64
	TotalChars int64
}

// TelemetryStats holds the latest known value of each metric.
// Fields stay nil until a packet carries that metric.
type TelemetryStats struct {
	BatteryLevel *float64
	Voltage      *float64
	Temperature  *float64
	Humidity     *float64
	Pressure     *float64
	AirQuality   *float64
	UpdatedAt    *time.Time
}

// PositionStats holds the latest valid GPS fix.
type PositionStats struct {
	Latitude  *float64
	Longitude *float64
	Altitude  *float64
	UpdatedAt *time.Time
}

// Known reports whether a fix has been recorded.
func (p PositionStats) Known() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// RoutingStats splits traffic into packets heard straight from the node and
// packets that arrived through relays.
type RoutingStats struct {
	Originated int64
	Relayed    int64
}

// NodeRecord is the cumulative statistics row for one node.
type NodeRecord struct {
	NodeID       string
	LongName     string
	ShortName    string
	TotalPackets int64
	TotalBytes   int64
	ByKind       map[PayloadKind]int64
	Messages     MessageStats
	Telemetry    TelemetryStats
	Position     PositionStats
	Routing      RoutingStats
	FirstSeen    time.Time
	LastSeen     time.Time
}

// NewNodeRecord returns an empty record first seen at t.
func NewNodeRecord(id string, t time.Time) *NodeRecord {
	return &NodeRecord{
		NodeID:    id,
		ByKind:    make(map[PayloadKind]int64),
		FirstSeen: t,
		LastSeen:  t,
	}
}

// DisplayName prefers the long name, then the short name, then the id.
func (r *NodeRecord) DisplayName() string {
	switch {
	case r.LongName != "":
		return r.LongName
	case r.ShortName != "":
		return r.ShortName
	default:
		return r.NodeID
	}
}

// Clone returns a deep copy so callers can read it without holding locks.
func (r *NodeRecord) Clone() *NodeRecord {
	c := *r
	c.ByKind = make(map[PayloadKind]int64, len(r.ByKind))
	for k, v := range r.ByKind {
		c.ByKind[k] = v
	}
	c.Telemetry = TelemetryStats{
		BatteryLevel: clonePtr(r.Telemetry.BatteryLevel),
		Voltage:      clonePtr(r.Telemetry.Voltage),
		Temperature:  clonePtr(r.Telemetry.Temperature),
		Humidity:     clonePtr(r.Telemetry.Humidity),
		Pressure:     clonePtr(r.Telemetry.Pressure),
		AirQuality:   clonePtr(r.Telemetry.AirQuality),
		UpdatedAt:    clonePtr(r.Telemetry.UpdatedAt),
	}
	c.Position = PositionStats{
		Latitude:  clonePtr(r.Position.Latitude),
		Longitude: clonePtr(r.Position.Longitude),
		Altitude:  clonePtr(r.Position.Altitude),
		UpdatedAt: clonePtr(r.Position.UpdatedAt),
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// NeighborEdge is a directional "node hears neighbor" observation.
type NeighborEdge struct {
	NodeID            string
	NeighborID        string
	SNR               *float64
	LastRxTime        *time.Time
	BroadcastInterval int
	ObservedAt        time.Time
}

// PropagationLink is a derived geolocated link between two nodes.
// NodeA is always the lexically smaller id.
type PropagationLink struct {
	NodeA      string
	NodeB      string
	DistanceKM float64
	SNR        *float64
	RSSI       *int
	ObservedAt time.Time
}

// PairKey returns the unordered pair key for two node ids.
func PairKey(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}
