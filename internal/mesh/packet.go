// ABOUTME: Canonical packet record shared by every component after normalization
// ABOUTME: Defines Source, PayloadKind, the per-kind payload structs and hop math

package mesh

import (
	"fmt"
	"strings"
	"time"
)

// BroadcastID is the canonical destination for packets addressed to everyone.
const BroadcastID = "^all"

// broadcastNum is the numeric broadcast address used by the radio firmware.
const broadcastNum uint32 = 0xFFFFFFFF

// Source identifies which network connection observed a packet.
type Source string

const (
	SourceLocalRadio  Source = "local"     // radio attached over serial
	SourceRemoteRadio Source = "remote"    // radio reached over TCP
	SourceSecondary   Source = "secondary" // the second, independent network
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceLocalRadio, SourceRemoteRadio, SourceSecondary:
		return true
	}
	return false
}

// PayloadKind classifies what a packet carried.
type PayloadKind string

const (
	KindText         PayloadKind = "Text"
	KindPosition     PayloadKind = "Position"
	KindTelemetry    PayloadKind = "Telemetry"
	KindNodeInfo     PayloadKind = "NodeInfo"
	KindNeighborInfo PayloadKind = "NeighborInfo"
	KindRouting      PayloadKind = "Routing"
	KindEncrypted    PayloadKind = "Encrypted"
	KindUnknown      PayloadKind = "Unknown"
)

// AllKinds lists every kind in display order.
var AllKinds = []PayloadKind{
	KindText, KindPosition, KindTelemetry, KindNodeInfo,
	KindNeighborInfo, KindRouting, KindEncrypted, KindUnknown,
}

// ParseKind maps a declared kind name (case-insensitive) to a PayloadKind.
// Unrecognized names map to KindUnknown.
func ParseKind(s string) PayloadKind {
	for _, k := range AllKinds {
		if strings.EqualFold(string(k), s) {
			return k
		}
	}
	return KindUnknown
}

// Payload is implemented by every decoded payload struct.
type Payload interface {
	Kind() PayloadKind
}

// TextPayload is a chat message.
type TextPayload struct {
	Text string
}

func (TextPayload) Kind() PayloadKind { return KindText }

// PositionPayload is a GPS fix. Altitude is optional.
type PositionPayload struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
}

func (PositionPayload) Kind() PayloadKind { return KindPosition }

// ValidFix reports whether the coordinates look like a real fix.
// Exactly (0,0) is what radios report without a lock.
func (p PositionPayload) ValidFix() bool {
	return ValidCoordinates(p.Latitude, p.Longitude)
}

// ValidCoordinates rejects the (0,0) no-fix marker and out-of-range values.
func ValidCoordinates(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// TelemetryPayload carries any subset of device and environment metrics.
// A nil field was not present in the packet.
type TelemetryPayload struct {
	BatteryLevel *float64 // percent
	Voltage      *float64 // volts
	Temperature  *float64 // degrees C
	Humidity     *float64 // percent relative humidity
	Pressure     *float64 // hPa
	AirQuality   *float64 // IAQ index
}

func (TelemetryPayload) Kind() PayloadKind { return KindTelemetry }

// Empty reports whether no metric is present.
func (t TelemetryPayload) Empty() bool {
	return t.BatteryLevel == nil && t.Voltage == nil && t.Temperature == nil &&
		t.Humidity == nil && t.Pressure == nil && t.AirQuality == nil
}

// NodeInfoPayload announces a node's names and public key.
type NodeInfoPayload struct {
	UserID    string
	LongName  string
	ShortName string
	HWModel   string
	PublicKey []byte
}

func (NodeInfoPayload) Kind() PayloadKind { return KindNodeInfo }

// Neighbor is one entry of a NeighborInfo report.
type Neighbor struct {
	NodeID            string
	SNR               *float64
	LastRxTime        time.Time
	BroadcastInterval int // seconds
}

// NeighborInfoPayload lists the nodes a reporter can hear directly.
type NeighborInfoPayload struct {
	NodeID            string
	BroadcastInterval int // seconds
	Neighbors         []Neighbor
}

func (NeighborInfoPayload) Kind() PayloadKind { return KindNeighborInfo }

// RoutingPayload is a routing control message (ack/nak).
type RoutingPayload struct {
	ErrorReason int
}

func (RoutingPayload) Kind() PayloadKind { return KindRouting }

// Packet is the canonical record produced by the normalizer.
type Packet struct {
	ObservationID string
	Source        Source
	FromID        string
	ToID          string
	ReceiverID    string // local node that heard the frame, when known
	RelayNode     string // last-hop relay reported by the stack, when known
	Channel       int
	RSSI          *int
	SNR           *float64
	HopLimit      *int
	HopStart      *int
	Kind          PayloadKind
	Payload       Payload // nil for Encrypted and Unknown
	SizeBytes     int
	PacketID      uint32
	ReceivedAt    time.Time

	// FirstSighting is false when the same (PacketID, FromID) was already
	// observed inside the dedupe window, possibly on another network.
	FirstSighting bool
}

// HopsTraveled returns hop_start - hop_limit when both are known.
func (p *Packet) HopsTraveled() (int, bool) {
	if p.HopStart == nil || p.HopLimit == nil {
		return 0, false
	}
	hops := *p.HopStart - *p.HopLimit
	if hops < 0 {
		return 0, false
	}
	return hops, true
}

// Relayed reports whether the frame reached us through another node.
// A known hop count decides; the last-hop relay byte is the fallback when
// the stack does not report hops.
func (p *Packet) Relayed() bool {
	if hops, ok := p.HopsTraveled(); ok {
		return hops > 0
	}
	if p.RelayNode != "" {
		return !strings.HasSuffix(strings.TrimPrefix(p.FromID, "!"), strings.TrimPrefix(p.RelayNode, "!"))
	}
	return false
}

// IsBroadcast reports whether the packet was addressed to everyone.
func (p *Packet) IsBroadcast() bool {
	return p.ToID == "" || p.ToID == BroadcastID
}

// DedupeKey identifies the transmission independent of which radio heard it.
func (p *Packet) DedupeKey() string {
	return fmt.Sprintf("%d:%s", p.PacketID, p.FromID)
}

// NodeIDFromNum renders a numeric radio node number as a node id.
func NodeIDFromNum(n uint32) string {
	if n == broadcastNum {
		return BroadcastID
	}
	return fmt.Sprintf("!%08x", n)
}

// NormalizeNodeID canonicalizes the textual node id variants radios emit
// ("!a1b2c3d4", "A1B2C3D4", decimal numbers, broadcast markers).
func NormalizeNodeID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	switch lower {
	case BroadcastID, "!ffffffff", "4294967295", "broadcast":
		return BroadcastID
	}
	if strings.HasPrefix(lower, "!") {
		return lower
	}
	var n uint32
	if _, err := fmt.Sscanf(lower, "%d", &n); err == nil && fmt.Sprint(n) == lower {
		return NodeIDFromNum(n)
	}
	return lower
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
