// ABOUTME: Minimal protobuf decoders for the radio API messages the bridge reads
// ABOUTME: Uses protowire directly so only the fields we consume are modeled

package meshwire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// PortNum identifies the application a decoded payload belongs to.
type PortNum uint32

const (
	PortUnknown      PortNum = 0
	PortText         PortNum = 1
	PortPosition     PortNum = 3
	PortNodeInfo     PortNum = 4
	PortRouting      PortNum = 5
	PortTelemetry    PortNum = 67
	PortTraceroute   PortNum = 70
	PortNeighborInfo PortNum = 71
)

// field is one decoded protobuf field. Only the value matching Type is set.
type field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Fixed  uint32
	Bytes  []byte
}

func (f field) float32() float32 { return math.Float32frombits(f.Fixed) }

// parseFields splits a message into its fields, skipping fixed64 and groups.
func parseFields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("reading tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.Fixed, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("reading field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

// FromRadio is the envelope the radio streams to its client.
type FromRadio struct {
	ID             uint32
	Packet         *MeshPacket
	MyNodeNum      uint32
	NodeInfo       *NodeInfo
	ConfigComplete uint32
}

// MeshPacket is one over-the-air frame as reported by the radio.
type MeshPacket struct {
	From      uint32
	To        uint32
	Channel   uint32
	ID        uint32
	RxTime    uint32
	RxSNR     *float32
	RxRSSI    *int32
	HopLimit  uint32
	HopStart  *uint32
	RelayNode *uint32
	ViaMQTT   bool
	Decoded   *Data
	Encrypted []byte

	// Raw is the encoded packet, kept for size accounting.
	Raw []byte
}

// Data is the decoded application payload of a MeshPacket.
type Data struct {
	PortNum PortNum
	Payload []byte
}

// NodeInfo is the radio's node database entry sent during config download.
type NodeInfo struct {
	Num       uint32
	User      *User
	Position  *Position
	SNR       *float32
	LastHeard uint32
}

// User is the NODEINFO_APP payload.
type User struct {
	ID        string
	LongName  string
	ShortName string
	HWModel   uint32
	PublicKey []byte
}

// Position is the POSITION_APP payload.
type Position struct {
	LatitudeI  *int32
	LongitudeI *int32
	Altitude   *int32
	Time       uint32
}

// Latitude returns degrees, when present.
func (p *Position) Latitude() (float64, bool) {
	if p.LatitudeI == nil {
		return 0, false
	}
	return float64(*p.LatitudeI) * 1e-7, true
}

// Longitude returns degrees, when present.
func (p *Position) Longitude() (float64, bool) {
	if p.LongitudeI == nil {
		return 0, false
	}
	return float64(*p.LongitudeI) * 1e-7, true
}

// Telemetry is the TELEMETRY_APP payload. Each metric is nil when absent.
type Telemetry struct {
	Time               uint32
	BatteryLevel       *uint32
	Voltage            *float32
	Temperature        *float32
	RelativeHumidity   *float32
	BarometricPressure *float32
	IAQ                *uint32
}

// NeighborInfo is the NEIGHBORINFO_APP payload.
type NeighborInfo struct {
	NodeID                   uint32
	LastSentByID             uint32
	NodeBroadcastIntervalSec uint32
	Neighbors                []NeighborEntry
}

// NeighborEntry is one heard neighbor.
type NeighborEntry struct {
	NodeID                   uint32
	SNR                      *float32
	LastRxTime               uint32
	NodeBroadcastIntervalSec uint32
}

// Routing is the ROUTING_APP payload.
type Routing struct {
	ErrorReason uint32
}

// DecodeFromRadio parses a FromRadio envelope. Unknown variants decode to an
// envelope with every optional part nil.
func DecodeFromRadio(b []byte) (*FromRadio, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	out := &FromRadio{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			out.ID = uint32(f.Varint)
		case 2:
			if out.Packet, err = DecodeMeshPacket(f.Bytes); err != nil {
				return nil, fmt.Errorf("decoding packet: %w", err)
			}
		case 3:
			my, err := parseFields(f.Bytes)
			if err != nil {
				return nil, fmt.Errorf("decoding my_info: %w", err)
			}
			for _, m := range my {
				if m.Num == 1 {
					out.MyNodeNum = uint32(m.Varint)
				}
			}
		case 4:
			if out.NodeInfo, err = decodeNodeInfo(f.Bytes); err != nil {
				return nil, fmt.Errorf("decoding node_info: %w", err)
			}
		case 7:
			out.ConfigComplete = uint32(f.Varint)
		}
	}
	return out, nil
}

// DecodeMeshPacket parses a MeshPacket.
func DecodeMeshPacket(b []byte) (*MeshPacket, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	p := &MeshPacket{Raw: b}
	for _, f := range fields {
		switch f.Num {
		case 1:
			p.From = f.Fixed
		case 2:
			p.To = f.Fixed
		case 3:
			p.Channel = uint32(f.Varint)
		case 4:
			d, err := decodeData(f.Bytes)
			if err != nil {
				return nil, fmt.Errorf("decoding data: %w", err)
			}
			p.Decoded = d
		case 5:
			p.Encrypted = f.Bytes
		case 6:
			p.ID = f.Fixed
		case 7:
			p.RxTime = f.Fixed
		case 8:
			v := f.float32()
			p.RxSNR = &v
		case 9:
			p.HopLimit = uint32(f.Varint)
		case 12:
			v := int32(f.Varint)
			p.RxRSSI = &v
		case 14:
			p.ViaMQTT = f.Varint != 0
		case 15:
			v := uint32(f.Varint)
			p.HopStart = &v
		case 19:
			v := uint32(f.Varint)
			p.RelayNode = &v
		}
	}
	return p, nil
}

func decodeData(b []byte) (*Data, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	d := &Data{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			d.PortNum = PortNum(f.Varint)
		case 2:
			d.Payload = f.Bytes
		}
	}
	return d, nil
}

func decodeNodeInfo(b []byte) (*NodeInfo, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	n := &NodeInfo{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			n.Num = uint32(f.Varint)
		case 2:
			if n.User, err = DecodeUser(f.Bytes); err != nil {
				return nil, err
			}
		case 3:
			if n.Position, err = DecodePosition(f.Bytes); err != nil {
				return nil, err
			}
		case 4:
			v := f.float32()
			n.SNR = &v
		case 5:
			n.LastHeard = f.Fixed
		}
	}
	return n, nil
}

// DecodeUser parses a NODEINFO_APP payload.
func DecodeUser(b []byte) (*User, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	u := &User{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			u.ID = string(f.Bytes)
		case 2:
			u.LongName = string(f.Bytes)
		case 3:
			u.ShortName = string(f.Bytes)
		case 5:
			u.HWModel = uint32(f.Varint)
		case 8:
			u.PublicKey = f.Bytes
		}
	}
	return u, nil
}

// DecodePosition parses a POSITION_APP payload.
func DecodePosition(b []byte) (*Position, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	p := &Position{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			v := int32(f.Fixed)
			p.LatitudeI = &v
		case 2:
			v := int32(f.Fixed)
			p.LongitudeI = &v
		case 3:
			v := int32(f.Varint)
			p.Altitude = &v
		case 4:
			p.Time = f.Fixed
		}
	}
	return p, nil
}

// DecodeTelemetry parses a TELEMETRY_APP payload, flattening the device and
// environment variants into one struct.
func DecodeTelemetry(b []byte) (*Telemetry, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	t := &Telemetry{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			t.Time = f.Fixed
		case 2:
			if err := t.decodeDevice(f.Bytes); err != nil {
				return nil, err
			}
		case 3:
			if err := t.decodeEnvironment(f.Bytes); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

func (t *Telemetry) decodeDevice(b []byte) error {
	fields, err := parseFields(b)
	if err != nil {
		return fmt.Errorf("decoding device metrics: %w", err)
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			v := uint32(f.Varint)
			t.BatteryLevel = &v
		case 2:
			v := f.float32()
			t.Voltage = &v
		}
	}
	return nil
}

func (t *Telemetry) decodeEnvironment(b []byte) error {
	fields, err := parseFields(b)
	if err != nil {
		return fmt.Errorf("decoding environment metrics: %w", err)
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			v := f.float32()
			t.Temperature = &v
		case 2:
			v := f.float32()
			t.RelativeHumidity = &v
		case 3:
			v := f.float32()
			t.BarometricPressure = &v
		case 7:
			v := uint32(f.Varint)
			t.IAQ = &v
		}
	}
	return nil
}

// DecodeNeighborInfo parses a NEIGHBORINFO_APP payload.
func DecodeNeighborInfo(b []byte) (*NeighborInfo, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	n := &NeighborInfo{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			n.NodeID = uint32(f.Varint)
		case 2:
			n.LastSentByID = uint32(f.Varint)
		case 3:
			n.NodeBroadcastIntervalSec = uint32(f.Varint)
		case 4:
			e, err := decodeNeighborEntry(f.Bytes)
			if err != nil {
				return nil, err
			}
			n.Neighbors = append(n.Neighbors, e)
		}
	}
	return n, nil
}

func decodeNeighborEntry(b []byte) (NeighborEntry, error) {
	fields, err := parseFields(b)
	if err != nil {
		return NeighborEntry{}, fmt.Errorf("decoding neighbor: %w", err)
	}
	var e NeighborEntry
	for _, f := range fields {
		switch f.Num {
		case 1:
			e.NodeID = uint32(f.Varint)
		case 2:
			v := f.float32()
			e.SNR = &v
		case 3:
			e.LastRxTime = f.Fixed
		case 4:
			e.NodeBroadcastIntervalSec = uint32(f.Varint)
		}
	}
	return e, nil
}

// DecodeRouting parses a ROUTING_APP payload.
func DecodeRouting(b []byte) (*Routing, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	r := &Routing{}
	for _, f := range fields {
		if f.Num == 3 {
			r.ErrorReason = uint32(f.Varint)
		}
	}
	return r, nil
}
