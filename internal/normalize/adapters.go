// ABOUTME: Per-source raw packet adapters behind one small capability interface
// ABOUTME: WirePacket for decoded protobuf, MapPacket for mappings, JSONPacket for JSON lines

package normalize

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/mesh-bridge/internal/mesh"
	"github.com/2389/mesh-bridge/internal/meshwire"
)

// Header is the routing envelope every stack reports in some form.
// Optional fields stay nil when the stack did not report them.
type Header struct {
	From       string
	To         string
	Receiver   string
	Relay      string
	Channel    int
	PacketID   uint32
	RSSI       *int
	SNR        *float64
	HopLimit   *int
	HopStart   *int
	ReceivedAt time.Time
	Size       int
}

// Decoded is a payload the stack managed to decode, with its declared kind.
type Decoded struct {
	Kind mesh.PayloadKind
	Body any
}

// Raw is the capability set the normalizer needs from a source-specific packet.
type Raw interface {
	Header() Header
	// Decoded returns the decodable payload, if the frame has one.
	Decoded() (Decoded, bool)
	// Encrypted reports the opaque encrypted marker.
	Encrypted() bool
	// HeaderBytes returns the raw encoded frame, when the stack exposes it.
	HeaderBytes() ([]byte, bool)
}

// WirePacket adapts a MeshPacket decoded from the radio stream.
type WirePacket struct {
	Packet     *meshwire.MeshPacket
	Receiver   uint32
	ReceivedAt time.Time
}

func (w WirePacket) Header() Header {
	p := w.Packet
	h := Header{
		From:       mesh.NodeIDFromNum(p.From),
		To:         mesh.NodeIDFromNum(p.To),
		Channel:    int(p.Channel),
		PacketID:   p.ID,
		ReceivedAt: w.ReceivedAt,
		Size:       len(p.Raw),
	}
	if p.From == 0 {
		h.From = ""
	}
	if w.Receiver != 0 {
		h.Receiver = mesh.NodeIDFromNum(w.Receiver)
	}
	if p.RelayNode != nil {
		h.Relay = relayValue(*p.RelayNode)
	}
	if p.RxRSSI != nil && *p.RxRSSI != 0 {
		h.RSSI = mesh.Int(int(*p.RxRSSI))
	}
	if p.RxSNR != nil {
		h.SNR = mesh.Float(float64(*p.RxSNR))
	}
	if p.HopStart != nil {
		h.HopStart = mesh.Int(int(*p.HopStart))
		// hop_limit is omitted on the wire when it reached zero.
		h.HopLimit = mesh.Int(int(p.HopLimit))
	} else if p.HopLimit != 0 {
		h.HopLimit = mesh.Int(int(p.HopLimit))
	}
	return h
}

func (w WirePacket) Decoded() (Decoded, bool) {
	if w.Packet.Decoded == nil {
		return Decoded{}, false
	}
	return Decoded{
		Kind: KindFromPort(w.Packet.Decoded.PortNum),
		Body: w.Packet.Decoded.Payload,
	}, true
}

func (w WirePacket) Encrypted() bool {
	return len(w.Packet.Encrypted) > 0
}

func (w WirePacket) HeaderBytes() ([]byte, bool) {
	return w.Packet.Raw, len(w.Packet.Raw) > 0
}

// MapPacket adapts a mapping-style packet, as produced by stacks that hand
// out dictionaries keyed with their own field spellings.
type MapPacket map[string]any

func (m MapPacket) Header() Header { return objectHeader(mapObject(m)) }

func (m MapPacket) Decoded() (Decoded, bool) { return objectDecoded(mapObject(m)) }

func (m MapPacket) Encrypted() bool { return objectEncrypted(mapObject(m)) }

func (m MapPacket) HeaderBytes() ([]byte, bool) {
	v, ok := mapObject(m).field("raw")
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok && len(b) > 0
}

// JSONPacket adapts one JSON-encoded packet, as emitted by the secondary
// network's companion bridge.
type JSONPacket []byte

func (j JSONPacket) object() jsonObject { return jsonObject{r: gjson.ParseBytes(j)} }

func (j JSONPacket) Header() Header {
	h := objectHeader(j.object())
	if h.Size == 0 {
		h.Size = len(j)
	}
	return h
}

func (j JSONPacket) Decoded() (Decoded, bool) { return objectDecoded(j.object()) }

func (j JSONPacket) Encrypted() bool { return objectEncrypted(j.object()) }

func (j JSONPacket) HeaderBytes() ([]byte, bool) { return nil, false }

// Valid reports whether the line is a JSON object.
func (j JSONPacket) Valid() bool {
	return gjson.ValidBytes(j) && gjson.ParseBytes(j).IsObject()
}

func objectHeader(obj object) Header {
	h := Header{
		From:       nodeIDField(obj, "fromId", "from", "sender", "pubKeyPrefix"),
		To:         nodeIDField(obj, "toId", "to", "destination"),
		Receiver:   nodeIDField(obj, "receiverId", "receiver", "rxNode"),
		RSSI:       intField(obj, "rxRssi", "rssi"),
		SNR:        floatField(obj, "rxSnr", "snr"),
		HopLimit:   intField(obj, "hopLimit"),
		HopStart:   intField(obj, "hopStart"),
		ReceivedAt: timeField(obj, "rxTime", "receivedAt", "timestamp"),
	}
	if v, ok := first(obj, "relayNode", "relay"); ok {
		h.Relay = relayValue(v)
	}
	if v := intField(obj, "channel", "channelIdx"); v != nil {
		h.Channel = *v
	}
	if v, ok := first(obj, "id", "packetId"); ok {
		if id, ok := uint32Value(v); ok {
			h.PacketID = id
		}
	}
	if v := intField(obj, "size", "sizeBytes"); v != nil {
		h.Size = *v
	}
	// Stacks without hop_start report the number of hops taken directly.
	if h.HopStart == nil {
		if hops := intField(obj, "hops", "pathLen", "hopsAway"); hops != nil && *hops >= 0 {
			h.HopStart = mesh.Int(*hops)
			h.HopLimit = mesh.Int(0)
		}
	} else if h.HopLimit == nil {
		h.HopLimit = mesh.Int(0)
	}
	if h.RSSI != nil && *h.RSSI == 0 {
		h.RSSI = nil
	}
	return h
}

func objectDecoded(obj object) (Decoded, bool) {
	decoded, ok := objectField(obj, "decoded")
	if !ok {
		// Flat records carry the kind next to the header fields.
		if _, hasKind := first(obj, "type", "kind", "portnum"); !hasKind {
			return Decoded{}, false
		}
		decoded = obj
	}

	declared, ok := first(decoded, "portnum", "port", "type", "kind")
	if !ok {
		return Decoded{}, false
	}
	kind := KindFromDeclared(declared)

	// The structured body lives under a kind-specific key; fall back to the
	// raw payload bytes or the record itself.
	var body any = decoded
	if v, ok := first(decoded, bodyKeys[kind]...); ok {
		body = v
	} else if v, ok := first(decoded, "payload"); ok {
		body = v
	}
	return Decoded{Kind: kind, Body: body}, true
}

var bodyKeys = map[mesh.PayloadKind][]string{
	mesh.KindText:         {"text", "message"},
	mesh.KindPosition:     {"position"},
	mesh.KindTelemetry:    {"telemetry"},
	mesh.KindNodeInfo:     {"user", "nodeInfo"},
	mesh.KindNeighborInfo: {"neighborInfo"},
	mesh.KindRouting:      {"routing"},
}

func objectEncrypted(obj object) bool {
	v, ok := first(obj, "encrypted")
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case gjson.Result:
		switch t.Type {
		case gjson.True:
			return true
		case gjson.False:
			return false
		}
		return t.String() != ""
	}
	if s, ok := toString(v); ok {
		return s != ""
	}
	return true
}
