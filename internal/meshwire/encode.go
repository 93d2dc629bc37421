// ABOUTME: Encoders for the ToRadio messages the bridge sends
// ABOUTME: Config handshake, heartbeat, and outbound text packets

package meshwire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// BroadcastNum is the radio's all-nodes destination address.
const BroadcastNum uint32 = 0xFFFFFFFF

// TextMessage is an outbound chat message.
type TextMessage struct {
	To       uint32
	Channel  uint32
	Text     string
	ID       uint32
	WantAck  bool
	HopLimit uint32
}

// EncodeWantConfig asks the radio to stream its node database followed by
// config_complete_id = nonce.
func EncodeWantConfig(nonce uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(nonce))
}

// EncodeHeartbeat keeps serial and TCP sessions from idling out.
func EncodeHeartbeat() []byte {
	var b []byte
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	return protowire.AppendBytes(b, nil)
}

// EncodeDisconnect tells the radio the client is going away.
func EncodeDisconnect() []byte {
	var b []byte
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// EncodeText wraps a text message in a ToRadio envelope.
func EncodeText(m TextMessage) []byte {
	var data []byte
	data = protowire.AppendTag(data, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(PortText))
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendString(data, m.Text)

	var pkt []byte
	pkt = protowire.AppendTag(pkt, 2, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, m.To)
	if m.Channel != 0 {
		pkt = protowire.AppendTag(pkt, 3, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(m.Channel))
	}
	pkt = protowire.AppendTag(pkt, 4, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)
	if m.ID != 0 {
		pkt = protowire.AppendTag(pkt, 6, protowire.Fixed32Type)
		pkt = protowire.AppendFixed32(pkt, m.ID)
	}
	if m.HopLimit != 0 {
		pkt = protowire.AppendTag(pkt, 9, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, uint64(m.HopLimit))
	}
	if m.WantAck {
		pkt = protowire.AppendTag(pkt, 10, protowire.VarintType)
		pkt = protowire.AppendVarint(pkt, 1)
	}

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, pkt)
}
