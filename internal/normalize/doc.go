// Package normalize converts the packet shapes of each network stack into
// the canonical mesh.Packet.
//
// Each stack is wrapped in a small adapter (WirePacket, MapPacket,
// JSONPacket) exposing the same capability set: a routing header, an
// optional decoded payload, an encrypted marker, and the raw frame bytes.
// All knowledge of field-name variants lives in fields.go.
//
// Classification never fails. A payload that is present but cannot be
// parsed is recorded as Unknown so the packet is still counted.
package normalize
