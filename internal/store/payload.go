// ABOUTME: JSON encoding of canonical payloads for the packets.payload column
// ABOUTME: Kind is stored alongside, so the JSON carries only the payload fields

package store

import (
	"encoding/json"
	"fmt"

	"github.com/2389/mesh-bridge/internal/mesh"
)

func encodePayload(p mesh.Payload) (any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Kind(), err)
	}
	return string(b), nil
}

func decodePayload(kind mesh.PayloadKind, raw string) (mesh.Payload, error) {
	if raw == "" {
		return nil, nil
	}

	var (
		p   mesh.Payload
		err error
	)
	switch kind {
	case mesh.KindText:
		var v mesh.TextPayload
		err = json.Unmarshal([]byte(raw), &v)
		p = v
	case mesh.KindPosition:
		var v mesh.PositionPayload
		err = json.Unmarshal([]byte(raw), &v)
		p = v
	case mesh.KindTelemetry:
		var v mesh.TelemetryPayload
		err = json.Unmarshal([]byte(raw), &v)
		p = v
	case mesh.KindNodeInfo:
		var v mesh.NodeInfoPayload
		err = json.Unmarshal([]byte(raw), &v)
		p = v
	case mesh.KindNeighborInfo:
		var v mesh.NeighborInfoPayload
		err = json.Unmarshal([]byte(raw), &v)
		p = v
	case mesh.KindRouting:
		var v mesh.RoutingPayload
		err = json.Unmarshal([]byte(raw), &v)
		p = v
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
	}
	return p, nil
}
