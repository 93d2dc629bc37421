// ABOUTME: Turns any source adapter into the canonical mesh.Packet
// ABOUTME: Classifies payloads, stamps observation ids, and marks first sightings

package normalize

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mesh-bridge/internal/dedupe"
	"github.com/2389/mesh-bridge/internal/mesh"
)

// ErrNoSender is returned for frames that cannot be attributed to any node.
var ErrNoSender = errors.New("packet has no sender")

// Normalizer converts raw packets into canonical records. It is safe for
// concurrent use by every connection's read loop.
type Normalizer struct {
	seen   *dedupe.Cache
	now    func() time.Time
	logger *slog.Logger
}

// New creates a normalizer. seen may be nil, in which case every packet is a
// first sighting.
func New(seen *dedupe.Cache, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		seen:   seen,
		now:    time.Now,
		logger: logger.With("component", "normalize"),
	}
}

// Normalize builds the canonical packet for raw as observed on source.
// Decode failures never return an error; they classify as Unknown.
func (n *Normalizer) Normalize(raw Raw, source mesh.Source) (*mesh.Packet, error) {
	h := raw.Header()
	if h.From == "" || h.From == mesh.BroadcastID {
		return nil, ErrNoSender
	}

	pkt := &mesh.Packet{
		ObservationID: uuid.NewString(),
		Source:        source,
		FromID:        h.From,
		ToID:          h.To,
		ReceiverID:    h.Receiver,
		RelayNode:     h.Relay,
		Channel:       h.Channel,
		RSSI:          h.RSSI,
		SNR:           h.SNR,
		HopLimit:      h.HopLimit,
		HopStart:      h.HopStart,
		PacketID:      h.PacketID,
		ReceivedAt:    h.ReceivedAt,
		SizeBytes:     h.Size,
	}
	if pkt.ToID == "" {
		pkt.ToID = mesh.BroadcastID
	}
	if pkt.ReceivedAt.IsZero() {
		pkt.ReceivedAt = n.now()
	}
	if b, ok := raw.HeaderBytes(); ok && pkt.SizeBytes == 0 {
		pkt.SizeBytes = len(b)
	}

	n.classify(raw, pkt)
	pkt.FirstSighting = n.firstSighting(pkt)
	return pkt, nil
}

// classify applies the precedence: decodable payload, then encrypted
// marker, then Unknown.
func (n *Normalizer) classify(raw Raw, pkt *mesh.Packet) {
	d, ok := raw.Decoded()
	switch {
	case ok:
		pkt.Kind = d.Kind
	case raw.Encrypted():
		pkt.Kind = mesh.KindEncrypted
		return
	default:
		pkt.Kind = mesh.KindUnknown
		return
	}

	if pkt.Kind == mesh.KindUnknown || pkt.Kind == mesh.KindEncrypted {
		return
	}
	payload, err := ExtractPayload(pkt.Kind, d.Body)
	if err != nil {
		n.logger.Debug("payload decode failed",
			"from", pkt.FromID,
			"declared", pkt.Kind,
			"error", err,
		)
		pkt.Kind = mesh.KindUnknown
		return
	}
	pkt.Payload = payload
}

func (n *Normalizer) firstSighting(pkt *mesh.Packet) bool {
	// Without an id there is nothing to correlate.
	if n.seen == nil || pkt.PacketID == 0 {
		return true
	}
	s := n.seen.Observe(pkt.DedupeKey(), string(pkt.Source))
	if s.CrossNetwork {
		n.logger.Debug("transmission heard on multiple sources",
			"key", pkt.DedupeKey(),
			"source", pkt.Source,
			"count", s.Count,
		)
	}
	return s.First
}
