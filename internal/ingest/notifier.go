// ABOUTME: New-node notifications raised by the pipeline
// ABOUTME: Fires once per node, only for a first sighting of the packet that created it

package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/mesh-bridge/internal/mesh"
)

// Notifier is told about nodes heard for the first time.
type Notifier interface {
	NodeDiscovered(ctx context.Context, rec *mesh.NodeRecord, pkt *mesh.Packet)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, rec *mesh.NodeRecord, pkt *mesh.Packet)

func (f NotifierFunc) NodeDiscovered(ctx context.Context, rec *mesh.NodeRecord, pkt *mesh.Packet) {
	f(ctx, rec, pkt)
}

// Sender delivers a direct message.
type Sender interface {
	SendDirect(ctx context.Context, to, text string) error
}

// MessageNotifier logs each new node and, when to is set, sends a short
// notice to that node.
type MessageNotifier struct {
	to     string
	sender Sender
	logger *slog.Logger
}

// NewMessageNotifier creates a notifier. sender may be nil when to is empty.
func NewMessageNotifier(to string, sender Sender, logger *slog.Logger) *MessageNotifier {
	return &MessageNotifier{
		to:     mesh.NormalizeNodeID(to),
		sender: sender,
		logger: logger.With("component", "notifier"),
	}
}

// NodeDiscovered implements Notifier.
func (n *MessageNotifier) NodeDiscovered(ctx context.Context, rec *mesh.NodeRecord, pkt *mesh.Packet) {
	n.logger.Info("=== NEW NODE ===",
		"node", rec.NodeID,
		"kind", pkt.Kind,
		"source", pkt.Source,
	)
	if n.to == "" || n.sender == nil || n.to == rec.NodeID {
		return
	}
	if err := n.sender.SendDirect(ctx, n.to, NewNodeNotice(pkt)); err != nil {
		n.logger.Warn("failed to send new node notice", "to", n.to, "error", err)
	}
}

// NewNodeNotice renders the radio-sized notice for a new node.
func NewNodeNotice(pkt *mesh.Packet) string {
	msg := fmt.Sprintf("New node %s via %s", pkt.FromID, pkt.Source)
	if hops, ok := pkt.HopsTraveled(); ok {
		msg += fmt.Sprintf(", %d hops", hops)
	}
	if pkt.SNR != nil {
		msg += fmt.Sprintf(", SNR %.1fdB", *pkt.SNR)
	}
	return msg
}
