// ABOUTME: Connection contract shared by serial, TCP and JSON-line networks
// ABOUTME: Also classifies the send errors that are expected when a link drops

package radio

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/2389/mesh-bridge/internal/normalize"
)

// ErrNoPrimary is returned by Start when the primary network cannot be reached.
var ErrNoPrimary = errors.New("primary network unavailable")

// ErrNotConnected is returned when sending on a network that is down.
var ErrNotConnected = errors.New("network not connected")

// Conn is one live connection to a network.
type Conn interface {
	// Run reads until ctx is cancelled or the connection fails, calling
	// handle once per received packet. Run returns ctx.Err() on cancellation.
	Run(ctx context.Context, handle func(normalize.Raw)) error
	// SendText transmits a text message to a node id or to the broadcast id.
	SendText(ctx context.Context, to, text string, channel int) error
	Close() error
}

// Reply is an outbound message addressed to one node.
type Reply struct {
	To      string
	Text    string
	Channel int
}

// IsTransient reports send errors caused by a connection going away
// underneath us: reset, broken pipe, or closed. They are skipped, not retried.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
