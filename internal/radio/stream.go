// ABOUTME: Framed protobuf connection to a radio over USB serial or TCP
// ABOUTME: Performs the config handshake, heartbeats, and turns MeshPackets into WirePackets

package radio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/2389/mesh-bridge/internal/mesh"
	"github.com/2389/mesh-bridge/internal/meshwire"
	"github.com/2389/mesh-bridge/internal/normalize"
)

// DefaultTCPPort is the radio's network API port.
const DefaultTCPPort = "4403"

// heartbeatInterval keeps the radio from dropping an idle client.
const heartbeatInterval = 5 * time.Minute

// StreamConn speaks the framed radio API over any byte stream.
type StreamConn struct {
	rw        io.ReadWriteCloser
	writeMu   sync.Mutex
	myNode    atomic.Uint32
	heartbeat time.Duration
	now       func() time.Time
	closeOnce sync.Once
	closeErr  error
	logger    *slog.Logger
}

// NewStreamConn wraps an open stream.
func NewStreamConn(rw io.ReadWriteCloser, logger *slog.Logger) *StreamConn {
	return &StreamConn{
		rw:        rw,
		heartbeat: heartbeatInterval,
		now:       time.Now,
		logger:    logger,
	}
}

// DialSerial opens a radio attached over USB serial, 8N1.
func DialSerial(device string, baud int, logger *slog.Logger) (*StreamConn, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", device, err)
	}
	logger.Info("serial port opened", "device", device, "baud", baud)
	return NewStreamConn(port, logger), nil
}

// DialTCP connects to a radio's network API. A missing port uses DefaultTCPPort.
func DialTCP(ctx context.Context, address string, timeout time.Duration, logger *slog.Logger) (*StreamConn, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, DefaultTCPPort)
	}
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing radio at %s: %w", address, err)
	}
	logger.Info("radio TCP connected", "address", address)
	return NewStreamConn(conn, logger), nil
}

// MyNode returns the local radio's node number once the handshake reported it.
func (c *StreamConn) MyNode() uint32 {
	return c.myNode.Load()
}

// Run performs the config handshake then reads frames until ctx is done or
// the stream fails.
func (c *StreamConn) Run(ctx context.Context, handle func(normalize.Raw)) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	nonce := rand.Uint32()
	if err := c.write(meshwire.EncodeWantConfig(nonce)); err != nil {
		return fmt.Errorf("requesting config: %w", err)
	}
	go c.heartbeatLoop(ctx)

	fr := meshwire.NewFrameReader(c.rw)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		msg, err := meshwire.DecodeFromRadio(frame)
		if err != nil {
			c.logger.Debug("undecodable frame", "error", err, "len", len(frame))
			continue
		}
		switch {
		case msg.MyNodeNum != 0:
			c.myNode.Store(msg.MyNodeNum)
			c.logger.Info("local node identified", "node", mesh.NodeIDFromNum(msg.MyNodeNum))
		case msg.ConfigComplete != 0:
			if msg.ConfigComplete != nonce {
				c.logger.Debug("config complete for another client", "nonce", msg.ConfigComplete)
			} else {
				c.logger.Info("radio config download complete", "skipped_bytes", fr.Skipped)
			}
		case msg.Packet != nil:
			handle(normalize.WirePacket{
				Packet:     msg.Packet,
				Receiver:   c.myNode.Load(),
				ReceivedAt: c.now(),
			})
		}
	}
}

func (c *StreamConn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(meshwire.EncodeHeartbeat()); err != nil {
				c.logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}

// SendText transmits a text packet.
func (c *StreamConn) SendText(ctx context.Context, to, text string, channel int) error {
	dest, err := parseNodeNum(to)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(meshwire.EncodeText(meshwire.TextMessage{
		To:       dest,
		Channel:  uint32(channel),
		Text:     text,
		ID:       rand.Uint32(),
		WantAck:  dest != meshwire.BroadcastNum,
		HopLimit: 3,
	}))
}

func (c *StreamConn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return meshwire.WriteFrame(c.rw, payload)
}

// Close tells the radio we are leaving and closes the stream.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		// Bound the goodbye so a wedged peer cannot hold Close open.
		if d, ok := c.rw.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = d.SetWriteDeadline(time.Now().Add(time.Second))
		}
		_ = c.write(meshwire.EncodeDisconnect())
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}

// parseNodeNum maps a node id ("!a1b2c3d4", decimal, or broadcast) to the
// radio's numeric address.
func parseNodeNum(id string) (uint32, error) {
	id = mesh.NormalizeNodeID(id)
	if id == "" || id == mesh.BroadcastID {
		return meshwire.BroadcastNum, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(id, "!"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", id, err)
	}
	return uint32(n), nil
}
