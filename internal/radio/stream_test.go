// ABOUTME: Tests for the framed radio connection over an in-memory pipe
// ABOUTME: The test plays the radio: answers the handshake, emits packets, reads sends

package radio

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/2389/mesh-bridge/internal/meshwire"
	"github.com/2389/mesh-bridge/internal/normalize"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fromRadioPacket builds a FromRadio envelope carrying a text MeshPacket.
func fromRadioPacket(from, id uint32, text string) []byte {
	var data []byte
	data = protowire.AppendTag(data, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, uint64(meshwire.PortText))
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendString(data, text)

	var pkt []byte
	pkt = protowire.AppendTag(pkt, 1, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, from)
	pkt = protowire.AppendTag(pkt, 2, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, meshwire.BroadcastNum)
	pkt = protowire.AppendTag(pkt, 4, protowire.BytesType)
	pkt = protowire.AppendBytes(pkt, data)
	pkt = protowire.AppendTag(pkt, 6, protowire.Fixed32Type)
	pkt = protowire.AppendFixed32(pkt, id)

	env := protowire.AppendTag(nil, 2, protowire.BytesType)
	return protowire.AppendBytes(env, pkt)
}

func fromRadioMyInfo(num uint32) []byte {
	my := protowire.AppendTag(nil, 1, protowire.VarintType)
	my = protowire.AppendVarint(my, uint64(num))
	env := protowire.AppendTag(nil, 3, protowire.BytesType)
	return protowire.AppendBytes(env, my)
}

// toRadioPacket extracts the MeshPacket from a ToRadio envelope.
func toRadioPacket(t *testing.T, frame []byte) *meshwire.MeshPacket {
	t.Helper()
	num, typ, n := protowire.ConsumeTag(frame)
	require.Greater(t, n, 0)
	require.Equal(t, protowire.Number(1), num)
	require.Equal(t, protowire.BytesType, typ)
	body, m := protowire.ConsumeBytes(frame[n:])
	require.Greater(t, m, 0)
	pkt, err := meshwire.DecodeMeshPacket(body)
	require.NoError(t, err)
	return pkt
}

func TestStreamConn_HandshakeAndPackets(t *testing.T) {
	bridgeEnd, radioEnd := net.Pipe()
	defer radioEnd.Close()

	conn := NewStreamConn(bridgeEnd, discardLogger())
	received := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	conn.now = func() time.Time { return received }

	got := make(chan normalize.WirePacket, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- conn.Run(ctx, func(raw normalize.Raw) {
			got <- raw.(normalize.WirePacket)
		})
	}()

	// The bridge opens with want_config.
	fr := meshwire.NewFrameReader(radioEnd)
	first, err := fr.ReadFrame()
	require.NoError(t, err)
	num, typ, n := protowire.ConsumeTag(first)
	require.Equal(t, protowire.Number(3), num)
	require.Equal(t, protowire.VarintType, typ)
	nonce, _ := protowire.ConsumeVarint(first[n:])

	require.NoError(t, meshwire.WriteFrame(radioEnd, fromRadioMyInfo(0x1234)))
	complete := protowire.AppendTag(nil, 7, protowire.VarintType)
	complete = protowire.AppendVarint(complete, nonce)
	require.NoError(t, meshwire.WriteFrame(radioEnd, complete))
	require.NoError(t, meshwire.WriteFrame(radioEnd, fromRadioPacket(0xbeef, 77, "hello")))

	select {
	case wp := <-got:
		assert.Equal(t, uint32(0xbeef), wp.Packet.From)
		assert.Equal(t, uint32(77), wp.Packet.ID)
		assert.Equal(t, uint32(0x1234), wp.Receiver)
		assert.Equal(t, received, wp.ReceivedAt)
		h := wp.Header()
		assert.Equal(t, "!0000beef", h.From)
		assert.Equal(t, "!00001234", h.Receiver)
	case <-time.After(2 * time.Second):
		t.Fatal("packet not delivered")
	}
	assert.Equal(t, uint32(0x1234), conn.MyNode())

	// Sends are framed ToRadio packets.
	sendErr := make(chan error, 1)
	go func() { sendErr <- conn.SendText(ctx, "!0000beef", "pong", 0) }()
	frame, err := fr.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	pkt := toRadioPacket(t, frame)
	assert.Equal(t, uint32(0xbeef), pkt.To)
	require.NotNil(t, pkt.Decoded)
	assert.Equal(t, "pong", string(pkt.Decoded.Payload))
	assert.Equal(t, uint32(3), pkt.HopLimit)

	// The radio going away ends Run with an error.
	radioEnd.Close()
	select {
	case err := <-runErr:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestStreamConn_CancelStopsRun(t *testing.T) {
	bridgeEnd, radioEnd := net.Pipe()
	defer radioEnd.Close()
	conn := NewStreamConn(bridgeEnd, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx, func(normalize.Raw) {}) }()

	fr := meshwire.NewFrameReader(radioEnd)
	_, err := fr.ReadFrame()
	require.NoError(t, err)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestParseNodeNum(t *testing.T) {
	n, err := parseNodeNum("!a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xa1b2c3d4), n)

	n, err = parseNodeNum("^all")
	require.NoError(t, err)
	assert.Equal(t, meshwire.BroadcastNum, n)

	_, err = parseNodeNum("!zzzz")
	assert.Error(t, err)
}
