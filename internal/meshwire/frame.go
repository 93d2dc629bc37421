// ABOUTME: Stream framing for the radio API over serial and TCP
// ABOUTME: 0x94 0xC3 magic, 16-bit big-endian length, then one protobuf message

package meshwire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	start1 = 0x94
	start2 = 0xC3

	// MaxFrameSize is the largest payload the firmware will emit.
	MaxFrameSize = 512

	headerLen = 4
)

// ErrFrameTooLarge is returned by WriteFrame for oversized payloads.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameReader extracts frames from a byte stream. Bytes outside a frame
// (firmware debug console output) are skipped.
type FrameReader struct {
	r *bufio.Reader

	// Skipped counts bytes discarded while hunting for a frame header.
	Skipped int
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 2*MaxFrameSize)}
}

// ReadFrame blocks until a complete frame is available and returns its payload.
// A header announcing an impossible length is treated as noise and the reader
// resynchronizes on the next magic byte.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != start1 {
			f.Skipped++
			continue
		}

		b, err = f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != start2 {
			f.Skipped++
			if b == start1 {
				_ = f.r.UnreadByte()
			}
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:]))
		if n == 0 || n > MaxFrameSize {
			f.Skipped += headerLen
			continue
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
		return payload, nil
	}
}

// AppendFrame appends a framed copy of payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return dst, ErrFrameTooLarge
	}
	dst = append(dst, start1, start2, byte(len(payload)>>8), byte(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame writes one framed payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := AppendFrame(make([]byte, 0, headerLen+len(payload)), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
