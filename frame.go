package pronet

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FrameHeaderSize is the 4-byte big-endian length prefix that fronts every
// TCP4 frame (spec.md §3); unlike the teacher's fixed layout there is no
// in-band type byte — frame kind is inferred from session state (handshake
// frames are exactly header0Size bytes, data frames carry a msgHeader).
const FrameHeaderSize = 4

// BuildFrame writes a framed message to writeBuf: [4 bytes length][payload].
// Caller must ensure writeBuf is protected from concurrent access.
func BuildFrame(writeBuf *bytes.Buffer, payload []byte) error {
	if len(payload) > DefaultMaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	writeBuf.Grow(FrameHeaderSize + len(payload))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	writeBuf.Write(lenBuf[:])
	writeBuf.Write(payload)
	return nil
}

// frameDecoder incrementally peels length-prefixed frames off a byte
// stream. It holds no socket state; Transport feeds it bytes as they
// arrive and drains completed frames.
type frameDecoder struct {
	maxFrame int
	buf      bytes.Buffer
}

func newFrameDecoder(maxFrame int) *frameDecoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &frameDecoder{maxFrame: maxFrame}
}

// Feed appends newly-read bytes to the internal buffer.
func (d *frameDecoder) Feed(b []byte) {
	d.buf.Write(b)
}

// Next extracts one complete frame's payload, or (nil, false, nil) if more
// bytes are needed. It returns an error immediately on a declared length
// that exceeds maxFrame — the caller should close the transport rather
// than wait for bytes that will never arrive within budget.
func (d *frameDecoder) Next() ([]byte, bool, error) {
	avail := d.buf.Bytes()
	if len(avail) < FrameHeaderSize {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(avail[:FrameHeaderSize])
	if int(length) > d.maxFrame {
		return nil, false, fmt.Errorf("%w: declared %d bytes (max %d)", ErrFrameTooLarge, length, d.maxFrame)
	}
	total := FrameHeaderSize + int(length)
	if len(avail) < total {
		return nil, false, nil
	}
	payload := make([]byte, length)
	copy(payload, avail[FrameHeaderSize:total])
	d.buf.Next(total)
	return payload, true, nil
}
