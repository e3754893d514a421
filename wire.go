package pronet

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Wire-level constants shared by the handshake and data envelopes, ported
// from rtp_msg.h's RTP_MSG_HEADER0/RTP_MSG_HEADER.
const (
	// DefaultMaxFrameSize bounds a single TCP4 frame's payload; the 4-byte
	// length prefix is not counted. 96 MiB matches the original's practical
	// ceiling for a chat-sized fabric. WithMaxFrameSize lowers the inbound
	// limit; outbound frames are always checked against this constant.
	DefaultMaxFrameSize = 96 * 1024 * 1024

	// preMaskWindow is how many bytes of a freshly-secured stream get the
	// XOR pre-mask applied (spec.md §4.3, Open Question resolved in
	// DESIGN.md: unconditional whenever a SecureChannel is present).
	preMaskWindow = 16 * 1024

	header0Size = 1 + 8 + 1 + 1 + 2 // version + nonce + serviceId + serviceOpt + reserved
)

// header0 is the handshake/ack frame, RTP_MSG_HEADER0's Go mirror. It never
// carries a payload; it's the entire frame during nonce exchange and the
// final ack.
type header0 struct {
	Version    uint8
	Nonce      [8]byte
	ServiceID  uint8
	ServiceOpt uint8
}

func encodeHeader0(h header0) []byte {
	buf := make([]byte, header0Size)
	buf[0] = h.Version
	copy(buf[1:9], h.Nonce[:])
	buf[9] = h.ServiceID
	buf[10] = h.ServiceOpt
	// bytes 11-12 reserved, zero
	return buf
}

func decodeHeader0(b []byte) (header0, error) {
	if len(b) != header0Size {
		return header0{}, fmt.Errorf("%w: short header0 (%d bytes)", ErrProtocolViolation, len(b))
	}
	var h header0
	h.Version = b[0]
	copy(h.Nonce[:], b[1:9])
	h.ServiceID = b[9]
	h.ServiceOpt = b[10]
	return h, nil
}

// msgHeader is the data envelope prepended to every post-handshake payload,
// RTP_MSG_HEADER's Go mirror: a 16-bit charset tag the fabric never
// interprets, the sender's identity, and the destination fan-out list.
type msgHeader struct {
	Charset uint16
	Src     MsgUser
	Dst     []MsgUser
}

// encodeMsgHeader serializes charset(2, big-endian) + src + len(dst) +
// dst[...], each MsgUser as classId(1) + userId(5, big-endian) + instId(2).
func encodeMsgHeader(h msgHeader) ([]byte, error) {
	if len(h.Dst) > 255 {
		return nil, fmt.Errorf("%w: %d destinations exceeds 255", ErrProtocolViolation, len(h.Dst))
	}
	buf := new(bytes.Buffer)
	var cs [2]byte
	binary.BigEndian.PutUint16(cs[:], h.Charset)
	buf.Write(cs[:])
	writeMsgUser(buf, h.Src)
	buf.WriteByte(byte(len(h.Dst)))
	for _, d := range h.Dst {
		writeMsgUser(buf, d)
	}
	return buf.Bytes(), nil
}

func writeMsgUser(buf *bytes.Buffer, u MsgUser) {
	buf.WriteByte(u.ClassID)
	var id5 [5]byte
	id5[0] = byte(u.UserID >> 32)
	id5[1] = byte(u.UserID >> 24)
	id5[2] = byte(u.UserID >> 16)
	id5[3] = byte(u.UserID >> 8)
	id5[4] = byte(u.UserID)
	buf.Write(id5[:])
	var inst [2]byte
	binary.BigEndian.PutUint16(inst[:], u.InstID)
	buf.Write(inst[:])
}

const msgUserWireSize = 1 + 5 + 2

func readMsgUser(b []byte) (MsgUser, error) {
	if len(b) < msgUserWireSize {
		return MsgUser{}, fmt.Errorf("%w: short user (%d bytes)", ErrProtocolViolation, len(b))
	}
	classID := b[0]
	userID := uint64(b[1])<<32 | uint64(b[2])<<24 | uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
	instID := binary.BigEndian.Uint16(b[6:8])
	return NewMsgUser(classID, userID, instID), nil
}

func decodeMsgHeader(b []byte) (msgHeader, int, error) {
	if len(b) < 2+msgUserWireSize+1 {
		return msgHeader{}, 0, fmt.Errorf("%w: short msg header (%d bytes)", ErrProtocolViolation, len(b))
	}
	h := msgHeader{Charset: binary.BigEndian.Uint16(b[0:2])}
	src, err := readMsgUser(b[2:])
	if err != nil {
		return msgHeader{}, 0, err
	}
	h.Src = src
	off := 2 + msgUserWireSize
	count := int(b[off])
	off++
	if len(b) < off+count*msgUserWireSize {
		return msgHeader{}, 0, fmt.Errorf("%w: truncated dst list", ErrProtocolViolation)
	}
	h.Dst = make([]MsgUser, count)
	for i := 0; i < count; i++ {
		u, err := readMsgUser(b[off:])
		if err != nil {
			return msgHeader{}, 0, err
		}
		h.Dst[i] = u
		off += msgUserWireSize
	}
	return h, off, nil
}

// xorMask XORs in with a repeating key derived from the handshake nonce.
// Applied to the first preMaskWindow bytes of a secured stream in each
// direction (spec.md §4.3); a no-op once the window is exhausted.
func xorMask(key [8]byte, data []byte, streamOffset int64) {
	if streamOffset >= preMaskWindow {
		return
	}
	end := len(data)
	if remaining := preMaskWindow - streamOffset; int64(end) > remaining {
		end = int(remaining)
	}
	for i := 0; i < end; i++ {
		data[i] ^= key[(streamOffset+int64(i))%8]
	}
}

// --- C2S control plane: key/value text protocol over user 1-1-65535 ---
//
// Grounded on rtp_msg_c2s.cpp's TAG_msg_name family: a line-oriented
// "key=value" stream, one control message per logical record, never JSON.

const (
	c2sMsgClientLogin      = "client_login"
	c2sMsgClientLoginOK    = "client_login_ok"
	c2sMsgClientLoginError = "client_login_error"
	c2sMsgClientLogout     = "client_logout"
	c2sMsgClientKickout    = "client_kickout"

	c2sKeyMsgName     = "msg_name"
	c2sKeyClientIndex = "client_index"
	c2sKeyClientID    = "client_id"
	c2sKeyPublicIP    = "client_public_ip"
	c2sKeyHash        = "client_hash_string"
	c2sKeyNonce       = "client_nonce"
)

// c2sMessage is a parsed control-plane record.
type c2sMessage struct {
	Name   string
	Fields map[string]string
}

// encodeC2SMessage renders key=value pairs separated by '\n', terminated by
// an empty line, matching the original's line-oriented control stream.
func encodeC2SMessage(m c2sMessage) []byte {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "%s=%s\n", c2sKeyMsgName, m.Name)
	for k, v := range m.Fields {
		fmt.Fprintf(buf, "%s=%s\n", k, v)
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

func decodeC2SMessage(b []byte) (c2sMessage, error) {
	lines := bytes.Split(bytes.TrimRight(b, "\n"), []byte("\n"))
	m := c2sMessage{Fields: make(map[string]string, len(lines))}
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		kv := bytes.SplitN(line, []byte("="), 2)
		if len(kv) != 2 {
			return c2sMessage{}, fmt.Errorf("%w: malformed c2s field %q", ErrProtocolViolation, line)
		}
		key, val := string(kv[0]), string(kv[1])
		if key == c2sKeyMsgName {
			m.Name = val
			continue
		}
		m.Fields[key] = val
	}
	if m.Name == "" {
		return c2sMessage{}, fmt.Errorf("%w: c2s message missing %s", ErrProtocolViolation, c2sKeyMsgName)
	}
	return m, nil
}
