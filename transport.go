package pronet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sagernet/sing/common/bufio"
)

// TransportHandler receives upcalls from a Transport's recv loop. Session
// implements this to drive the handshake state machine and, once
// Established, hand data frames to the message fabric.
type TransportHandler interface {
	OnFrame(t *Transport, payload []byte)
	OnClose(t *Transport, err error)
}

// writeReq is one queued outbound frame. It carries no result channel:
// SendPacket reports backpressure from the queue state alone, and write
// errors surface through OnClose.
type writeReq struct {
	payload []byte
}

// Transport is the framed TCP4 byte stream every Session rides on:
// length-prefixed frames in both directions, a bounded outbound queue, and
// a redline past which SendPacket refuses new data instead of growing the
// queue unboundedly (spec.md §4.2's backpressure contract — never a fatal
// error, always a false return).
type Transport struct {
	conn    net.Conn
	cfg     *Config
	handler TransportHandler

	sendCh      chan writeReq
	sendQueued  atomic.Int64 // bytes currently queued, for the redline check
	recvQueued  atomic.Int64

	decoder *frameDecoder

	closed    atomic.Bool
	closeOnce sync.Once
	die       chan struct{}

	streamOffsetTX atomic.Int64
	streamOffsetRX atomic.Int64
	maskKey        [8]byte
	masked         bool

	flow *FlowStat
}

// NewTransport wraps an already-connected net.Conn (post SecureChannel
// handshake if one is configured). The caller must call Start to begin
// the recv/send loops.
func NewTransport(conn net.Conn, cfg *Config, handler TransportHandler) *Transport {
	return &Transport{
		conn:    conn,
		cfg:     cfg,
		handler: handler,
		sendCh:  make(chan writeReq, 256),
		decoder: newFrameDecoder(cfg.maxFrame),
		die:     make(chan struct{}),
		flow:    NewFlowStat(),
	}
}

// FlowInfo reports this link's most recently sampled in/out frame and byte
// rates (spec.md §9's per-link flow sampling supplement).
func (t *Transport) FlowInfo() FlowInfo { return t.flow.CalcInfo() }

// EnablePreMask turns on the XOR pre-mask (spec.md §4.3) for the first
// 16 KiB in each direction, keyed off the handshake nonce.
func (t *Transport) EnablePreMask(key [8]byte) {
	t.maskKey = key
	t.masked = true
}

// Start launches the recv and send loops. Call once.
func (t *Transport) Start() {
	go t.recvLoop()
	go t.sendLoop()
}

// SendPacket enqueues payload for transmission. It returns false — without
// blocking or erroring — if the send redline would be exceeded; callers
// treat that as backpressure, not failure (spec.md §7).
func (t *Transport) SendPacket(payload []byte) bool {
	if t.closed.Load() {
		return false
	}
	if t.sendQueued.Load()+int64(len(payload)) > int64(t.cfg.sendRedline) {
		t.cfg.metrics.IncrementBackpressureEvents()
		return false
	}
	select {
	case t.sendCh <- writeReq{payload: payload}:
		t.sendQueued.Add(int64(len(payload)))
		return true
	case <-t.die:
		return false
	default:
		t.cfg.metrics.IncrementBackpressureEvents()
		return false
	}
}

// Close tears down the socket and stops both loops. Safe to call more
// than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.die)
		err = t.conn.Close()
	})
	return err
}

func (t *Transport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *Transport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func (t *Transport) recvLoop() {
	readBuf := make([]byte, 64*1024)
	for {
		n, err := t.conn.Read(readBuf)
		if n > 0 {
			chunk := readBuf[:n]
			if t.masked {
				xorMask(t.maskKey, chunk, t.streamOffsetRX.Load())
				t.streamOffsetRX.Add(int64(n))
			}
			t.decoder.Feed(chunk)
			for {
				payload, ok, ferr := t.decoder.Next()
				if ferr != nil {
					t.fail(ferr)
					return
				}
				if !ok {
					break
				}
				t.recvQueued.Add(int64(len(payload)))
				if t.recvQueued.Load() > int64(t.cfg.recvRedline) {
					t.fail(fmt.Errorf("%w: recv redline exceeded", ErrResourceExhausted))
					return
				}
				t.cfg.metrics.IncrementFramesReceived()
				t.cfg.metrics.IncrementBytesReceived(int64(len(payload)))
				t.flow.PushData(1, int64(len(payload)))
				t.handler.OnFrame(t, payload)
				t.recvQueued.Add(-int64(len(payload)))
			}
		}
		if err != nil {
			if err == io.EOF {
				t.fail(ErrPeerClosed)
			} else {
				t.fail(fmt.Errorf("%w: %v", ErrTransportError, err))
			}
			return
		}
	}
}

func (t *Transport) sendLoop() {
	var lenBuf [4]byte
	vec := make([][]byte, 2)
	bw, vectorised := bufio.CreateVectorisedWriter(t.conn)

	for {
		select {
		case <-t.die:
			return
		case req := <-t.sendCh:
			t.sendQueued.Add(-int64(len(req.payload)))
			if len(req.payload) > DefaultMaxFrameSize {
				t.fail(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(req.payload)))
				return
			}
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(req.payload)))

			var werr error
			if t.masked && t.streamOffsetTX.Load() < preMaskWindow {
				// Masking mutates in place; can't vectorise a header we
				// didn't mask, so fall back to a single contiguous write.
				werr = t.maskedWrite(req.payload)
			} else if vectorised {
				vec[0] = lenBuf[:]
				vec[1] = req.payload
				_, werr = bufio.WriteVectorised(bw, vec)
			} else {
				werr = t.plainWrite(req.payload)
			}
			if werr != nil {
				t.fail(fmt.Errorf("%w: %v", ErrTransportError, werr))
				return
			}
			t.cfg.metrics.IncrementFramesSent()
			t.cfg.metrics.IncrementBytesSent(int64(len(req.payload)))
			t.flow.PopData(1, int64(len(req.payload)))
		}
	}
}

func (t *Transport) plainWrite(payload []byte) error {
	buf := bytes.NewBuffer(make([]byte, 0, FrameHeaderSize+len(payload)))
	if err := BuildFrame(buf, payload); err != nil {
		return err
	}
	_, err := t.conn.Write(buf.Bytes())
	return err
}

func (t *Transport) maskedWrite(payload []byte) error {
	buf := bytes.NewBuffer(make([]byte, 0, FrameHeaderSize+len(payload)))
	if err := BuildFrame(buf, payload); err != nil {
		return err
	}
	full := buf.Bytes()
	xorMask(t.maskKey, full, t.streamOffsetTX.Load())
	t.streamOffsetTX.Add(int64(len(full)))
	_, err := t.conn.Write(full)
	return err
}

func (t *Transport) fail(err error) {
	t.closed.Store(true)
	t.closeOnce.Do(func() {
		close(t.die)
		_ = t.conn.Close()
	})
	t.handler.OnClose(t, err)
}
