package pronet

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/flynn/noise"
)

// SecureChannel is the pluggable trust-store collaborator spec.md treats
// as external to the core: a byte-stream filter applied between the raw
// socket and the framing layer. TLSChannel and NoiseChannel are the two
// realizations this module ships.
type SecureChannel interface {
	// Client wraps conn as the connection initiator.
	Client(conn net.Conn) (net.Conn, error)
	// Server wraps conn as the connection acceptor.
	Server(conn net.Conn) (net.Conn, error)
}

// TLSChannel realizes SecureChannel over crypto/tls. tls.Config.RootCAs and
// Certificates *are* the pluggable trust store spec.md's architecture
// calls for — there's no pack library substitute for the standard TLS
// handshake itself.
type TLSChannel struct {
	Config *tls.Config
}

func (t *TLSChannel) Client(conn net.Conn) (net.Conn, error) {
	c := tls.Client(conn, t.Config)
	if err := c.Handshake(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return c, nil
}

func (t *TLSChannel) Server(conn net.Conn) (net.Conn, error) {
	c := tls.Server(conn, t.Config)
	if err := c.Handshake(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return c, nil
}

// NoiseOverhead is the encryption overhead: 4-byte length prefix + 16-byte
// AES-GCM tag.
const NoiseOverhead = 4 + 16

// defaultCipherSuite is the Noise cipher suite used for every NoiseChannel
// connection. Cached at package level since it's immutable and reusable.
var defaultCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// NoiseChannel realizes SecureChannel with an anonymous Noise_NN handshake
// (no certificates), for deployments without PKI. It is the lightweight
// alternative TLSChannel's trust-store model doesn't cover.
type NoiseChannel struct{}

func (NoiseChannel) Client(conn net.Conn) (net.Conn, error) {
	return newNoiseConn(conn, true)
}

func (NoiseChannel) Server(conn net.Conn) (net.Conn, error) {
	return newNoiseConn(conn, false)
}

// noiseHandshake drives a Noise_NN two-message handshake over conn.
type noiseHandshake struct {
	hs          *noise.HandshakeState
	isInitiator bool
}

func newNoiseHandshake(isInitiator bool) (*noiseHandshake, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: defaultCipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   isInitiator,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return &noiseHandshake{hs: hs, isInitiator: isInitiator}, nil
}

// noiseConn wraps a net.Conn with Noise_NN encryption, length-prefixing
// each sealed chunk exactly as the teacher's Noise.SealData/UnsealData did.
type noiseConn struct {
	net.Conn
	send  *noise.CipherState
	recv  *noise.CipherState
	plain []byte // decrypted bytes not yet returned to Read
}

func newNoiseConn(conn net.Conn, isInitiator bool) (*noiseConn, error) {
	hs, err := newNoiseHandshake(isInitiator)
	if err != nil {
		return nil, err
	}
	if isInitiator {
		msg, _, _, err := hs.hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		if err := writeFrame(conn, msg); err != nil {
			return nil, err
		}
		reply, err := readFrame(conn)
		if err != nil {
			return nil, err
		}
		_, cs1, cs2, err := hs.hs.ReadMessage(nil, reply)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		return &noiseConn{Conn: conn, send: cs1, recv: cs2}, nil
	}

	msg, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.hs.ReadMessage(nil, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	reply, cs1, cs2, err := hs.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := writeFrame(conn, reply); err != nil {
		return nil, err
	}
	return &noiseConn{Conn: conn, send: cs2, recv: cs1}, nil
}

func writeFrame(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportError, err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportError, err)
	}
	return nil
}

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportError, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportError, err)
	}
	return buf, nil
}

func (c *noiseConn) Write(p []byte) (int, error) {
	sealed, err := c.send.Encrypt(make([]byte, 0, len(p)+NoiseOverhead-4), nil, p)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransportError, err)
	}
	if err := writeFrame(c.Conn, sealed); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *noiseConn) Read(p []byte) (int, error) {
	for len(c.plain) == 0 {
		sealed, err := readFrame(c.Conn)
		if err != nil {
			return 0, err
		}
		plain, err := c.recv.Decrypt(sealed[:0], nil, sealed)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrTransportError, err)
		}
		c.plain = plain
	}
	n := copy(p, c.plain)
	c.plain = c.plain[n:]
	return n, nil
}
