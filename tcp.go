package pronet

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"
)

// tcpDriver realizes Driver over plain TCP4 sockets. Grounded on the
// teacher's RegisterFactory pattern; the socket tuning (SO_REUSEADDR,
// TCP_NODELAY) is ported from the original's pro_net acceptor/connector
// setup.
type tcpDriver struct{}

func (tcpDriver) Dial(ep *Endpoint, cfg *Config) (net.Conn, error) {
	d := net.Dialer{
		Timeout: cfg.handshakeTimeout,
		Control: controlReuseAddr,
	}
	conn, err := d.Dial("tcp4", ep.Address)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

func (tcpDriver) Listen(ep *Endpoint, cfg *Config) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	l, err := lc.Listen(cfg.ctx, "tcp4", ep.Address)
	if err != nil {
		return nil, err
	}
	// LimitListener bounds accepted connections that are still open; at
	// the cap Accept blocks until one closes.
	return netutil.LimitListener(&tcpKeepaliveListener{l.(*net.TCPListener)}, cfg.acceptBacklog), nil
}

// tcpKeepaliveListener enables TCP keepalive on every accepted connection,
// matching net/http's internal listener and the original's socket options.
type tcpKeepaliveListener struct {
	*net.TCPListener
}

func (l *tcpKeepaliveListener) Accept() (net.Conn, error) {
	conn, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = conn.SetKeepAlive(true)
	_ = conn.SetKeepAlivePeriod(3 * time.Minute)
	_ = conn.SetNoDelay(true)
	return conn, nil
}

func controlReuseAddr(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
}
