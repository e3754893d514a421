package pronet

import (
	"net"
	"os"

	"golang.org/x/net/netutil"
)

// unixDriver realizes Driver over Unix domain sockets, for same-host
// C2S-to-root links where a loopback TCP hop is unnecessary overhead.
type unixDriver struct{}

func (unixDriver) Dial(ep *Endpoint, cfg *Config) (net.Conn, error) {
	d := net.Dialer{Timeout: cfg.handshakeTimeout}
	return d.Dial("unix", ep.Address)
}

func (unixDriver) Listen(ep *Endpoint, cfg *Config) (net.Listener, error) {
	_ = os.Remove(ep.Address) // clear a stale socket file from a prior run
	lc := net.ListenConfig{}
	l, err := lc.Listen(cfg.ctx, "unix", ep.Address)
	if err != nil {
		return nil, err
	}
	return netutil.LimitListener(l, cfg.acceptBacklog), nil
}
