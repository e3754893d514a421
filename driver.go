package pronet

import (
	"fmt"
	"net"
	"sort"
)

// Driver is how a transport scheme (tcp, unix, tls) turns an Endpoint into
// raw net.Conn/net.Listener values. Generalized from the teacher's
// cloud-storage-backend Driver interface to real sockets: Dial/Listen
// replace PostHandshake/GetHandshakes polling since a socket backend has
// no bootstrap-token exchange of its own — that dance lives one layer up,
// in Session.
type Driver interface {
	// Dial opens a raw connection to ep.Address.
	Dial(ep *Endpoint, cfg *Config) (net.Conn, error)
	// Listen opens a raw listener bound to ep.Address.
	Listen(ep *Endpoint, cfg *Config) (net.Listener, error)
}

var driverFactories = make(map[string]Driver)

// RegisterDriver registers a Driver for the given scheme ("tcp", "unix",
// "tls"). Panics on duplicate registration, matching the teacher's
// RegisterFactory.
func RegisterDriver(scheme string, d Driver) {
	if _, dup := driverFactories[scheme]; dup {
		panic("pronet: driver already registered for scheme " + scheme)
	}
	driverFactories[scheme] = d
}

// UnregisterDriver removes a driver registration; mainly useful in tests.
func UnregisterDriver(scheme string) {
	delete(driverFactories, scheme)
}

// RegisteredSchemes lists every scheme with a registered Driver.
func RegisteredSchemes() []string {
	schemes := make([]string, 0, len(driverFactories))
	for scheme := range driverFactories {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

func lookupDriver(scheme string) (Driver, bool) {
	d, ok := driverFactories[scheme]
	return d, ok
}

func init() {
	RegisterDriver("tcp", tcpDriver{})
	RegisterDriver("unix", unixDriver{})
	RegisterDriver("tls", tlsDriver{})
}

// DialRaw opens a raw socket to addr ("tcp://host:port", "unix:///path",
// "tls://host:port") without attaching a Session/Transport. Most callers
// want DialMsgClient instead; DialRaw exists for tests and for tools that
// want to drive the handshake manually.
func DialRaw(addr string, opts ...Option) (net.Conn, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}
	d, ok := lookupDriver(ep.Scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, ep.Scheme)
	}
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := d.Dial(ep, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.secureChannel != nil {
		return cfg.secureChannel.Client(conn)
	}
	return conn, nil
}

// ListenRaw opens a raw listener on addr. Pass it to MsgServer.Serve or
// C2S.Serve to bind it to a Reactor.
func ListenRaw(addr string, opts ...Option) (net.Listener, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}
	d, ok := lookupDriver(ep.Scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, ep.Scheme)
	}
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l, err := d.Listen(ep, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.secureChannel != nil {
		return &secureListener{Listener: l, sc: cfg.secureChannel}, nil
	}
	return l, nil
}

// secureListener wraps Accept so every returned conn has completed the
// configured SecureChannel's server-side handshake.
type secureListener struct {
	net.Listener
	sc SecureChannel
}

func (l *secureListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	secured, err := l.sc.Server(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return secured, nil
}
