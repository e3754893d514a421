package pronet

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint names a dial/listen target: a transport scheme plus the address
// that scheme's Driver understands (host:port for tcp/tls, a filesystem
// path for unix).
type Endpoint struct {
	Scheme  string
	Address string
}

// ParseEndpoint accepts "tcp://host:port", "tls://host:port", and
// "unix:///path/to.sock" and splits them into the driver lookup key plus
// the address that driver's Dial/Listen expects.
func ParseEndpoint(raw string) (*Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "tcp", "tls":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: %q missing host:port", ErrInvalidConfig, raw)
		}
		return &Endpoint{Scheme: scheme, Address: u.Host}, nil
	case "unix":
		addr := u.Path
		if addr == "" {
			addr = u.Opaque
		}
		if addr == "" {
			return nil, fmt.Errorf("%w: %q missing socket path", ErrInvalidConfig, raw)
		}
		return &Endpoint{Scheme: scheme, Address: addr}, nil
	case "":
		return nil, fmt.Errorf("%w: %q missing scheme", ErrUnsupportedScheme, raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

func (e *Endpoint) String() string {
	if e.Scheme == "unix" {
		return "unix://" + e.Address
	}
	return e.Scheme + "://" + e.Address
}
