package pronet

// tlsDriver dials/listens over plain TCP4 exactly like tcpDriver; the TLS
// handshake itself is layered on afterward by the configured SecureChannel
// (DialRaw/ListenRaw call SecureChannel.Client/Server when one is set).
// The scheme by itself adds no TLS: without a SecureChannel a "tls" link
// is plain TCP, and nothing checks that the scheme and the option agree.
type tlsDriver struct {
	tcpDriver
}
