package pronet

import (
	"sync"
)

// MsgClientObserver mirrors the original's IRtpMsgClientObserver
// one-to-one: OnOk fires exactly once per successful handshake (carrying
// the identity the server actually registered the link under — it may
// differ from what was requested if dynamic allocation was used), OnRecv
// fires per inbound message, OnClose fires exactly once terminally, and
// OnHeartbeat fires once per configured heartbeat period while the link
// stays alive.
type MsgClientObserver interface {
	OnOk(c *MsgClient, user MsgUser, publicIP string)
	OnRecv(c *MsgClient, src MsgUser, charset uint16, body []byte)
	OnClose(c *MsgClient, err error)
	OnHeartbeat(c *MsgClient)
}

// MsgClient maintains a single Session to a server (or C2S relay),
// sending application messages and surfacing the observer upcalls above.
// Grounded on rtp_msg.h's IRtpMsgClient: SendMsg/SendMsg2 map to
// SendMsg/SendMsg2 here, OnOkMsg/OnRecvMsg/OnCloseMsg/OnHeartbeatMsg map to
// OnOk/OnRecv/OnClose/OnHeartbeat on MsgClientObserver.
type MsgClient struct {
	reactor  *Reactor
	session  *Session
	observer MsgClientObserver

	mu       sync.Mutex
	user     MsgUser
	gotOk    bool
	okPublic string
}

// DialMsgClient connects to addr ("tcp://host:port", "tls://host:port",
// "unix:///path") and begins the login handshake as claimed, authenticated
// with password. The returned MsgClient is usable immediately; SendMsg
// before the handshake completes returns false at once.
func DialMsgClient(addr string, claimed MsgUser, password string, observer MsgClientObserver, opts ...Option) (*MsgClient, error) {
	ep, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}
	driver, ok := lookupDriver(ep.Scheme)
	if !ok {
		return nil, ErrUnsupportedScheme
	}
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := driver.Dial(ep, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.secureChannel != nil {
		conn, err = cfg.secureChannel.Client(conn)
		if err != nil {
			return nil, err
		}
	}

	c := &MsgClient{observer: observer, user: claimed}
	c.reactor = NewReactor(cfg, c)
	c.session = c.reactor.AdoptDialed(conn, claimed, password)
	return c, nil
}

// OnAccept implements Handler: attaches itself as the Session's observer.
func (c *MsgClient) OnAccept(s *Session) { s.SetObserver(c) }

// OnLogin implements SessionObserver. Never actually invoked on the client
// mirror of the handshake (handleClientAck establishes directly without
// routing through AwaitLoginHdr's OnFrame dispatch); present only to
// satisfy the interface.
func (c *MsgClient) OnLogin(s *Session, claimed MsgUser, hash [32]byte) (MsgUser, error) {
	return claimed, nil
}

// OnEstablished implements SessionObserver. The actual OnOk upcall is
// deferred to the first OnRecv, which carries the server's post-login
// identity-assignment frame (src == Root(), dst == [assigned user]).
func (c *MsgClient) OnEstablished(s *Session) {}

// OnRecv implements SessionObserver.
func (c *MsgClient) OnRecv(s *Session, src MsgUser, dst []MsgUser, charset uint16, body []byte) {
	c.mu.Lock()
	first := !c.gotOk
	if first && src.IsRoot() && len(dst) == 1 {
		c.user = dst[0]
		c.gotOk = true
		c.okPublic = string(body)
	}
	c.mu.Unlock()

	if first && src.IsRoot() && len(dst) == 1 {
		if c.observer != nil {
			c.observer.OnOk(c, c.LocalUser(), c.okPublic)
		}
		return
	}
	if len(dst) == 0 {
		if c.observer != nil {
			c.observer.OnHeartbeat(c)
		}
		return
	}
	if c.observer != nil {
		c.observer.OnRecv(c, src, charset, body)
	}
}

// OnClose implements SessionObserver.
func (c *MsgClient) OnClose(s *Session, err error) {
	if c.observer != nil {
		c.observer.OnClose(c, err)
	}
}

// SendMsg sends one payload to dst (spec.md §4.5). Returns false if the
// Session isn't Established yet or the send redline is exceeded.
func (c *MsgClient) SendMsg(body []byte, charset uint16, dst ...MsgUser) bool {
	return c.session.SendData(c.LocalUser(), dst, charset, body)
}

// SendMsg2 concatenates bufs into one payload before sending — the Go
// analogue of the original's scatter-gather SendMsg2(buf1,size1,buf2,...).
func (c *MsgClient) SendMsg2(charset uint16, dst []MsgUser, bufs ...[]byte) bool {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	body := make([]byte, 0, total)
	for _, b := range bufs {
		body = append(body, b...)
	}
	return c.session.SendData(c.LocalUser(), dst, charset, body)
}

// LocalUser returns the identity the server registered this link under,
// once known (valid any time after OnOk fires).
func (c *MsgClient) LocalUser() MsgUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Close tears down the Session.
func (c *MsgClient) Close() error {
	return c.session.Close()
}
