package pronet

import (
	"context"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// loginResult is the outcome of a downstream client_login round-trip
// arbitrated by the root server over the uplink.
type loginResult struct {
	ok   bool
	user MsgUser
}

// C2S is a downstream relay: it terminates client logins locally, tunnels
// each one through a single upstream trunk session to the root server for
// credential arbitration, and bridges data both ways afterward. Grounded on
// original_source/src/pro/pro_rtp/rtp_msg_c2s.cpp's CRtpMsgC2s — one
// uplink, many downlinks, login requests correlated by a per-relay index —
// with the pending-request bookkeeping modeled on
// rkruze-franz-go's broker request/promise map (one outstanding promise per
// in-flight correlation id, resolved by a later response frame).
type C2S struct {
	cfg      *Config
	reactor  *Reactor
	uplinkEP *Endpoint

	uplinkUser     MsgUser
	uplinkPassword string
	localTimeout   time.Duration

	mu               sync.Mutex
	uplink           *Session
	nextIndex        uint64
	pending          map[string]chan loginResult
	downstreamByUser map[MsgUser]*Session

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewC2S builds a relay that dials uplinkAddr as uplinkUser/uplinkPassword
// and serves downstream clients on whatever listener Serve is given.
// localTimeout bounds how long a downstream login blocks waiting for the
// uplink's arbitration reply before failing closed.
func NewC2S(uplinkAddr string, uplinkUser MsgUser, uplinkPassword string, localTimeout time.Duration, opts ...Option) (*C2S, error) {
	ep, err := ParseEndpoint(uplinkAddr)
	if err != nil {
		return nil, err
	}
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if localTimeout <= 0 {
		localTimeout = cfg.handshakeTimeout
	}
	c := &C2S{
		cfg:              cfg,
		uplinkEP:         ep,
		uplinkUser:       uplinkUser,
		uplinkPassword:   uplinkPassword,
		localTimeout:     localTimeout,
		pending:          make(map[string]chan loginResult),
		downstreamByUser: make(map[MsgUser]*Session),
		stopCh:           make(chan struct{}),
	}
	c.reactor = NewReactor(cfg, c)
	go c.dialLoop()
	return c, nil
}

// Serve accepts downstream client connections on l.
func (c *C2S) Serve(l net.Listener) { c.reactor.Bind(l) }

// Stop halts the relay's reactor and redial loop.
func (c *C2S) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return c.reactor.Stop()
}

// dialLoop keeps exactly one uplink session alive, redialing at
// cfg.c2sRedialInterval whenever it's lost (spec.md §4.6: "Uplink loss
// closes all downstream sessions and causes the C2S to re-dial with a 5 s
// interval").
func (c *C2S) dialLoop() {
	poll := NewAdaptivePoll(c.cfg.c2sRedialInterval, c.cfg.c2sRedialInterval)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		driver, ok := lookupDriver(c.uplinkEP.Scheme)
		if !ok {
			c.cfg.logger.Error("c2s: unsupported uplink scheme", "scheme", c.uplinkEP.Scheme)
			return
		}
		conn, err := driver.Dial(c.uplinkEP, c.cfg)
		if err != nil {
			c.cfg.logger.Warn("c2s: uplink dial failed", "err", err)
			poll.Sleep()
			continue
		}
		if c.cfg.secureChannel != nil {
			conn, err = c.cfg.secureChannel.Client(conn)
			if err != nil {
				c.cfg.logger.Warn("c2s: uplink secure handshake failed", "err", err)
				poll.Sleep()
				continue
			}
		}

		s := c.reactor.AdoptDialed(conn, c.uplinkUser, c.uplinkPassword)
		ctx, cancel := context.WithTimeout(c.cfg.ctx, c.cfg.handshakeTimeout)
		err = s.WaitEstablished(ctx)
		cancel()
		if err != nil {
			c.cfg.logger.Warn("c2s: uplink handshake failed", "err", err)
			_ = s.Close()
			poll.Sleep()
			continue
		}

		poll.Reset()
		c.mu.Lock()
		c.uplink = s
		c.mu.Unlock()
		c.cfg.logger.Info("c2s: uplink established", "user", s.LocalUser().String())

		<-s.Done()

		c.mu.Lock()
		c.uplink = nil
		c.mu.Unlock()
		c.cfg.logger.Warn("c2s: uplink lost, redialing")
		c.dropAllDownstream()
	}
}

// dropAllDownstream closes every downstream session once the uplink is
// lost — a C2S with no trunk can arbitrate nothing.
func (c *C2S) dropAllDownstream() {
	c.mu.Lock()
	victims := make([]*Session, 0, len(c.downstreamByUser))
	for _, s := range c.downstreamByUser {
		victims = append(victims, s)
	}
	c.downstreamByUser = make(map[MsgUser]*Session)
	pending := c.pending
	c.pending = make(map[string]chan loginResult)
	c.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- loginResult{ok: false}:
		default:
		}
	}
	for _, s := range victims {
		s.closeWithError(ErrC2SUplinkDown)
	}
}

// OnAccept implements Handler for both the uplink dial and every downstream
// accept — both land on the same reactor and report back to c.
func (c *C2S) OnAccept(s *Session) { s.SetObserver(c) }

// OnLogin implements SessionObserver. Never invoked for the uplink (the
// initiator side never visits AwaitLoginHdr); for a downstream client it
// forwards the login to the root for arbitration and blocks for the
// response (spec.md §4.6's login-relay step).
func (c *C2S) OnLogin(s *Session, claimed MsgUser, hash [32]byte) (MsgUser, error) {
	c.mu.Lock()
	up := c.uplink
	if up == nil {
		c.mu.Unlock()
		return MsgUser{}, ErrC2SUplinkDown
	}
	index := atomic.AddUint64(&c.nextIndex, 1)
	key := indexKey(index)
	ch := make(chan loginResult, 1)
	c.pending[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	msg := encodeC2SMessage(c2sMessage{
		Name: c2sMsgClientLogin,
		Fields: map[string]string{
			c2sKeyClientIndex: key,
			c2sKeyClientID:    claimed.String(),
			c2sKeyPublicIP:    s.observedPublicIP(),
			c2sKeyHash:        hex.EncodeToString(hash[:]),
			c2sKeyNonce:       hex.EncodeToString(s.nonce[:]),
		},
	})
	if !up.SendData(up.LocalUser(), []MsgUser{RootC2SControl()}, 0, msg) {
		return MsgUser{}, ErrResourceExhausted
	}

	select {
	case res := <-ch:
		if !res.ok {
			return MsgUser{}, ErrAuthFailed
		}
		c.mu.Lock()
		c.downstreamByUser[res.user] = s
		c.mu.Unlock()
		return res.user, nil
	case <-time.After(c.localTimeout):
		return MsgUser{}, ErrTimeout
	case <-c.stopCh:
		return MsgUser{}, ErrC2SUplinkDown
	}
}

// OnEstablished implements SessionObserver; nothing to do beyond what
// OnLogin (downstream) or dialLoop (uplink) already did.
func (c *C2S) OnEstablished(s *Session) {}

// OnRecv implements SessionObserver: dispatches by which side of the relay
// s is — the uplink trunk, or one of the downstream client links.
func (c *C2S) OnRecv(s *Session, src MsgUser, dst []MsgUser, charset uint16, body []byte) {
	c.mu.Lock()
	isUplink := s == c.uplink
	c.mu.Unlock()

	if isUplink {
		c.handleUplinkRecv(src, dst, charset, body)
		return
	}
	// Downstream data: forward verbatim onto the uplink, tagged with the
	// sender's own identity, exactly as the originating client addressed it.
	c.mu.Lock()
	up := c.uplink
	c.mu.Unlock()
	if up == nil {
		return
	}
	up.SendData(src, dst, charset, body)
}

func (c *C2S) handleUplinkRecv(src MsgUser, dst []MsgUser, charset uint16, body []byte) {
	// The root only ever addresses this link's own identity over src=Root()
	// for control-plane replies (client_login_ok/_error/_kickout); any other
	// traffic carries the originating client's own identity as src.
	if src.IsRoot() {
		if msg, err := decodeC2SMessage(body); err == nil {
			c.dispatchControl(msg)
			return
		}
	}
	for _, d := range dst {
		c.mu.Lock()
		s, ok := c.downstreamByUser[d]
		c.mu.Unlock()
		if ok {
			s.SendData(src, []MsgUser{d}, charset, body)
		}
	}
}

// dispatchControl handles the three reply kinds the root ever sends back
// unsolicited on the control channel: resolving a pending login, or
// enforcing a kickout the root initiated itself.
func (c *C2S) dispatchControl(msg c2sMessage) {
	switch msg.Name {
	case c2sMsgClientLoginOK:
		key := msg.Fields[c2sKeyClientIndex]
		user, err := ParseMsgUser(msg.Fields[c2sKeyClientID])
		c.mu.Lock()
		ch, ok := c.pending[key]
		c.mu.Unlock()
		if !ok {
			return
		}
		if err != nil {
			ch <- loginResult{ok: false}
			return
		}
		ch <- loginResult{ok: true, user: user}
	case c2sMsgClientLoginError:
		key := msg.Fields[c2sKeyClientIndex]
		c.mu.Lock()
		ch, ok := c.pending[key]
		c.mu.Unlock()
		if ok {
			ch <- loginResult{ok: false}
		}
	case c2sMsgClientKickout:
		user, err := ParseMsgUser(msg.Fields[c2sKeyClientID])
		if err != nil {
			return
		}
		c.mu.Lock()
		s, ok := c.downstreamByUser[user]
		if ok {
			delete(c.downstreamByUser, user)
		}
		c.mu.Unlock()
		if ok {
			s.Close()
		}
	}
}

// OnClose implements SessionObserver: drops a downstream session's entry
// and propagates an explicit client_logout upstream (spec.md §4.6). Uplink
// loss is handled by dialLoop (it needs the redial trigger, not just
// cleanup), so this only does the downstream bookkeeping.
func (c *C2S) OnClose(s *Session, err error) {
	c.mu.Lock()
	if s == c.uplink {
		c.mu.Unlock()
		return
	}
	var departed MsgUser
	var found bool
	for u, v := range c.downstreamByUser {
		if v == s {
			delete(c.downstreamByUser, u)
			departed, found = u, true
			break
		}
	}
	up := c.uplink
	c.mu.Unlock()

	if found && up != nil {
		msg := encodeC2SMessage(c2sMessage{
			Name:   c2sMsgClientLogout,
			Fields: map[string]string{c2sKeyClientID: departed.String()},
		})
		up.SendData(up.LocalUser(), []MsgUser{RootC2SControl()}, 0, msg)
	}
}

func indexKey(n uint64) string {
	const hexDigits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = hexDigits[n%16]
		n /= 16
	}
	return string(buf[i:])
}
