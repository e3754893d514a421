package pronet

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	mrand "math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is a node in the handshake state machine (spec.md §4.3).
type SessionState int

const (
	StateAccepted SessionState = iota
	StateSendNonce
	StateAwaitNonce // client mirror of SendNonce/AwaitServiceId
	StateAwaitServiceID
	StateServiceIDOk
	StateAwaitLoginHdr
	StateAuthPending
	StateEstablished
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAccepted:
		return "Accepted"
	case StateSendNonce:
		return "SendNonce"
	case StateAwaitNonce:
		return "AwaitNonce"
	case StateAwaitServiceID:
		return "AwaitServiceId"
	case StateServiceIDOk:
		return "ServiceIdOk"
	case StateAwaitLoginHdr:
		return "AwaitLoginHdr"
	case StateAuthPending:
		return "AuthPending"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SessionObserver receives upcalls as a Session progresses through the
// handshake and, once Established, as data frames arrive. OnLogin is the
// acceptor-side authorization/identity-resolution hook: it validates
// passwordHash against its credential store (passwordHash is
// SHA256(nonce||password), computed by the client against the nonce this
// Session generated) and returns the identity the link is actually
// registered under (resolving a dynamic-allocation request to a concrete
// userId). A non-nil error rejects the login with ErrAuthFailed.
type SessionObserver interface {
	OnLogin(s *Session, claimed MsgUser, passwordHash [32]byte) (MsgUser, error)
	OnEstablished(s *Session)
	OnRecv(s *Session, src MsgUser, dst []MsgUser, charset uint16, body []byte)
	OnClose(s *Session, err error)
}

// Session drives one peer's handshake and, once Established, shuttles
// data frames between its Transport and a SessionObserver (the message
// fabric's registry/server/client layer).
type Session struct {
	TraceID string // uuid, for log correlation

	conn      net.Conn
	cfg       *Config
	transport *Transport
	worker    *worker
	timers    *TimerWheel
	reactor   *Reactor

	mu    sync.Mutex
	state SessionState

	isInitiator bool
	nonce       [8]byte
	serviceID   byte
	serviceOpt  byte
	password    string

	localUser MsgUser
	peerUser  MsgUser

	observer SessionObserver

	heartbeatTimer TimerID
	handshakeTimer *time.Timer
	lastRecv       time.Time
	handshakeDone  chan struct{}
	handshakeErr   error
	doneOnce       sync.Once
	closeOnce      sync.Once
	closedCh       chan struct{}
}

func newSession(conn net.Conn, cfg *Config, w *worker, timers *TimerWheel, reactor *Reactor) *Session {
	s := &Session{
		TraceID:       uuid.New().String(),
		conn:          conn,
		cfg:           cfg,
		worker:        w,
		timers:        timers,
		reactor:       reactor,
		state:         StateAccepted,
		lastRecv:      time.Now(),
		handshakeDone: make(chan struct{}),
		closedCh:      make(chan struct{}),
	}
	s.transport = NewTransport(conn, cfg, s)
	return s
}

// SetObserver attaches the upper-layer message-fabric handler. Must be
// called before BeginServer/BeginClient (Handler.OnAccept does this
// synchronously, before the Reactor starts the handshake).
func (s *Session) SetObserver(o SessionObserver) { s.observer = o }

// BeginServer starts the acceptor side of the handshake (SendNonce first).
// A peer that hasn't reached Established within cfg.handshakeTimeout is
// dropped with ErrHandshakeTimeout (spec.md §7) instead of leaking its
// goroutine and socket forever.
func (s *Session) BeginServer() {
	s.transport.Start()
	if s.cfg.handshakeTimeout > 0 {
		s.handshakeTimer = time.AfterFunc(s.cfg.handshakeTimeout, func() {
			if s.State() != StateEstablished {
				s.closeWithError(ErrHandshakeTimeout)
			}
		})
	}
	s.enterSendNonce()
}

// BeginClient starts the initiator side of the handshake (AwaitNonce
// first — the client mirror spec.md §4.3 describes). password is hashed
// with the server's nonce (SHA256(nonce||password)) and carried in the
// login frame for the acceptor's credential check.
func (s *Session) BeginClient(localUser MsgUser, password string) {
	s.isInitiator = true
	s.localUser = localUser
	s.password = password
	s.transport.Start()
	s.setState(StateAwaitNonce)
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// generateNonce fills an 8-byte nonce with values in [1,255], shuffled,
// per the original acceptor's nonce dance.
func generateNonce() ([8]byte, error) {
	var n [8]byte
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return n, fmt.Errorf("%w: %v", ErrTransportError, err)
	}
	for i, b := range raw {
		n[i] = byte(b%255) + 1 // map into [1,255]
	}
	mrand.Shuffle(len(n), func(i, j int) { n[i], n[j] = n[j], n[i] })
	return n, nil
}

func (s *Session) enterSendNonce() {
	nonce, err := generateNonce()
	if err != nil {
		s.closeWithError(err)
		return
	}
	s.nonce = nonce
	s.setState(StateSendNonce)
	payload := encodeHeader0(header0{Version: 1, Nonce: nonce})
	if !s.transport.SendPacket(payload) {
		s.closeWithError(fmt.Errorf("%w: nonce send", ErrResourceExhausted))
		return
	}
	s.setState(StateAwaitServiceID)
}

// OnFrame implements TransportHandler. Handshake frames and data frames
// share one length-prefixed wire format; which decoder applies depends on
// session state.
func (s *Session) OnFrame(t *Transport, payload []byte) {
	s.lastRecv = time.Now()
	switch s.State() {
	case StateAwaitNonce:
		s.handleServerNonce(payload)
	case StateAwaitServiceID:
		s.handleClientServiceID(payload)
	case StateServiceIDOk:
		s.handleClientAck(payload)
	case StateAwaitLoginHdr:
		s.handleLoginHeader(payload)
	case StateEstablished:
		s.handleDataFrame(payload)
	default:
		s.closeWithError(fmt.Errorf("%w: frame in state %s", ErrProtocolViolation, s.State()))
	}
}

// --- server side ---

func (s *Session) handleClientServiceID(payload []byte) {
	h, err := decodeHeader0(payload)
	if err != nil {
		s.closeWithError(err)
		return
	}
	// Service-id validation: the byte immediately following the chosen
	// service id (serviceOpt) must equal serviceId+1 mod 256. The nonce is
	// not part of this check, and serviceOpt is not free for other use.
	if h.ServiceOpt != byte(h.ServiceID+1) {
		s.cfg.metrics.IncrementHandshakeFailures()
		s.closeWithError(fmt.Errorf("%w: service id check", ErrProtocolViolation))
		return
	}
	s.serviceID = h.ServiceID
	s.serviceOpt = h.ServiceOpt
	s.setState(StateServiceIDOk)
	ack := encodeHeader0(header0{Version: 1, Nonce: s.nonce, ServiceID: h.ServiceID, ServiceOpt: h.ServiceOpt})
	if !s.transport.SendPacket(ack) {
		s.closeWithError(fmt.Errorf("%w: ack send", ErrResourceExhausted))
		return
	}
	s.setState(StateAwaitLoginHdr)
}

func (s *Session) handleLoginHeader(payload []byte) {
	hdr, off, err := decodeMsgHeader(payload)
	if err != nil {
		s.closeWithError(err)
		return
	}
	var hash [32]byte
	copy(hash[:], payload[off:])
	s.setState(StateAuthPending)
	resolved := hdr.Src
	if s.observer != nil {
		resolved, err = s.observer.OnLogin(s, hdr.Src, hash)
		if err != nil {
			s.cfg.metrics.IncrementHandshakeFailures()
			s.closeWithError(fmt.Errorf("%w: %v", ErrAuthFailed, err))
			return
		}
	}
	s.peerUser = resolved
	s.establish()
	// Tell the client the identity it's actually registered under (it
	// matters when it logged in with a dynamic-allocation request,
	// claimed.UserID == 0) plus the public IP this link was observed from,
	// exactly as spec.md §4.3's ack frame does.
	s.SendData(Root(), []MsgUser{resolved}, 0, []byte(s.observedPublicIP()))
}

// observedPublicIP strips the port from the peer's remote address.
func (s *Session) observedPublicIP() string {
	host, _, err := net.SplitHostPort(s.RemoteAddr().String())
	if err != nil {
		return s.RemoteAddr().String()
	}
	return host
}

// --- client side ---

func (s *Session) handleServerNonce(payload []byte) {
	h, err := decodeHeader0(payload)
	if err != nil {
		s.closeWithError(err)
		return
	}
	s.nonce = h.Nonce
	serviceID := byte(1)
	reply := encodeHeader0(header0{Version: 1, Nonce: h.Nonce, ServiceID: serviceID, ServiceOpt: serviceID + 1})
	s.setState(StateServiceIDOk) // client mirror: awaiting the server's ack, which OnFrame routes to handleClientAck
	if !s.transport.SendPacket(reply) {
		s.closeWithError(fmt.Errorf("%w: service id send", ErrResourceExhausted))
	}
}

func (s *Session) handleClientAck(payload []byte) {
	if _, err := decodeHeader0(payload); err != nil {
		s.closeWithError(err)
		return
	}
	hdr := msgHeader{Charset: 0, Src: s.localUser}
	enc, err := encodeMsgHeader(hdr)
	if err != nil {
		s.closeWithError(err)
		return
	}
	hash := sha256.Sum256(append(s.nonce[:], s.password...))
	frame := make([]byte, 0, len(enc)+len(hash))
	frame = append(frame, enc...)
	frame = append(frame, hash[:]...)
	s.setState(StateAwaitLoginHdr)
	if !s.transport.SendPacket(frame) {
		s.closeWithError(fmt.Errorf("%w: login send", ErrResourceExhausted))
		return
	}
	s.establish()
}

func (s *Session) establish() {
	s.setState(StateEstablished)
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
	}
	if s.cfg.secureChannel != nil {
		s.transport.EnablePreMask(s.nonce)
	}
	if s.cfg.idleTimeout > 0 {
		s.heartbeatTimer = s.timers.Schedule(s.cfg.heartbeatInterval, s.onHeartbeatTick)
	}
	s.finishHandshake(nil)
	s.cfg.metrics.IncrementActiveLinks(1)
	if s.observer != nil {
		s.observer.OnEstablished(s)
	}
}

func (s *Session) handleDataFrame(payload []byte) {
	hdr, off, err := decodeMsgHeader(payload)
	if err != nil {
		s.cfg.metrics.IncrementDrops()
		return
	}
	body := payload[off:]
	if s.observer != nil {
		s.observer.OnRecv(s, hdr.Src, hdr.Dst, hdr.Charset, body)
	}
}

func (s *Session) onHeartbeatTick() {
	if s.State() != StateEstablished {
		return
	}
	if time.Since(s.lastRecv) > s.cfg.idleTimeout {
		s.closeWithError(ErrTimeout)
		return
	}
	from := s.localUser
	if from.IsZero() {
		from = s.peerUser
	}
	s.reactor.submit(s.worker, func() {
		s.SendData(from, nil, 0, nil) // empty envelope doubles as a heartbeat
	})
}

// SendData encodes and enqueues an application payload addressed to dst,
// fanning out to each destination at the message-fabric layer (Session
// itself only knows its own peer link).
func (s *Session) SendData(src MsgUser, dst []MsgUser, charset uint16, body []byte) bool {
	if s.State() != StateEstablished {
		return false
	}
	hdr, err := encodeMsgHeader(msgHeader{Charset: charset, Src: src, Dst: dst})
	if err != nil {
		return false
	}
	frame := make([]byte, 0, len(hdr)+len(body))
	frame = append(frame, hdr...)
	frame = append(frame, body...)
	return s.transport.SendPacket(frame)
}

// OnClose implements TransportHandler.
func (s *Session) OnClose(t *Transport, err error) {
	s.closeWithError(err)
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		wasEstablished := s.State() == StateEstablished
		s.setState(StateClosed)
		if s.handshakeTimer != nil {
			s.handshakeTimer.Stop()
		}
		if s.timers != nil && s.heartbeatTimer != 0 {
			s.timers.Cancel(s.heartbeatTimer)
		}
		_ = s.transport.Close()
		if wasEstablished {
			s.cfg.metrics.IncrementActiveLinks(-1)
		} else {
			s.finishHandshake(err)
		}
		if s.observer != nil {
			s.observer.OnClose(s, err)
		}
		close(s.closedCh)
	})
}

// Done returns a channel closed exactly once, when the Session terminates —
// at any point in its lifetime, not just during the handshake (unlike
// WaitEstablished/handshakeDone, which only ever fires once per the
// handshake phase). Used by a C2S relay's uplink to detect loss and redial.
func (s *Session) Done() <-chan struct{} { return s.closedCh }

// finishHandshake unblocks any WaitEstablished caller exactly once.
func (s *Session) finishHandshake(err error) {
	s.doneOnce.Do(func() {
		s.handshakeErr = err
		close(s.handshakeDone)
	})
}

// WaitEstablished blocks until the handshake reaches Established or Closed,
// or ctx is done first.
func (s *Session) WaitEstablished(ctx context.Context) error {
	select {
	case <-s.handshakeDone:
		return s.handshakeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the session's transport and notifies the observer with a
// clean ErrPeerClosed, for callers (e.g. MsgServer.Kickout) that need to
// drop a link deliberately.
func (s *Session) Close() error {
	s.closeWithError(ErrPeerClosed)
	return nil
}

func (s *Session) LocalUser() MsgUser   { return s.localUser }
func (s *Session) PeerUser() MsgUser    { return s.peerUser }
func (s *Session) RemoteAddr() net.Addr { return s.transport.RemoteAddr() }
func (s *Session) LocalAddr() net.Addr  { return s.transport.LocalAddr() }

// FlowInfo reports this link's most recently sampled in/out rates.
func (s *Session) FlowInfo() FlowInfo { return s.transport.FlowInfo() }
