package pronet

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoSessionObserver is a bare-bones SessionObserver used to drive Session
// handshakes directly, below the MsgServer/MsgClient layer.
type echoSessionObserver struct {
	loginFn     func(claimed MsgUser, hash [32]byte) (MsgUser, error)
	onClose     chan error
	established chan struct{}
}

func newEchoSessionObserver() *echoSessionObserver {
	return &echoSessionObserver{onClose: make(chan error, 1), established: make(chan struct{}, 1)}
}

func (o *echoSessionObserver) OnLogin(s *Session, claimed MsgUser, hash [32]byte) (MsgUser, error) {
	if o.loginFn != nil {
		return o.loginFn(claimed, hash)
	}
	return claimed, nil
}

func (o *echoSessionObserver) OnEstablished(s *Session) {
	select {
	case o.established <- struct{}{}:
	default:
	}
}
func (o *echoSessionObserver) OnRecv(s *Session, src MsgUser, dst []MsgUser, charset uint16, body []byte) {
}

func (o *echoSessionObserver) OnClose(s *Session, err error) {
	select {
	case o.onClose <- err:
	default:
	}
}

// sessionHandler adapts a single SessionObserver into a reactor Handler for
// low-level Session tests that don't need the full message fabric.
type sessionHandler struct {
	observer SessionObserver
}

func (h *sessionHandler) OnAccept(s *Session) { s.SetObserver(h.observer) }

func dialSessionPair(t *testing.T, cfg *Config, serverObs, clientObs SessionObserver, claimed MsgUser, password string) (*Reactor, *Reactor, net.Listener) {
	t.Helper()
	l := listenLoopback(t)
	serverReactor := NewReactor(cfg, &sessionHandler{observer: serverObs})
	serverReactor.Bind(l)

	clientReactor := NewReactor(cfg, &sessionHandler{observer: clientObs})
	driver, ok := lookupDriver("tcp")
	require.True(t, ok)
	ep, err := ParseEndpoint("tcp://" + l.Addr().String())
	require.NoError(t, err)
	conn, err := driver.Dial(ep, cfg)
	require.NoError(t, err)
	clientReactor.AdoptDialed(conn, claimed, password)

	return serverReactor, clientReactor, l
}

// A full handshake reaches Established on both sides, and WaitEstablished
// unblocks with a nil error.
func TestSessionHandshakeEstablishes(t *testing.T) {
	cfg := defaultConfig()
	cfg.heartbeatInterval = time.Hour
	serverObs := newEchoSessionObserver()
	clientObs := newEchoSessionObserver()

	sr, cr, l := dialSessionPair(t, cfg, serverObs, clientObs, NewMsgUser(2, 1, 0), "pw")
	defer l.Close()
	defer sr.Stop()
	defer cr.Stop()

	select {
	case <-serverObs.established:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of the handshake never reached Established")
	}
	select {
	case <-clientObs.established:
	case <-time.After(2 * time.Second):
		t.Fatal("client side of the handshake never reached Established")
	}
}

// Done() closes exactly once, at session teardown, independent of whether
// the handshake ever completed.
func TestSessionDoneClosesOnTeardown(t *testing.T) {
	cfg := defaultConfig()
	cfg.heartbeatInterval = time.Hour
	client, server := net.Pipe()
	defer server.Close()

	r := NewReactor(cfg, &sessionHandler{observer: newEchoSessionObserver()})
	defer r.Stop()
	s := r.newBoundSession(client)
	s.SetObserver(newEchoSessionObserver())

	select {
	case <-s.Done():
		t.Fatal("Done must not be closed before the session ends")
	default:
	}

	require.NoError(t, s.Close())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done never closed after Close")
	}
}

// Close is idempotent: calling it twice does not panic and Done stays
// closed.
func TestSessionCloseIdempotent(t *testing.T) {
	cfg := defaultConfig()
	client, server := net.Pipe()
	defer server.Close()

	r := NewReactor(cfg, &sessionHandler{observer: newEchoSessionObserver()})
	defer r.Stop()
	s := r.newBoundSession(client)
	s.SetObserver(newEchoSessionObserver())

	require.NoError(t, s.Close())
	assert.NotPanics(t, func() { s.Close() })
	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

// WaitEstablished returns ctx.Err() if the context is cancelled before the
// handshake finishes.
func TestSessionWaitEstablishedContextCancel(t *testing.T) {
	cfg := defaultConfig()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewReactor(cfg, &sessionHandler{observer: newEchoSessionObserver()})
	defer r.Stop()
	s := r.newBoundSession(client)
	s.SetObserver(newEchoSessionObserver())
	// Deliberately never start the handshake (BeginServer/BeginClient), so
	// it can never complete on its own.

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WaitEstablished(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// SendData on a Session that never reached Established returns false.
func TestSessionSendDataNotEstablished(t *testing.T) {
	cfg := defaultConfig()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewReactor(cfg, &sessionHandler{observer: newEchoSessionObserver()})
	defer r.Stop()
	s := r.newBoundSession(client)
	s.SetObserver(newEchoSessionObserver())

	assert.False(t, s.SendData(NewMsgUser(2, 1, 0), []MsgUser{NewMsgUser(2, 2, 0)}, 0, []byte("x")))
}

// A rejected OnLogin closes the session with ErrAuthFailed wrapped in.
func TestSessionLoginRejected(t *testing.T) {
	cfg := defaultConfig()
	cfg.heartbeatInterval = time.Hour
	serverObs := newEchoSessionObserver()
	serverObs.loginFn = func(claimed MsgUser, hash [32]byte) (MsgUser, error) {
		return MsgUser{}, ErrAuthFailed
	}
	clientObs := newEchoSessionObserver()

	sr, cr, l := dialSessionPair(t, cfg, serverObs, clientObs, NewMsgUser(2, 1, 0), "pw")
	defer l.Close()
	defer sr.Stop()
	defer cr.Stop()

	select {
	case err := <-clientObs.onClose:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client never saw OnClose after a rejected login")
	}
}
