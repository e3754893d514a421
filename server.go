package pronet

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
)

func hmacEqual(a, b []byte) bool { return subtle.ConstantTimeCompare(a, b) == 1 }

// CredentialStore is the external credential oracle spec.md §1 treats as
// out of scope (originally SQLite-backed): given a claimed identity, it
// returns what's needed to verify the login attempt and enforce its
// limits. MsgServer only ever calls Lookup; the storage backend is the
// embedder's concern.
type CredentialStore interface {
	Lookup(claimed MsgUser) (CredentialRecord, error)
}

// CredentialRecord is one row of the credential oracle's table
// ({classId, userId, maxInstances, isC2s, passwordHash, boundIp} in
// spec.md §6). Secret is combined with the session nonce
// (SHA256(nonce||Secret)) and compared against the hash the client sends
// in its login frame; it is the credential store's job to have already
// turned whatever the user actually typed into this shared secret.
type CredentialRecord struct {
	Secret       []byte
	MaxInstances int    // 0 = unlimited
	IPBinding    string // empty = unrestricted
	IsC2SNode    bool
}

type instanceKey struct {
	classID uint8
	userID  uint64
}

// MsgServer is the root message server: the terminal node of the fabric.
// It authenticates base users, owns the user→link registry, fans messages
// out by destination list, and holds the sub-user bookkeeping for every
// C2S relay attached to it. Grounded on
// original_source/src/pro/pro_rtp/rtp_msg_server.cpp's OnCheckUser/OnRecv
// dispatch; per-link serialized delivery follows rkruze-franz-go's
// promise-based broker request handling (LinkContext.enqueue ~
// broker.reqs/handleReqs).
type MsgServer struct {
	Reactor  *Reactor
	Registry *Registry
	creds    CredentialStore
	cfg      *Config

	// RootHandler, if set, receives every message addressed to Root()
	// (1-1-*) — the server's own "on_recv_msg" upcall.
	RootHandler func(src MsgUser, charset uint16, body []byte)

	mu        sync.Mutex
	instances map[instanceKey]int
}

// NewMsgServer builds a server with its own Reactor and Registry. Call
// Serve once per listener to start accepting.
func NewMsgServer(creds CredentialStore, opts ...Option) *MsgServer {
	cfg := applyConfig(opts)
	srv := &MsgServer{
		Registry:  NewRegistry(),
		creds:     creds,
		cfg:       cfg,
		instances: make(map[instanceKey]int),
	}
	srv.Reactor = NewReactor(cfg, srv)
	return srv
}

// Serve binds l and begins accepting logins on it.
func (srv *MsgServer) Serve(l net.Listener) { srv.Reactor.Bind(l) }

// Stop halts the reactor and every link it owns.
func (srv *MsgServer) Stop() error { return srv.Reactor.Stop() }

// OnAccept implements Handler: every accepted Session reports back to srv.
func (srv *MsgServer) OnAccept(s *Session) { s.SetObserver(srv) }

// OnLogin implements SessionObserver. It verifies the credential hash,
// enforces IP binding and the per-user instance cap, resolves dynamic
// allocation through the registry, and registers the new link.
func (srv *MsgServer) OnLogin(s *Session, claimed MsgUser, hash [32]byte) (MsgUser, error) {
	rec, err := srv.creds.Lookup(claimed)
	if err != nil {
		return MsgUser{}, fmt.Errorf("invalid id: %v", err)
	}
	want := sha256.Sum256(append(append([]byte{}, s.nonce[:]...), rec.Secret...))
	if !hmacEqual(want[:], hash[:]) {
		return MsgUser{}, fmt.Errorf("password mismatch")
	}
	if rec.IPBinding != "" {
		if host, _, splitErr := net.SplitHostPort(s.RemoteAddr().String()); splitErr == nil && host != rec.IPBinding {
			return MsgUser{}, fmt.Errorf("ip binding mismatch")
		}
	}

	resolved, err := srv.Registry.Resolve(claimed)
	if err != nil {
		return MsgUser{}, err
	}

	if rec.MaxInstances > 0 {
		key := instanceKey{resolved.ClassID, resolved.UserID}
		srv.mu.Lock()
		if srv.instances[key] >= rec.MaxInstances {
			srv.mu.Unlock()
			return MsgUser{}, fmt.Errorf("too many instances")
		}
		srv.instances[key]++
		srv.mu.Unlock()
	}

	srv.Registry.Register(resolved, s, rec.IsC2SNode)
	return resolved, nil
}

// OnEstablished implements SessionObserver. Nothing to do beyond what
// OnLogin already did; the link is routable the moment Register returned.
func (srv *MsgServer) OnEstablished(s *Session) {}

// OnRecv implements SessionObserver: parses the destination list and fans
// the payload out, one independent delivery per destination (spec.md §5 —
// no global ordering across destinations).
func (srv *MsgServer) OnRecv(s *Session, src MsgUser, dst []MsgUser, charset uint16, body []byte) {
	if len(dst) == 0 {
		return // heartbeat no-op frame
	}
	for _, d := range dst {
		srv.deliver(src, d, charset, body)
	}
}

func (srv *MsgServer) deliver(src, dst MsgUser, charset uint16, body []byte) {
	if dst.IsRoot() {
		if dst.InstID == RootInstC2SControl {
			srv.handleC2SControl(src, body)
			return
		}
		if srv.RootHandler != nil {
			srv.RootHandler(src, charset, body)
		}
		return
	}
	lc, ok := srv.Registry.ResolveLink(dst)
	if !ok {
		srv.cfg.metrics.IncrementDrops()
		return // unresolved destinations are silently dropped, spec.md §7
	}
	lc.enqueue(func() {
		lc.Session.SendData(src, []MsgUser{dst}, charset, body)
	})
}

// Kickout closes user's link if it's a base user, or — if user is a
// sub-user tunneled through a C2S — removes its entry and notifies the
// owning C2S with a client_kickout control message (spec.md §4.4/§4.6).
func (srv *MsgServer) Kickout(user MsgUser) {
	if lc, ok := srv.Registry.Lookup(user); ok {
		lc.Session.Close()
		return
	}
	owner, ok := srv.Registry.LookupSubUser(user)
	if !ok {
		return
	}
	srv.Registry.UnregisterSubUser(user)
	msg := encodeC2SMessage(c2sMessage{
		Name:   c2sMsgClientKickout,
		Fields: map[string]string{c2sKeyClientID: user.String()},
	})
	owner.enqueue(func() {
		owner.Session.SendData(Root(), []MsgUser{owner.User}, 0, msg)
	})
}

// OnClose implements SessionObserver: unregisters the link (and any
// instance-count reservation) once its Session goes down.
func (srv *MsgServer) OnClose(s *Session, err error) {
	user := s.PeerUser()
	if user.IsZero() {
		return
	}
	if lc, ok := srv.Registry.Lookup(user); ok && lc.Session == s {
		srv.Registry.Unregister(user)
		key := instanceKey{user.ClassID, user.UserID}
		srv.mu.Lock()
		if srv.instances[key] > 0 {
			srv.instances[key]--
		}
		srv.mu.Unlock()
	}
}

// handleC2SControl dispatches a control-plane record arriving on 1-1-65535
// from a C2S uplink (spec.md §4.6's table).
func (srv *MsgServer) handleC2SControl(from MsgUser, body []byte) {
	msg, err := decodeC2SMessage(body)
	if err != nil {
		return
	}
	owner, ok := srv.Registry.Lookup(from)
	if !ok {
		return
	}
	switch msg.Name {
	case c2sMsgClientLogin:
		srv.handleC2SClientLogin(owner, msg)
	case c2sMsgClientLogout:
		if u, err := ParseMsgUser(msg.Fields[c2sKeyClientID]); err == nil {
			srv.Registry.UnregisterSubUser(u)
		}
	}
}

// handleC2SClientLogin authenticates a downstream client on behalf of its
// C2S relay, replying client_login_ok/client_login_error on the same
// uplink (spec.md §4.6's arbitration step).
func (srv *MsgServer) handleC2SClientLogin(owner *LinkContext, msg c2sMessage) {
	index := msg.Fields[c2sKeyClientIndex] // the C2S's own counter-allocated correlation handle, echoed back verbatim
	claimed, err := ParseMsgUser(msg.Fields[c2sKeyClientID])
	// reply's id field carries the possibly-rewritten identity (dynamic
	// allocation resolves claimed.UserID == 0 to a concrete id) — it must
	// match what Registry.RegisterSubUser below keys subOwners under, or
	// the C2S's downstreamByUser and the server's subOwners diverge.
	reply := func(ok bool, id MsgUser) {
		name := c2sMsgClientLoginOK
		fields := map[string]string{c2sKeyClientIndex: index, c2sKeyClientID: id.String()}
		if !ok {
			name = c2sMsgClientLoginError
			fields = map[string]string{c2sKeyClientIndex: index}
		}
		enc := encodeC2SMessage(c2sMessage{Name: name, Fields: fields})
		owner.enqueue(func() {
			owner.Session.SendData(Root(), []MsgUser{owner.User}, 0, enc)
		})
	}
	if err != nil {
		reply(false, MsgUser{})
		return
	}
	rec, lookupErr := srv.creds.Lookup(claimed)
	if lookupErr != nil {
		reply(false, MsgUser{})
		return
	}
	nonce, nonceErr := hex.DecodeString(msg.Fields[c2sKeyNonce])
	gotHash, hashErr := hex.DecodeString(msg.Fields[c2sKeyHash])
	if nonceErr != nil || hashErr != nil {
		reply(false, MsgUser{})
		return
	}
	want := sha256.Sum256(append(append([]byte{}, nonce...), rec.Secret...))
	if !hmacEqual(want[:], gotHash) {
		reply(false, MsgUser{})
		return
	}
	resolved, err := srv.Registry.Resolve(claimed)
	if err != nil {
		reply(false, MsgUser{})
		return
	}
	if regErr := srv.Registry.RegisterSubUser(resolved, owner); regErr != nil {
		reply(false, MsgUser{})
		return
	}
	reply(true, resolved)
}
