// Package hub implements the central node (spec §4.7): it accepts both
// direct clients and C2S relays on a single port, owns the one
// authoritative user2Link routing table, and brokers sub-user logins a
// C2S reports over its uplink.
package hub

import (
	"crypto/tls"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"bken/relay/internal/handshake"
	"bken/relay/internal/identity"
	"bken/relay/internal/msgctl"
	"bken/relay/internal/router"
	"bken/relay/internal/session"
	"bken/relay/internal/store"
	"bken/relay/internal/timer"
	"bken/relay/internal/transport"
	"bken/relay/internal/wire"
)

// DefaultHeartbeatPeriod is the reactor heartbeat tick hub-side sessions
// run at.
const DefaultHeartbeatPeriod = time.Second

// Observer receives hub-level lifecycle events, for logging/ops tooling.
type Observer interface {
	OnOkUser(user identity.User, isC2s bool)
	OnCloseUser(user identity.User)
}

// Config parameterizes New.
type Config struct {
	Addr              string
	TLSConfig         *tls.Config // non-nil accepts SSL-EX in addition to TCP-EX
	EnablePreamble    bool
	MaxPendingAccepts int32
	Heartbeat         time.Duration
	RedlineBytes      int
}

// Server is the hub: one Acceptor, one router.Table, one IUserStore.
type Server struct {
	cfg      Config
	acceptor *handshake.Acceptor
	timers   *timer.Wheel
	table    *router.Table
	store    store.IUserStore
	obs      Observer

	dynCounter atomic.Uint64
}

// New binds cfg.Addr and starts accepting; Serve must be called to pump
// the accept loop.
func New(cfg Config, timers *timer.Wheel, st store.IUserStore, obs Observer) (*Server, error) {
	acceptor, err := handshake.NewAcceptor(cfg.Addr, cfg.EnablePreamble, cfg.MaxPendingAccepts)
	if err != nil {
		return nil, err
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeatPeriod
	}
	return &Server{
		cfg:      cfg,
		acceptor: acceptor,
		timers:   timers,
		table:    router.NewTable(timers),
		store:    st,
		obs:      obs,
	}, nil
}

// Table exposes the router state for /metrics and /healthz wiring
// (metrics.RouterSource / obsvr.HealthSource).
func (s *Server) Table() *router.Table { return s.table }

// Acceptor exposes the accept-phase counters for metrics.AcceptorSource.
func (s *Server) Acceptor() *handshake.Acceptor { return s.acceptor }

func (s *Server) Addr() net.Addr { return s.acceptor.Addr() }

func (s *Server) Close() error { return s.acceptor.Close() }

// Serve pumps the accept loop until the acceptor's listener closes.
func (s *Server) Serve() error {
	for {
		acc, err := s.acceptor.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(acc)
	}
}

func (s *Server) handleConn(acc handshake.Accepted) {
	conn := acc.Conn

	if s.cfg.TLSConfig != nil {
		tlsConn := tls.Server(conn, s.cfg.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return
		}
		conn = tlsConn
	}

	nonce, err := handshake.NewHandshakeNonce()
	if err != nil {
		_ = conn.Close()
		return
	}
	if err := handshake.WriteHandshakeNonce(conn, nonce, handshake.PreambleTimeout); err != nil {
		_ = conn.Close()
		return
	}

	var acct store.Account
	var found bool
	checkPassword := func(requested wire.MsgHeader0, hash [handshake.PasswordHashSize]byte) bool {
		a, ok, err := s.store.Lookup(requested.User)
		if err != nil || !ok {
			return false
		}
		if handshake.PasswordHash(nonce, a.Password) != hash {
			return false
		}
		acct, found = a, true
		return true
	}
	assignIdentity := func(requested wire.MsgHeader0, remoteIP [4]byte) wire.MsgHeader0 {
		user := requested.User
		if user.UserID == 0 {
			user.UserID = s.allocDynamicUserID(user.ClassID)
		}
		return wire.MsgHeader0{Version: requested.Version, User: user, PublicIP: remoteIP}
	}

	result, err := handshake.ServeHandshake(conn, nonce, wire.PackTCP4, checkPassword, assignIdentity, handshake.MsgLayerTimeout)
	if err != nil || !found {
		_ = conn.Close()
		return
	}
	if acct.BoundIP != "" {
		if host, _, e := net.SplitHostPort(conn.RemoteAddr().String()); e != nil || host != acct.BoundIP {
			_ = conn.Close()
			return
		}
	}

	user := result.Header0.User
	isC2s := acct.IsC2s && user.ClassID == identity.ClassServer

	lo := &linkObserver{srv: s}
	sess := session.New(s.timers, wire.PackTCP4, lo, s.cfg.RedlineBytes)
	link := router.NewLink(sess, isC2s, user, s.cfg.RedlineBytes)
	lo.link = link

	if evicted := s.table.Register(user, link); evicted != nil {
		s.evict(user, evicted, link)
	}
	_ = s.store.RecordOnline(user, remoteHost(conn))

	var tr transport.Transport
	if tlsConn, ok := conn.(*tls.Conn); ok {
		tr = transport.NewSslTransport(tlsConn, sess, 0, s.timers)
	} else {
		tr = transport.NewTcpTransport(conn, sess, 0, s.timers)
	}
	sess.Attach(tr, result.Header0, s.cfg.Heartbeat)
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// KickoutUser severs one routed identity: the whole link for a direct
// client, or just that sub-user (via a targeted client_kickout) for a
// C2S-carried identity (spec §4.7).
func (s *Server) KickoutUser(user identity.User) {
	link, ok := s.table.Lookup(user)
	if !ok {
		return
	}
	s.table.Unregister(user)
	if link.IsC2s {
		msg := msgctl.Kickout(user.String())
		link.SendMsgToDownlink(controlHeader(link.BaseUser), msg.Encode())
	} else {
		link.Close()
	}
}

// evict notifies the link a registration displaced: a kick for a
// C2S-carried sub-user, a full close for a direct client reconnecting
// under the same identity.
func (s *Server) evict(user identity.User, evicted, keep *router.Link) {
	if evicted == nil || evicted == keep {
		return
	}
	if evicted.IsC2s {
		msg := msgctl.Kickout(user.String())
		evicted.SendMsgToDownlink(controlHeader(evicted.BaseUser), msg.Encode())
	} else {
		evicted.Close()
	}
}

func controlHeader(dst identity.User) wire.MsgHeader {
	return wire.MsgHeader{SrcUser: identity.Root, DstUsers: []identity.User{dst}}
}

func (s *Server) allocDynamicUserID(classID uint8) uint64 {
	span := identity.MaxDynamicUserID - identity.MinDynamicUserID + 1
	for i := 0; i < 4096; i++ {
		n := s.dynCounter.Add(1)
		id := identity.MinDynamicUserID + n%span
		if _, ok := s.table.Lookup(identity.User{ClassID: classID, UserID: id}); !ok {
			return id
		}
	}
	return identity.MinDynamicUserID
}

func (s *Server) fanout(h wire.MsgHeader, payload []byte, dsts []identity.User) {
	for link, users := range s.table.Fanout(dsts) {
		out := h
		out.DstUsers = users
		link.SendMsgToDownlink(out, payload)
	}
}

func (s *Server) dispatchControl(c2sLink *router.Link, msg msgctl.Message) {
	switch msg.Name {
	case msgctl.ClientLogin:
		s.handleSubUserLogin(c2sLink, msg)
	case msgctl.ClientLogout:
		s.handleSubUserLogout(c2sLink, msg)
	}
}

func (s *Server) handleSubUserLogin(c2sLink *router.Link, msg msgctl.Message) {
	reject := func() {
		reply := msgctl.LoginError(msg.ClientIndex)
		c2sLink.SendMsgToDownlink(controlHeader(c2sLink.BaseUser), reply.Encode())
	}

	subUser, err := identity.ParseUser(msg.ClientID)
	if err != nil || subUser.IsRoot() {
		reject()
		return
	}
	acct, ok, err := s.store.Lookup(subUser)
	if err != nil || !ok {
		reject()
		return
	}
	nonce := handshake.NonceFromUint64(msg.ClientNonce)
	want := handshake.PasswordHashHex(nonce, acct.Password)
	if !strings.EqualFold(want, msg.ClientHash) {
		reject()
		return
	}
	if acct.BoundIP != "" && acct.BoundIP != msg.ClientPublicIP {
		reject()
		return
	}

	evicted := s.table.Register(subUser, c2sLink)
	s.evict(subUser, evicted, c2sLink)
	_ = s.store.RecordOnline(subUser, msg.ClientPublicIP)

	reply := msgctl.LoginOK(msg.ClientIndex, subUser.String())
	c2sLink.SendMsgToDownlink(controlHeader(c2sLink.BaseUser), reply.Encode())
	if s.obs != nil {
		s.obs.OnOkUser(subUser, false)
	}
}

func (s *Server) handleSubUserLogout(c2sLink *router.Link, msg msgctl.Message) {
	subUser, err := identity.ParseUser(msg.ClientID)
	if err != nil {
		return
	}
	if link, ok := s.table.Lookup(subUser); ok && link == c2sLink {
		s.table.Unregister(subUser)
		_ = s.store.RecordOffline(subUser)
		if s.obs != nil {
			s.obs.OnCloseUser(subUser)
		}
	}
}

// linkObserver is the per-link session.Observer; srv/link form the same
// self-referential wiring msgclient.Client uses for its own session.
type linkObserver struct {
	srv  *Server
	link *router.Link
}

func (lo *linkObserver) OnOkSession(s *session.Session, header0 wire.MsgHeader0) {
	if lo.srv.obs != nil {
		lo.srv.obs.OnOkUser(header0.User, lo.link.IsC2s)
	}
}

func (lo *linkObserver) OnRecvSession(s *session.Session, body []byte) {
	h, payload, err := wire.DecodeMsgHeader(body)
	if err != nil {
		return
	}

	var others []identity.User
	for _, d := range h.DstUsers {
		if d.IsRoot() {
			if lo.link.IsC2s {
				if msg, err := msgctl.Decode(payload); err == nil {
					lo.srv.dispatchControl(lo.link, msg)
				}
			}
			continue
		}
		others = append(others, d)
	}
	if len(others) > 0 {
		lo.srv.fanout(h, payload, others)
	}
}

func (lo *linkObserver) OnSendSession(s *session.Session, packetErased bool) {
	lo.link.ConfirmSend()
}

func (lo *linkObserver) OnCloseSession(s *session.Session, errCode int, tcpConnected bool) {
	users := lo.srv.table.UnregisterLink(lo.link)
	for _, u := range users {
		_ = lo.srv.store.RecordOffline(u)
		if lo.srv.obs != nil {
			lo.srv.obs.OnCloseUser(u)
		}
	}
}
