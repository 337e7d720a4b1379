// Package c2s implements the C2S relay (spec §4.6): one uplink
// msgclient.Client to the hub, one downlink accepting direct clients,
// and the brokered login flow that lets the hub remain the single
// source of truth for accounts while the C2S fans traffic out to its
// own sub-users.
package c2s

import (
	"crypto/tls"
	"encoding/hex"
	"net"
	"sync/atomic"
	"time"

	"bken/relay/internal/handshake"
	"bken/relay/internal/identity"
	"bken/relay/internal/msgctl"
	"bken/relay/internal/router"
	"bken/relay/internal/session"
	"bken/relay/internal/timer"
	"bken/relay/internal/transport"
	"bken/relay/internal/wire"
	"bken/relay/msgclient"
)

// DefaultHeartbeatPeriod is the reactor heartbeat tick downlink sessions
// run at.
const DefaultHeartbeatPeriod = time.Second

// DefaultLocalTimeout bounds how long a speculatively-accepted downlink
// session waits for the hub's client_login_ok/client_login_error before
// this C2S gives up on it and closes it.
const DefaultLocalTimeout = 5 * time.Second

// DefaultReconnectInterval is how long this C2S waits after losing its
// uplink before it tries to rebuild it (spec §4.6: "10-second reconnect
// timer").
const DefaultReconnectInterval = 10 * time.Second

// Observer receives c2s-level lifecycle events for logging/ops tooling.
type Observer interface {
	OnOkUser(user identity.User)
	OnCloseUser(user identity.User)
	OnUplinkDown(errCode int)
	OnUplinkUp(user identity.User)
}

// Config parameterizes New.
type Config struct {
	ListenAddr string
	HubAddr    string

	BaseUser identity.User // this C2S's own identity
	Password string

	DownlinkTLSConfig *tls.Config // non-nil accepts SSL-EX on the downlink
	RequireTLS        bool        // reject a downlink handshake whose SessionType doesn't match DownlinkTLSConfig's presence
	UplinkTLSConfig   *tls.Config // non-nil dials the uplink as SSL-EX
	UplinkServerName  string

	LocalVersion      uint16
	Heartbeat         time.Duration
	RedlineBytes      int
	LocalTimeout      time.Duration
	ReconnectInterval time.Duration
	EnablePreamble    bool
	MaxPendingAccepts int32
}

// Server is the C2S relay.
type Server struct {
	cfg      Config
	acceptor *handshake.Acceptor
	timers   *timer.Wheel
	table    *router.Table
	obs      Observer

	uplink    atomic.Pointer[msgclient.Client]
	clientIdx atomic.Uint32
}

// New binds cfg.ListenAddr and dials the initial uplink; Serve pumps the
// downlink accept loop.
func New(cfg Config, timers *timer.Wheel, obs Observer) (*Server, error) {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeatPeriod
	}
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = DefaultLocalTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}

	acceptor, err := handshake.NewAcceptor(cfg.ListenAddr, cfg.EnablePreamble, cfg.MaxPendingAccepts)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		acceptor: acceptor,
		timers:   timers,
		table:    router.NewTable(timers),
		obs:      obs,
	}
	s.connectUplink()
	return s, nil
}

// Table exposes the router state for /metrics and /healthz wiring.
func (s *Server) Table() *router.Table { return s.table }

// Acceptor exposes the accept-phase counters for metrics.AcceptorSource.
func (s *Server) Acceptor() *handshake.Acceptor { return s.acceptor }

func (s *Server) Addr() net.Addr { return s.acceptor.Addr() }

func (s *Server) Close() error {
	if c := s.uplink.Load(); c != nil {
		c.Close()
	}
	return s.acceptor.Close()
}

// Serve pumps the downlink accept loop until the acceptor's listener
// closes.
func (s *Server) Serve() error {
	for {
		acc, err := s.acceptor.Accept()
		if err != nil {
			return err
		}
		go s.handleDownlink(acc)
	}
}

// --- uplink ---

func (s *Server) connectUplink() {
	cfg := msgclient.Config{
		RemoteAddr:   s.cfg.HubAddr,
		User:         s.cfg.BaseUser,
		Password:     s.cfg.Password,
		LocalVersion: s.cfg.LocalVersion,
		IsC2s:        true,
		TLSConfig:    s.cfg.UplinkTLSConfig,
		ServerName:   s.cfg.UplinkServerName,
		Heartbeat:    s.cfg.Heartbeat,
		RedlineBytes: s.cfg.RedlineBytes,
	}
	c, err := msgclient.Dial(cfg, s.timers, (*uplinkObserver)(s))
	if err != nil {
		s.scheduleReconnect()
		return
	}
	s.uplink.Store(c)
}

func (s *Server) scheduleReconnect() {
	s.timers.Schedule(s.cfg.ReconnectInterval, false, func(_ time.Time, _ any) {
		s.connectUplink()
	}, nil)
}

// uplinkObserver implements msgclient.Observer over *Server, the same
// self-as-observer wiring msgclient.Client itself uses for its session.
type uplinkObserver Server

func (o *uplinkObserver) OnOkMsg(c *msgclient.Client, user identity.User, publicIP [4]byte) {
	if o.obs != nil {
		o.obs.OnUplinkUp(user)
	}
}

func (o *uplinkObserver) OnRecvMsg(c *msgclient.Client, body []byte, charset uint16, srcUser identity.User) {
	if !srcUser.IsRoot() {
		return
	}
	msg, err := msgctl.Decode(body)
	if err != nil {
		return
	}
	s := (*Server)(o)
	switch msg.Name {
	case msgctl.ClientLoginOK:
		s.handleLoginOK(msg)
	case msgctl.ClientLoginError:
		s.handleLoginError(msg)
	case msgctl.ClientKickout:
		s.handleKickout(msg)
	}
}

func (o *uplinkObserver) OnTransferMsg(c *msgclient.Client, header wire.MsgHeader, body []byte) {
	s := (*Server)(o)
	for link, dsts := range s.table.Fanout(header.DstUsers) {
		out := header
		out.DstUsers = dsts
		link.SendMsgToDownlink(out, body)
	}
}

func (o *uplinkObserver) OnCloseMsg(c *msgclient.Client, errCode int, tcpConnected bool) {
	s := (*Server)(o)
	s.uplink.CompareAndSwap(c, nil)
	if s.obs != nil {
		s.obs.OnUplinkDown(errCode)
	}
	s.scheduleReconnect()
}

func (s *Server) handleLoginOK(msg msgctl.Message) {
	p, err := s.table.TakePendingLogin(msg.ClientIndex)
	if err != nil {
		return
	}
	s.timers.Cancel(p.Timer)

	user, err := identity.ParseUser(msg.ClientID)
	if err != nil {
		p.Link.Close()
		return
	}
	if evicted := s.table.Register(user, p.Link); evicted != nil && evicted != p.Link {
		evicted.Close()
	}
	if s.obs != nil {
		s.obs.OnOkUser(user)
	}
}

func (s *Server) handleLoginError(msg msgctl.Message) {
	p, err := s.table.TakePendingLogin(msg.ClientIndex)
	if err != nil {
		return
	}
	s.timers.Cancel(p.Timer)
	p.Link.Close()
}

func (s *Server) handleKickout(msg msgctl.Message) {
	user, err := identity.ParseUser(msg.ClientID)
	if err != nil {
		return
	}
	if link, ok := s.table.Lookup(user); ok {
		s.table.Unregister(user)
		link.Close()
		if s.obs != nil {
			s.obs.OnCloseUser(user)
		}
	}
}

func (s *Server) sendUplink(body []byte, dst identity.User) bool {
	c := s.uplink.Load()
	if c == nil {
		return false
	}
	return c.SendMsg(body, 0, []identity.User{dst})
}

func (s *Server) transferUplink(header wire.MsgHeader, body []byte) bool {
	c := s.uplink.Load()
	if c == nil {
		return false
	}
	return c.TransferMsg(header, body)
}

// --- downlink ---

func (s *Server) handleDownlink(acc handshake.Accepted) {
	conn := acc.Conn

	wantTLS := s.cfg.DownlinkTLSConfig != nil
	if wantTLS {
		tlsConn := tls.Server(conn, s.cfg.DownlinkTLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return
		}
		conn = tlsConn
	}

	if s.table.PendingCount() >= router.MaxPendingLogins {
		// Admission overload: reject at accept, no notification (spec §7).
		_ = conn.Close()
		return
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

	var rawHash [handshake.PasswordHashSize]byte
	checkPassword := func(requested wire.MsgHeader0, hash [handshake.PasswordHashSize]byte) bool {
		// Only the hub owns accounts; validate structural shape here and
		// defer the actual password check upward via client_login.
		if !requested.User.Valid() || requested.User.IsRoot() || requested.User.UserID == 0 {
			return false
		}
		if requested.User.Equal(s.cfg.BaseUser) {
			return false
		}
		rawHash = hash
		return true
	}
	assignIdentity := func(requested wire.MsgHeader0, remoteIP [4]byte) wire.MsgHeader0 {
		return wire.MsgHeader0{Version: requested.Version, User: requested.User, PublicIP: remoteIP}
	}

	result, err := handshake.ServeHandshake(conn, nonce, wire.PackTCP4, checkPassword, assignIdentity, handshake.MsgLayerTimeout)
	if err != nil {
		_ = conn.Close()
		return
	}
	if s.cfg.RequireTLS && (result.SessionType == wire.SessionSSLEx) != wantTLS {
		_ = conn.Close()
		return
	}

	lo := &downlinkObserver{srv: s}
	sess := session.New(s.timers, wire.PackTCP4, lo, s.cfg.RedlineBytes)
	link := router.NewLink(sess, false, result.Header0.User, s.cfg.RedlineBytes)
	lo.link = link

	var tr transport.Transport
	if tlsConn, ok := conn.(*tls.Conn); ok {
		tr = transport.NewSslTransport(tlsConn, sess, 0, s.timers)
	} else {
		tr = transport.NewTcpTransport(conn, sess, 0, s.timers)
	}
	sess.Attach(tr, result.Header0, s.cfg.Heartbeat)

	s.beginLogin(link, result.Header0, nonce, rawHash)
}

func (s *Server) beginLogin(link *router.Link, header0 wire.MsgHeader0, nonce [handshake.HandshakeNonceSize]byte, hash [handshake.PasswordHashSize]byte) {
	idx := s.clientIdx.Add(1)
	timerID := s.timers.Schedule(s.cfg.LocalTimeout, false, func(_ time.Time, _ any) {
		s.onLocalTimeout(idx)
	}, nil)

	pending := &router.PendingLogin{
		ClientIndex: idx,
		Link:        link,
		User:        header0.User,
		PublicIP:    header0.PublicIP,
		Timer:       timerID,
	}
	if err := s.table.AddPendingLogin(pending); err != nil {
		s.timers.Cancel(timerID)
		link.Close()
		return
	}

	msg := msgctl.Login(idx, header0.User.String(), ipString(header0.PublicIP), hex.EncodeToString(hash[:]), handshake.NonceToUint64(nonce))
	if !s.sendUplink(msg.Encode(), msgctl.RootControlUser) {
		if _, err := s.table.TakePendingLogin(idx); err == nil {
			s.timers.Cancel(timerID)
		}
		link.Close()
	}
}

func (s *Server) onLocalTimeout(clientIndex uint32) {
	if p, err := s.table.TakePendingLogin(clientIndex); err == nil {
		p.Link.Close()
	}
}

func ipString(ip [4]byte) string {
	return net.IP(ip[:]).String()
}

type downlinkObserver struct {
	srv  *Server
	link *router.Link
}

func (lo *downlinkObserver) OnOkSession(s *session.Session, header0 wire.MsgHeader0) {}

func (lo *downlinkObserver) OnRecvSession(s *session.Session, body []byte) {
	h, payload, err := wire.DecodeMsgHeader(body)
	if err != nil {
		return
	}
	local := lo.srv.table.Fanout(h.DstUsers)
	resolved := make(map[identity.User]bool, len(h.DstUsers))
	for link, dsts := range local {
		out := h
		out.DstUsers = dsts
		link.SendMsgToDownlink(out, payload)
		for _, d := range dsts {
			resolved[d] = true
		}
	}

	var upward []identity.User
	for _, d := range h.DstUsers {
		if !resolved[d] {
			upward = append(upward, d)
		}
	}
	if len(upward) > 0 {
		out := h
		out.DstUsers = upward
		lo.srv.transferUplink(out, payload)
	}
}

func (lo *downlinkObserver) OnSendSession(s *session.Session, packetErased bool) {
	lo.link.ConfirmSend()
}

func (lo *downlinkObserver) OnCloseSession(s *session.Session, errCode int, tcpConnected bool) {
	users := lo.srv.table.UnregisterLink(lo.link)
	for _, u := range users {
		msg := msgctl.Logout(u.String())
		lo.srv.sendUplink(msg.Encode(), msgctl.RootControlUser)
		if lo.srv.obs != nil {
			lo.srv.obs.OnCloseUser(u)
		}
	}
}
