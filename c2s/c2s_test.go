package c2s

import (
	"net"
	"testing"
	"time"

	"bken/relay/internal/handshake"
	"bken/relay/internal/identity"
	"bken/relay/internal/msgctl"
	"bken/relay/internal/session"
	"bken/relay/internal/timer"
	"bken/relay/internal/transport"
	"bken/relay/internal/wire"
	"bken/relay/msgclient"
)

// fakeHub drives the passive side of a C2S's uplink handshake directly
// (no hub package involved) and exposes the decoded control frames the
// C2S sends it, plus a way to reply to them — mirroring
// msgclient_test.go's serverSideHandshake helper.
type fakeHub struct {
	sess    *session.Session
	myUser  identity.User
	control chan msgctl.Message
}

func acceptFakeHub(t *testing.T, ln net.Listener, c2sUser identity.User, password string, timers *timer.Wheel) *fakeHub {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	nonce, err := handshake.NewHandshakeNonce()
	if err != nil {
		t.Fatalf("NewHandshakeNonce: %v", err)
	}
	if err := handshake.WriteHandshakeNonce(conn, nonce, time.Second); err != nil {
		t.Fatalf("WriteHandshakeNonce: %v", err)
	}

	result, err := handshake.ServeHandshake(conn, nonce, wire.PackTCP4,
		func(requested wire.MsgHeader0, hash [handshake.PasswordHashSize]byte) bool {
			return hash == handshake.PasswordHash(nonce, password)
		},
		func(requested wire.MsgHeader0, remoteIP [4]byte) wire.MsgHeader0 {
			return wire.MsgHeader0{Version: requested.Version, User: c2sUser, PublicIP: remoteIP}
		},
		5*time.Second,
	)
	if err != nil {
		t.Fatalf("ServeHandshake: %v", err)
	}

	fh := &fakeHub{control: make(chan msgctl.Message, 8), myUser: c2sUser}
	obs := &fakeHubObserver{fh: fh}
	sess := session.New(timers, result.PackMode, obs, 0)
	tr := transport.NewTcpTransport(conn, sess, 0, timers)
	sess.Attach(tr, result.Header0, time.Second)
	fh.sess = sess
	return fh
}

type fakeHubObserver struct{ fh *fakeHub }

func (o *fakeHubObserver) OnOkSession(s *session.Session, header0 wire.MsgHeader0) {}
func (o *fakeHubObserver) OnRecvSession(s *session.Session, body []byte) {
	h, payload, err := wire.DecodeMsgHeader(body)
	if err != nil {
		return
	}
	for _, d := range h.DstUsers {
		if d.IsRoot() {
			if msg, err := msgctl.Decode(payload); err == nil {
				o.fh.control <- msg
			}
		}
	}
}
func (o *fakeHubObserver) OnSendSession(s *session.Session, packetErased bool) {}
func (o *fakeHubObserver) OnCloseSession(s *session.Session, errCode int, tcpConnected bool) {}

// reply sends a control frame to the C2S, addressed to its own base
// identity the way hub.controlHeader does.
func (fh *fakeHub) reply(msg msgctl.Message) {
	h := wire.MsgHeader{SrcUser: identity.Root, DstUsers: []identity.User{fh.myUser}}
	fh.sess.SendPacket(wire.EncodeMsgHeader(h, msg.Encode()))
}

type downlinkClientObserver struct {
	ok     chan identity.User
	closed chan int
}

func newDownlinkClientObserver() *downlinkClientObserver {
	return &downlinkClientObserver{ok: make(chan identity.User, 1), closed: make(chan int, 1)}
}

func (o *downlinkClientObserver) OnOkMsg(c *msgclient.Client, user identity.User, publicIP [4]byte) {
	o.ok <- user
}
func (o *downlinkClientObserver) OnRecvMsg(c *msgclient.Client, body []byte, charset uint16, srcUser identity.User) {
}
func (o *downlinkClientObserver) OnTransferMsg(c *msgclient.Client, header wire.MsgHeader, body []byte) {
}
func (o *downlinkClientObserver) OnCloseMsg(c *msgclient.Client, errCode int, tcpConnected bool) {
	select {
	case o.closed <- errCode:
	default:
	}
}

// newTestC2s starts a C2S relay whose uplink target is a fakeHub this
// test drives directly, so the only real hub-side logic under test is
// c2s.Server's own admission/forwarding code.
func newTestC2s(t *testing.T, localTimeout time.Duration) (srv *Server, fh *fakeHub, c2sUser identity.User, timers *timer.Wheel) {
	t.Helper()
	hubLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { hubLn.Close() })

	c2sUser = identity.User{ClassID: identity.ClassServer, UserID: 100}
	timers = timer.New(50 * time.Millisecond)
	t.Cleanup(timers.Stop)

	fhCh := make(chan *fakeHub, 1)
	go func() {
		fhCh <- acceptFakeHub(t, hubLn, c2sUser, "relaypw", timers)
	}()

	srv, err = New(Config{
		ListenAddr:   "127.0.0.1:0",
		HubAddr:      hubLn.Addr().String(),
		BaseUser:     c2sUser,
		Password:     "relaypw",
		Heartbeat:    50 * time.Millisecond,
		LocalTimeout: localTimeout,
	}, timers, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	go srv.Serve()

	fh = <-fhCh
	return srv, fh, c2sUser, timers
}

func TestDownlinkLoginApprovedByHub(t *testing.T) {
	srv, fh, _, _ := newTestC2s(t, 5*time.Second)

	clientTimers := timer.New(time.Second)
	defer clientTimers.Stop()

	subUser := identity.User{ClassID: 2, UserID: 200}
	go func() {
		msg := <-fh.control
		if msg.Name != msgctl.ClientLogin {
			t.Errorf("control msg name = %v, want %v", msg.Name, msgctl.ClientLogin)
			return
		}
		fh.reply(msgctl.LoginOK(msg.ClientIndex, subUser.String()))
	}()

	dobs := newDownlinkClientObserver()
	c, err := msgclient.Dial(msgclient.Config{
		RemoteAddr: srv.Addr().String(),
		User:       subUser,
		Password:   "subpw",
	}, clientTimers, dobs)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case u := <-dobs.ok:
		if u != subUser {
			t.Errorf("OnOkMsg user = %v, want %v", u, subUser)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnOkMsg")
	}
}

func TestDownlinkLoginRejectedByHubClosesSession(t *testing.T) {
	srv, fh, _, _ := newTestC2s(t, 5*time.Second)

	clientTimers := timer.New(time.Second)
	defer clientTimers.Stop()

	go func() {
		msg := <-fh.control
		fh.reply(msgctl.LoginError(msg.ClientIndex))
	}()

	dobs := newDownlinkClientObserver()
	c, err := msgclient.Dial(msgclient.Config{
		RemoteAddr: srv.Addr().String(),
		User:       identity.User{ClassID: 2, UserID: 201},
		Password:   "subpw",
	}, clientTimers, dobs)
	// The handshake itself succeeds (the C2S acks speculatively); the
	// hub's rejection arrives afterward and closes the session.
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case <-dobs.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rejected downlink to close")
	}
}

func TestDownlinkLocalTimeoutClosesWhenHubSilent(t *testing.T) {
	srv, fh, _, _ := newTestC2s(t, 200*time.Millisecond)
	_ = fh // hub never replies to the client_login it receives

	clientTimers := timer.New(time.Second)
	defer clientTimers.Stop()

	dobs := newDownlinkClientObserver()
	c, err := msgclient.Dial(msgclient.Config{
		RemoteAddr: srv.Addr().String(),
		User:       identity.User{ClassID: 2, UserID: 202},
		Password:   "subpw",
	}, clientTimers, dobs)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case <-dobs.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for local-timeout close")
	}
}
