package hub

import (
	"testing"
	"time"

	"bken/relay/internal/identity"
	"bken/relay/internal/store"
	"bken/relay/internal/timer"
	"bken/relay/internal/wire"
	"bken/relay/msgclient"
)

type recordingObserver struct {
	online  chan identity.User
	offline chan identity.User
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		online:  make(chan identity.User, 8),
		offline: make(chan identity.User, 8),
	}
}

func (o *recordingObserver) OnOkUser(user identity.User, isC2s bool) { o.online <- user }
func (o *recordingObserver) OnCloseUser(user identity.User)          { o.offline <- user }

type clientObserver struct {
	ok     chan identity.User
	recv   chan []byte
	closed chan int
}

func newClientObserver() *clientObserver {
	return &clientObserver{
		ok:     make(chan identity.User, 1),
		recv:   make(chan []byte, 8),
		closed: make(chan int, 1),
	}
}

func (o *clientObserver) OnOkMsg(c *msgclient.Client, user identity.User, publicIP [4]byte) {
	o.ok <- user
}
func (o *clientObserver) OnRecvMsg(c *msgclient.Client, body []byte, charset uint16, srcUser identity.User) {
	o.recv <- body
}
func (o *clientObserver) OnTransferMsg(c *msgclient.Client, header wire.MsgHeader, body []byte) {}
func (o *clientObserver) OnCloseMsg(c *msgclient.Client, errCode int, tcpConnected bool) {
	select {
	case o.closed <- errCode:
	default:
	}
}

func newTestHub(t *testing.T) (*Server, *store.SqliteStore, *recordingObserver) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	timers := timer.New(50 * time.Millisecond)
	t.Cleanup(timers.Stop)

	obs := newRecordingObserver()
	srv, err := New(Config{Addr: "127.0.0.1:0", Heartbeat: 50 * time.Millisecond}, timers, st, obs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	go srv.Serve()
	return srv, st, obs
}

func TestDirectClientLoginSuccess(t *testing.T) {
	srv, st, obs := newTestHub(t)
	user := identity.User{ClassID: 2, UserID: 5}
	if err := st.UpsertAccount(user.ClassID, user.UserID, store.Account{Password: "pw"}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	timers := timer.New(time.Second)
	defer timers.Stop()

	cobs := newClientObserver()
	c, err := msgclient.Dial(msgclient.Config{
		RemoteAddr: srv.Addr().String(),
		User:       user,
		Password:   "pw",
	}, timers, cobs)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case u := <-cobs.ok:
		if u != user {
			t.Errorf("OnOkMsg user = %v, want %v", u, user)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnOkMsg")
	}
	select {
	case u := <-obs.online:
		if u != user {
			t.Errorf("OnOkUser user = %v, want %v", u, user)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hub OnOkUser")
	}
}

func TestDirectClientWrongPasswordFailsDial(t *testing.T) {
	srv, st, _ := newTestHub(t)
	user := identity.User{ClassID: 2, UserID: 6}
	if err := st.UpsertAccount(user.ClassID, user.UserID, store.Account{Password: "right"}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	timers := timer.New(time.Second)
	defer timers.Stop()

	_, err := msgclient.Dial(msgclient.Config{
		RemoteAddr: srv.Addr().String(),
		User:       user,
		Password:   "wrong",
	}, timers, newClientObserver())
	if err == nil {
		t.Fatal("expected Dial to fail on wrong password")
	}
}

func TestFanoutBetweenTwoDirectClients(t *testing.T) {
	srv, st, _ := newTestHub(t)
	alice := identity.User{ClassID: 2, UserID: 10}
	bob := identity.User{ClassID: 2, UserID: 11}
	for _, u := range []identity.User{alice, bob} {
		if err := st.UpsertAccount(u.ClassID, u.UserID, store.Account{Password: "pw"}); err != nil {
			t.Fatalf("UpsertAccount: %v", err)
		}
	}

	timers := timer.New(time.Second)
	defer timers.Stop()

	aObs := newClientObserver()
	a, err := msgclient.Dial(msgclient.Config{RemoteAddr: srv.Addr().String(), User: alice, Password: "pw"}, timers, aObs)
	if err != nil {
		t.Fatalf("Dial alice: %v", err)
	}
	defer a.Close()
	<-aObs.ok

	bObs := newClientObserver()
	b, err := msgclient.Dial(msgclient.Config{RemoteAddr: srv.Addr().String(), User: bob, Password: "pw"}, timers, bObs)
	if err != nil {
		t.Fatalf("Dial bob: %v", err)
	}
	defer b.Close()
	<-bObs.ok

	if !a.SendMsg([]byte("hello"), 0, []identity.User{bob}) {
		t.Fatal("SendMsg returned false")
	}
	select {
	case body := <-bObs.recv:
		if string(body) != "hello" {
			t.Errorf("bob recv = %q, want %q", body, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bob to receive")
	}
}

func TestKickoutUserClosesDirectLink(t *testing.T) {
	srv, st, _ := newTestHub(t)
	user := identity.User{ClassID: 2, UserID: 20}
	if err := st.UpsertAccount(user.ClassID, user.UserID, store.Account{Password: "pw"}); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	timers := timer.New(time.Second)
	defer timers.Stop()

	cobs := newClientObserver()
	c, err := msgclient.Dial(msgclient.Config{RemoteAddr: srv.Addr().String(), User: user, Password: "pw"}, timers, cobs)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	<-cobs.ok

	srv.KickoutUser(user)

	select {
	case <-cobs.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for kicked client to close")
	}
}
