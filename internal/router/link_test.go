package router

import (
	"io"
	"net"
	"testing"
	"time"

	"bken/relay/internal/identity"
	"bken/relay/internal/session"
	"bken/relay/internal/timer"
	"bken/relay/internal/transport"
	"bken/relay/internal/wire"
)

// confirmingObserver mirrors the hub/c2s wiring: OnSendSession calls
// back into the link so a confirmed send releases its redline budget.
type confirmingObserver struct {
	link *Link
}

func (o *confirmingObserver) OnOkSession(s *session.Session, header0 wire.MsgHeader0) {}
func (o *confirmingObserver) OnRecvSession(s *session.Session, body []byte)           {}
func (o *confirmingObserver) OnSendSession(s *session.Session, packetErased bool) {
	o.link.ConfirmSend()
}
func (o *confirmingObserver) OnCloseSession(s *session.Session, errCode int, tcpConnected bool) {}

func newLinkOverPipe(t *testing.T, redlineBytes int) (*Link, func()) {
	t.Helper()
	a, b := net.Pipe()
	timers := timer.New(10 * time.Millisecond)

	link := &Link{ID: "test", redline: NewRedline(redlineBytes), subUsers: make(map[identity.User]struct{})}
	obs := &confirmingObserver{link: link}
	sess := session.New(timers, wire.PackTCP4, obs, 0)
	link.sess = sess

	ta := transport.NewTcpTransport(a, sess, 64*1024, timers)
	go io.Copy(io.Discard, b)
	sess.Attach(ta, wire.MsgHeader0{}, time.Hour)

	cleanup := func() {
		sess.Close()
		b.Close()
		timers.Stop()
	}
	return link, cleanup
}

func TestLinkRedlineRecoversAfterConfirmedSend(t *testing.T) {
	const limit = 512
	link, cleanup := newLinkOverPipe(t, limit)
	defer cleanup()

	body := make([]byte, limit-64)
	header := wire.MsgHeader{SrcUser: identity.Root, DstUsers: []identity.User{{ClassID: 2, UserID: 1}}}

	if !link.SendMsgToDownlink(header, body) {
		t.Fatal("first send should be admitted (cachedBytes starts at 0)")
	}

	// cachedBytes is now close to the limit; a second send of similar
	// size must be rejected until the first one's confirmed.
	if link.SendMsgToDownlink(header, body) {
		t.Fatal("second send should be rejected: prior send not yet confirmed")
	}

	// Give the write loop time to flush and fire OnSendSession, which
	// should release the first send's bytes back to the link's redline.
	deadline := time.Now().Add(2 * time.Second)
	for {
		cached, _ := link.redline.Usage()
		if cached == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("redline never recovered, cachedBytes = %d", cached)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// cachedBytes recovers as soon as the send is confirmed, but the
	// smoothing token bucket it sits behind only refills with real
	// elapsed time — give it a full second at the configured rate
	// (limitBytes/sec) so the next same-size send isn't rejected by the
	// bucket instead of the threshold this test means to exercise.
	time.Sleep(1100 * time.Millisecond)

	if !link.SendMsgToDownlink(header, body) {
		t.Fatal("send should succeed again once the prior one was confirmed")
	}
}
