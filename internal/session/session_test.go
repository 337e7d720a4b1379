package session

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"bken/relay/internal/timer"
	"bken/relay/internal/transport"
	"bken/relay/internal/wire"
)

type captureObserver struct {
	mu      sync.Mutex
	ok      bool
	header0 wire.MsgHeader0
	recvd   [][]byte
	sends   int
	closed  bool
	errCode int

	recvCh chan struct{}
	okCh   chan struct{}
}

func newCaptureObserver() *captureObserver {
	return &captureObserver{recvCh: make(chan struct{}, 64), okCh: make(chan struct{}, 1)}
}

func (o *captureObserver) OnOkSession(s *Session, h wire.MsgHeader0) {
	o.mu.Lock()
	o.ok = true
	o.header0 = h
	o.mu.Unlock()
	o.okCh <- struct{}{}
}
func (o *captureObserver) OnRecvSession(s *Session, body []byte) {
	cp := make([]byte, len(body))
	copy(cp, body)
	o.mu.Lock()
	o.recvd = append(o.recvd, cp)
	o.mu.Unlock()
	o.recvCh <- struct{}{}
}
func (o *captureObserver) OnSendSession(s *Session, erased bool) {
	o.mu.Lock()
	o.sends++
	o.mu.Unlock()
}
func (o *captureObserver) OnCloseSession(s *Session, errCode int, tcpConnected bool) {
	o.mu.Lock()
	o.closed = true
	o.errCode = errCode
	o.mu.Unlock()
}

func newReadySessionPair(t *testing.T) (*Session, *captureObserver, *Session, *captureObserver, func()) {
	t.Helper()
	a, b := net.Pipe()
	timers := timer.New(time.Hour)

	obsA := newCaptureObserver()
	obsB := newCaptureObserver()
	sa := New(timers, wire.PackTCP4, obsA, 0)
	sb := New(timers, wire.PackTCP4, obsB, 0)

	ta := transport.NewTcpTransport(a, sa, 64*1024, timers)
	tb := transport.NewTcpTransport(b, sb, 64*1024, timers)

	sa.Attach(ta, wire.MsgHeader0{Version: 1}, time.Hour)
	sb.Attach(tb, wire.MsgHeader0{Version: 1}, time.Hour)

	cleanup := func() {
		sa.Close()
		sb.Close()
		timers.Stop()
	}
	return sa, obsA, sb, obsB, cleanup
}

func TestSessionAttachFiresOnOkFromTimerContext(t *testing.T) {
	sa, obsA, _, _, cleanup := newReadySessionPair(t)
	defer cleanup()

	select {
	case <-obsA.okCh:
	case <-time.After(time.Second):
		t.Fatal("OnOkSession never fired")
	}
	if sa.State() != StateReady {
		t.Errorf("state = %v, want Ready", sa.State())
	}
}

func TestSessionSendPacketDeliversToPeer(t *testing.T) {
	sa, _, sb, obsB, cleanup := newReadySessionPair(t)
	defer cleanup()

	if !sa.SendPacket([]byte("hello session")) {
		t.Fatal("SendPacket returned false")
	}

	select {
	case <-obsB.recvCh:
	case <-time.After(time.Second):
		t.Fatal("peer never received packet")
	}

	obsB.mu.Lock()
	defer obsB.mu.Unlock()
	if len(obsB.recvd) != 1 || string(obsB.recvd[0]) != "hello session" {
		t.Errorf("got %v", obsB.recvd)
	}
}

func TestSessionRedlineRejectsOversizedSend(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	timers := timer.New(time.Hour)
	defer timers.Stop()
	obsA := newCaptureObserver()
	sa := New(timers, wire.PackTCP4, obsA, 16) // tiny redline

	ta := transport.NewTcpTransport(a, sa, 64*1024, timers)
	sa.Attach(ta, wire.MsgHeader0{}, time.Hour)

	if !sa.SendPacket([]byte("01234567")) {
		t.Fatal("first send should succeed (cachedBytes starts at 0)")
	}
	if sa.SendPacket([]byte("this body is definitely over the redline threshold")) {
		t.Error("second send should be rejected by redline")
	}
}

func TestSessionSurvivesIdlePastHeartbeatPeriodPlusOneSecond(t *testing.T) {
	a, b := net.Pipe()
	timers := timer.New(10 * time.Millisecond)
	defer timers.Stop()

	obsA := newCaptureObserver()
	sa := New(timers, wire.PackTCP4, obsA, 0)
	sa.SetKeepaliveTimeout(3 * time.Second)
	ta := transport.NewTcpTransport(a, sa, 64*1024, timers)

	// Peer accepts the connection but sends nothing back, so sa's
	// lastActivity is never refreshed after Attach.
	go io.Copy(io.Discard, b)
	defer b.Close()

	sa.Attach(ta, wire.MsgHeader0{}, 30*time.Millisecond)
	defer sa.Close()

	// The old bug closed the session once idle exceeded
	// heartbeatPeriod+1s (here, ~1.03s). keepaliveTimeout is 3s, so the
	// session must still be Ready well past that point.
	time.Sleep(1200 * time.Millisecond)
	if sa.State() != StateReady {
		t.Fatalf("state = %v, want Ready (heartbeatPeriod must not gate keepalive)", sa.State())
	}
}

func TestSessionClosesAfterKeepaliveTimeout(t *testing.T) {
	a, b := net.Pipe()
	timers := timer.New(10 * time.Millisecond)
	defer timers.Stop()

	obsA := newCaptureObserver()
	sa := New(timers, wire.PackTCP4, obsA, 0)
	sa.SetKeepaliveTimeout(150 * time.Millisecond)
	ta := transport.NewTcpTransport(a, sa, 64*1024, timers)

	go io.Copy(io.Discard, b)
	defer b.Close()

	sa.Attach(ta, wire.MsgHeader0{}, 30*time.Millisecond)
	defer sa.Close()

	select {
	case <-obsA.okCh:
	case <-time.After(time.Second):
		t.Fatal("OnOkSession never fired")
	}

	deadline := time.After(2 * time.Second)
	for {
		if sa.State() == StateClosed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session never closed after keepalive timeout")
		case <-time.After(20 * time.Millisecond):
		}
	}
	obsA.mu.Lock()
	defer obsA.mu.Unlock()
	if obsA.errCode != 1 {
		t.Errorf("errCode = %d, want 1 (ETIMEDOUT)", obsA.errCode)
	}
}

func TestSessionCloseIsIdempotentAndFiresOnce(t *testing.T) {
	sa, obsA, _, _, cleanup := newReadySessionPair(t)
	defer cleanup()

	sa.Close()
	sa.Close()

	obsA.mu.Lock()
	defer obsA.mu.Unlock()
	if !obsA.closed {
		t.Fatal("OnCloseSession never fired")
	}
}
