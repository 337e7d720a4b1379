package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/webtransport-go"

	"bken/relay/internal/timer"
)

// QuicTransport carries length-framed packets over a WebTransport
// session's single reliable bidirectional stream, and uses the
// session's unreliable datagram path for the heartbeat's zero-length
// keepalive and for best-effort fanout hints (loss-tolerant presence
// nudges the router can use ahead of the reliable path catching up).
type QuicTransport struct {
	sess   *webtransport.Session
	stream webtransport.Stream
	obs    Observer
	recv   *RecvBuffer

	sendCh  chan []byte
	closeCh chan struct{}
	once    sync.Once

	suspended atomic.Bool
	onSendReq atomic.Bool

	timers    *timer.Wheel
	heartbeat timer.ID
}

// NewQuicTransport accepts the session's single stream (spec treats one
// RTP-framed stream per session, as client.go's handleClient does with
// sess.AcceptStream) and wraps it.
func NewQuicTransport(ctx context.Context, sess *webtransport.Session, obs Observer, recvPoolSize int, timers *timer.Wheel) (*QuicTransport, error) {
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	t := &QuicTransport{
		sess:    sess,
		stream:  stream,
		obs:     obs,
		recv:    NewRecvBuffer(recvPoolSize),
		sendCh:  make(chan []byte, sendQueueDepth),
		closeCh: make(chan struct{}),
		timers:  timers,
	}
	go t.readLoop()
	go t.writeLoop()
	return t, nil
}

func (t *QuicTransport) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		if t.suspended.Load() {
			time.Sleep(time.Millisecond)
			continue
		}
		free := t.recv.FreeSize()
		if free == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		if free > len(buf) {
			free = len(buf)
		}
		n, err := t.stream.Read(buf[:free])
		if n > 0 {
			t.recv.Write(buf[:n])
			t.obs.OnRecv(t)
		}
		if err != nil {
			t.shutdown(err)
			return
		}
	}
}

func (t *QuicTransport) writeLoop() {
	for {
		select {
		case <-t.closeCh:
			return
		case buf := <-t.sendCh:
			if _, err := t.stream.Write(buf); err != nil {
				t.shutdown(err)
				return
			}
			if t.onSendReq.CompareAndSwap(true, false) {
				t.obs.OnSend(t, false)
			}
		}
	}
}

func (t *QuicTransport) SendData(buf []byte) bool {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case t.sendCh <- cp:
		return true
	default:
		return false
	}
}

// SendFanoutHint pushes an unreliable, loss-tolerant datagram — used for
// presence/typing-style hints that are superseded by the next one if
// dropped, never for packets the router needs delivered.
func (t *QuicTransport) SendFanoutHint(data []byte) error {
	return t.sess.SendDatagram(data)
}

func (t *QuicTransport) RecvPool() *RecvBuffer { return t.recv }
func (t *QuicTransport) RequestOnSend()        { t.onSendReq.Store(true) }
func (t *QuicTransport) SuspendRecv()          { t.suspended.Store(true) }
func (t *QuicTransport) ResumeRecv()           { t.suspended.Store(false) }

// StartHeartbeat sends a zero-length datagram each period in addition
// to raising OnHeartbeat — the datagram is a best-effort keepalive that
// lets NAT/firewall state survive even if the reliable stream is briefly
// idle.
func (t *QuicTransport) StartHeartbeat(period time.Duration) {
	if t.timers == nil {
		return
	}
	t.heartbeat = t.timers.Schedule(period, true, func(_ time.Time, _ any) {
		_ = t.sess.SendDatagram(nil)
		t.obs.OnHeartbeat(t)
	}, nil)
}

func (t *QuicTransport) RemoteAddr() net.Addr { return t.sess.RemoteAddr() }

func (t *QuicTransport) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *QuicTransport) shutdown(err error) {
	t.once.Do(func() {
		close(t.closeCh)
		_ = t.stream.Close()
		_ = t.sess.CloseWithError(0, "")
		if t.timers != nil && t.heartbeat != 0 {
			t.timers.Cancel(t.heartbeat)
		}
		t.obs.OnClose(t, err)
	})
}
