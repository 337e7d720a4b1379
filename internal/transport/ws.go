package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"bken/relay/internal/timer"
)

// WsTransport carries length-framed packets over a WebSocket binary
// message stream — the browser/JS-reachable transport and the
// firewall-friendly C2S<->hub fallback when raw TCP is blocked. Each
// binary message is treated as an arbitrary-length chunk and coalesced
// into the same RecvBuffer a TCP transport would use, so the session
// layer's packet extractor is transport-agnostic.
type WsTransport struct {
	conn *websocket.Conn
	obs  Observer
	recv *RecvBuffer

	sendCh  chan []byte
	closeCh chan struct{}
	once    sync.Once

	suspended atomic.Bool
	onSendReq atomic.Bool

	timers    *timer.Wheel
	heartbeat timer.ID
}

// NewWsTransport wraps an already-upgraded websocket connection (see
// gorilla/websocket's Upgrader.Upgrade); the caller performs the upgrade.
func NewWsTransport(conn *websocket.Conn, obs Observer, recvPoolSize int, timers *timer.Wheel) *WsTransport {
	t := &WsTransport{
		conn:    conn,
		obs:     obs,
		recv:    NewRecvBuffer(recvPoolSize),
		sendCh:  make(chan []byte, sendQueueDepth),
		closeCh: make(chan struct{}),
		timers:  timers,
	}
	go t.readLoop()
	go t.writeLoop()
	return t
}

func (t *WsTransport) readLoop() {
	for {
		if t.suspended.Load() {
			time.Sleep(time.Millisecond)
			continue
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown(err)
			return
		}
		for len(data) > 0 {
			free := t.recv.FreeSize()
			if free == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			n := t.recv.Write(data)
			data = data[n:]
			t.obs.OnRecv(t)
		}
	}
}

func (t *WsTransport) writeLoop() {
	for {
		select {
		case <-t.closeCh:
			return
		case buf := <-t.sendCh:
			if err := t.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				t.shutdown(err)
				return
			}
			if t.onSendReq.CompareAndSwap(true, false) {
				t.obs.OnSend(t, false)
			}
		}
	}
}

func (t *WsTransport) SendData(buf []byte) bool {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case t.sendCh <- cp:
		return true
	default:
		return false
	}
}

func (t *WsTransport) RecvPool() *RecvBuffer { return t.recv }
func (t *WsTransport) RequestOnSend()        { t.onSendReq.Store(true) }
func (t *WsTransport) SuspendRecv()          { t.suspended.Store(true) }
func (t *WsTransport) ResumeRecv()           { t.suspended.Store(false) }

func (t *WsTransport) StartHeartbeat(period time.Duration) {
	if t.timers == nil {
		return
	}
	t.heartbeat = t.timers.Schedule(period, true, func(_ time.Time, _ any) {
		_ = t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		t.obs.OnHeartbeat(t)
	}, nil)
}

func (t *WsTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func (t *WsTransport) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *WsTransport) shutdown(err error) {
	t.once.Do(func() {
		close(t.closeCh)
		_ = t.conn.Close()
		if t.timers != nil && t.heartbeat != 0 {
			t.timers.Cancel(t.heartbeat)
		}
		t.obs.OnClose(t, err)
	})
}
