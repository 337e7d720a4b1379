// Package transport wraps connected sockets (TCP, TLS, WebSocket,
// QUIC/WebTransport) behind one Transport interface: sendData, a
// recv-pool callers peek/flush from, heartbeat ticking, and
// request-on-send completion notification. See spec §3.
package transport

import (
	"net"
	"time"
)

// Observer receives transport-level events. Implementations (the
// session layer) must not block in these callbacks — they run on the
// transport's read/write goroutine.
type Observer interface {
	// OnRecv fires whenever new bytes have been coalesced into the
	// recv-pool; the observer drains via RecvPool().
	OnRecv(t Transport)
	// OnSend fires once after a RequestOnSend-armed write completes.
	// packetErased is true only when the caller's redline queue had to
	// drop a packet to stay under the limit.
	OnSend(t Transport, packetErased bool)
	// OnClose fires exactly once, however the transport ended.
	OnClose(t Transport, err error)
	// OnHeartbeat fires every heartbeat period once StartHeartbeat is
	// called.
	OnHeartbeat(t Transport)
}

// Transport is the common contract every backend (TCP, SSL, WS, QUIC)
// satisfies.
type Transport interface {
	// SendData enqueues buf for writing. Returns false immediately if
	// the underlying send queue is full — callers must not block; they
	// buffer and retry, or drop per their own redline policy.
	SendData(buf []byte) bool
	// RecvPool is the circular buffer the session's packet extractor
	// peeks/flushes.
	RecvPool() *RecvBuffer
	// RequestOnSend arms a single OnSend notification for the next
	// write to complete.
	RequestOnSend()
	SuspendRecv()
	ResumeRecv()
	StartHeartbeat(period time.Duration)
	RemoteAddr() net.Addr
	Close() error
}

// sendQueueDepth bounds how many pending writes a transport will queue
// before SendData starts returning false (spec §3: "sendData when
// sockbuf-send is full returns false").
const sendQueueDepth = 256
