package transport

import (
	"net"

	"bken/relay/internal/timer"
)

// TcpTransport is the plain-TCP session transport (spec's TCP-EX
// handshake variant rides on this).
type TcpTransport struct{ *streamTransport }

// NewTcpTransport wraps an already-accepted or already-dialed TCP
// connection (or any net.Conn standing in for one in tests).
func NewTcpTransport(conn net.Conn, obs Observer, recvPoolSize int, timers *timer.Wheel) *TcpTransport {
	return &TcpTransport{newStreamTransport(conn, obs, recvPoolSize, timers)}
}
