package transport

import (
	"crypto/tls"

	"bken/relay/internal/timer"
)

// SslTransport is the TLS session transport (spec's SSL-EX handshake
// variant). tls.Conn satisfies net.Conn, so it reuses streamTransport's
// read/write-loop pair unchanged — the teacher's own server.go does the
// same thing, terminating TLS with ListenAndServeTLS and never touching
// the raw fd once the tls.Conn exists.
type SslTransport struct{ *streamTransport }

// NewSslTransport wraps a TLS connection. The handshake (including
// certificate verification) must already be established by the caller
// — transport.Transport only owns steady-state framing, not the TLS
// handshake itself.
func NewSslTransport(conn *tls.Conn, obs Observer, recvPoolSize int, timers *timer.Wheel) *SslTransport {
	return &SslTransport{newStreamTransport(conn, obs, recvPoolSize, timers)}
}
