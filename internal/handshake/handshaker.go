package handshake

import (
	"fmt"
	"io"
	"net"
	"time"

	"bken/relay/internal/wire"
)

// MsgLayerTimeout and PreambleTimeout are spec §4.3's default handshake
// deadlines.
const (
	MsgLayerTimeout  = 20 * time.Second
	PreambleTimeout  = 10 * time.Second
)

// Result is what a completed framed handshake yields: the negotiated
// session parameters plus the identity payload each side embedded in
// SessionInfo/SessionAck's userData (RTP_MSG_HEADER0).
type Result struct {
	SessionType wire.SessionType
	PackMode    wire.PackMode
	Header0     wire.MsgHeader0
}

// WriteHandshakeNonce sends the raw 8-byte challenge the accepting side
// issues before the framed RTP_SESSION_INFO/RTP_SESSION_ACK exchange
// (spec §4.3: "reads the 8-byte nonce that will be used to derive the
// password hash").
func WriteHandshakeNonce(conn net.Conn, nonce [HandshakeNonceSize]byte, timeout time.Duration) error {
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	defer conn.SetWriteDeadline(time.Time{})
	_, err := conn.Write(nonce[:])
	return err
}

// ReadHandshakeNonce reads the connecting side's view of the same
// 8-byte challenge.
func ReadHandshakeNonce(conn net.Conn, timeout time.Duration) ([HandshakeNonceSize]byte, error) {
	var nonce [HandshakeNonceSize]byte
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})
	_, err := io.ReadFull(conn, nonce[:])
	return nonce, err
}

// ServeHandshake drives the passive (accepting) side of the framed
// exchange after the optional preamble: read RTP_SESSION_INFO, verify
// the password hash against nonce, write RTP_SESSION_ACK carrying the
// server's view of the client's identity.
//
// checkPassword is called with the peer-presented hash and must return
// true if it matches H(nonce, storedPassword) for the identity the
// client's RTP_MSG_HEADER0 requests; assignIdentity resolves that
// requested identity (possibly userId==0/instId==0) to the identity the
// ack should carry.
func ServeHandshake(
	conn net.Conn,
	nonce [HandshakeNonceSize]byte,
	pack wire.PackMode,
	checkPassword func(requested wire.MsgHeader0, hash [PasswordHashSize]byte) bool,
	assignIdentity func(requested wire.MsgHeader0, remoteIP [4]byte) wire.MsgHeader0,
	timeout time.Duration,
) (Result, error) {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	frame, err := readFramed(conn, pack)
	if err != nil {
		return Result{}, fmt.Errorf("[handshake] read session info: %w", err)
	}
	si, err := wire.DecodeSessionInfo(frame)
	if err != nil {
		return Result{}, fmt.Errorf("[handshake] decode session info: %w", err)
	}
	h0, err := wire.DecodeMsgHeader0(si.UserData[:])
	if err != nil {
		return Result{}, fmt.Errorf("[handshake] decode header0: %w", err)
	}
	if !checkPassword(h0, si.PasswordHash) {
		return Result{}, fmt.Errorf("[handshake] password mismatch for %s", h0.User)
	}

	var remoteIP [4]byte
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		if ip := net.ParseIP(host).To4(); ip != nil {
			copy(remoteIP[:], ip)
		}
	}
	assigned := assignIdentity(h0, remoteIP)

	ack := wire.SessionAck{Version: si.LocalVersion}
	copy(ack.UserData[:], assigned.Encode())
	if err := writeFramed(conn, ack.Encode(), pack); err != nil {
		return Result{}, fmt.Errorf("[handshake] write session ack: %w", err)
	}

	return Result{
		SessionType: si.SessionType,
		PackMode:    si.PackMode,
		Header0:     assigned,
	}, nil
}

// DialHandshake drives the active (connecting) side: send RTP_SESSION_INFO
// with passwordHash = H(nonce, password) and the requested identity,
// then read and decode RTP_SESSION_ACK.
func DialHandshake(
	conn net.Conn,
	nonce [HandshakeNonceSize]byte,
	password string,
	sessType wire.SessionType,
	pack wire.PackMode,
	requested wire.MsgHeader0,
	localVersion uint16,
	timeout time.Duration,
) (wire.MsgHeader0, error) {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	si := wire.SessionInfo{
		LocalVersion:  localVersion,
		RemoteVersion: localVersion,
		SessionType:   sessType,
		PackMode:      pack,
		PasswordHash:  PasswordHash(nonce, password),
	}
	copy(si.UserData[:], requested.Encode())

	if err := writeFramed(conn, si.Encode(), pack); err != nil {
		return wire.MsgHeader0{}, fmt.Errorf("[handshake] write session info: %w", err)
	}

	frame, err := readFramed(conn, pack)
	if err != nil {
		return wire.MsgHeader0{}, fmt.Errorf("[handshake] read session ack: %w", err)
	}
	ack, err := wire.DecodeSessionAck(frame)
	if err != nil {
		return wire.MsgHeader0{}, fmt.Errorf("[handshake] decode session ack: %w", err)
	}
	return wire.DecodeMsgHeader0(ack.UserData[:])
}

func writeFramed(conn net.Conn, body []byte, pack wire.PackMode) error {
	frame, err := wire.CreateRtpPacket(body, wire.RtpExt{}, wire.RtpHeader{}, pack)
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

// readFramed reads exactly one framed message directly off conn,
// bypassing the steady-state RecvBuffer/Extractor pair — the handshake
// runs before a Transport exists, so it owns the raw conn for its
// duration.
func readFramed(conn net.Conn, pack wire.PackMode) ([]byte, error) {
	pool := &directPool{conn: conn}
	ex := wire.NewExtractor(pack)
	for {
		body, ok, err := ex.Next(pool)
		if err != nil {
			return nil, err
		}
		if ok {
			return body, nil
		}
		if err := pool.fill(); err != nil {
			return nil, err
		}
	}
}

// directPool is a minimal wire.RecvPool backed by a growable slice,
// fed one conn.Read at a time — enough to satisfy the Extractor
// contract without a full transport.
type directPool struct {
	conn net.Conn
	buf  []byte
}

func (p *directPool) PeekDataSize() int { return len(p.buf) }
func (p *directPool) PeekData(dst []byte) int {
	return copy(dst, p.buf)
}
func (p *directPool) Flush(n int) {
	if n > len(p.buf) {
		n = len(p.buf)
	}
	p.buf = p.buf[n:]
}
func (p *directPool) FreeSize() int { return 1 << 20 }

func (p *directPool) fill() error {
	tmp := make([]byte, 4096)
	n, err := p.conn.Read(tmp)
	if n > 0 {
		p.buf = append(p.buf, tmp[:n]...)
	}
	return err
}
