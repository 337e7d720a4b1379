// Package msgclient implements the msg-layer client: a session dressed
// up with the identity handshake (RTP_MSG_HEADER0) and the
// RTP_MSG_HEADER envelope, used both by end clients talking to a hub
// directly and by a C2S's uplink to the hub (spec §4.5).
package msgclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"bken/relay/internal/handshake"
	"bken/relay/internal/identity"
	"bken/relay/internal/session"
	"bken/relay/internal/timer"
	"bken/relay/internal/transport"
	"bken/relay/internal/wire"
)

// DefaultHeartbeatPeriod is the reactor heartbeat tick msg-layer
// sessions run at (spec §4.4: "fires OnHeartbeat every second by
// default").
const DefaultHeartbeatPeriod = time.Second

// Observer receives msg-layer events. A C2S installs an Observer whose
// OnTransferMsg forwards to its downstream sessions; a leaf client
// typically leaves OnTransferMsg unimplemented (never fires for it,
// since IsC2s is false).
type Observer interface {
	OnOkMsg(c *Client, user identity.User, publicIP [4]byte)
	OnRecvMsg(c *Client, body []byte, charset uint16, srcUser identity.User)
	// OnTransferMsg fires only when IsC2s is true and header.DstUsers
	// contains an identity other than myUser — spec §4.5: "this lets a
	// C2S know which destinations it must relay to its own downstream
	// clients."
	OnTransferMsg(c *Client, header wire.MsgHeader, body []byte)
	OnCloseMsg(c *Client, errCode int, tcpConnected bool)
}

// Config parameterizes Dial.
type Config struct {
	RemoteAddr   string // host:port
	User         identity.User
	Password     string
	LocalVersion uint16
	IsC2s        bool // true for a C2S's uplink, enabling OnTransferMsg
	TLSConfig    *tls.Config   // non-nil dials SSL-EX instead of TCP-EX
	ServerName   string        // SNI, used only with TLSConfig
	DialTimeout  time.Duration
	Heartbeat    time.Duration // 0 uses DefaultHeartbeatPeriod
	RedlineBytes int           // 0 uses session.DefaultRedlineBytes
}

// Client is the msg-layer client: a session plus the identity it learned
// from the handshake ack.
type Client struct {
	obs   Observer
	sess  *session.Session
	isC2s bool

	myUser     identity.User
	myPublicIP [4]byte
}

// Dial performs the full connect sequence: TCP (or TLS) dial, the
// 8-byte nonce read, the framed RTP_SESSION_INFO/RTP_SESSION_ACK
// exchange with {version, user} in userData (spec §4.5's init), then
// attaches a transport.Transport and installs itself as the session's
// observer. OnOkMsg fires asynchronously once the ack's RTP_MSG_HEADER0
// is decoded, from the reactor-timer context session.Attach schedules.
func Dial(cfg Config, timers *timer.Wheel, obs Observer) (*Client, error) {
	const pack = wire.PackTCP4 // spec §4.5: msg-layer sessions always use packMode=TCP4
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = handshake.MsgLayerTimeout
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatPeriod
	}

	conn, err := net.DialTimeout("tcp", cfg.RemoteAddr, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("[msgclient] dial %s: %w", cfg.RemoteAddr, err)
	}

	sessType := wire.SessionTCPEx
	if cfg.TLSConfig != nil {
		tlsCfg := cfg.TLSConfig.Clone()
		if cfg.ServerName != "" {
			tlsCfg.ServerName = cfg.ServerName
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("[msgclient] tls handshake: %w", err)
		}
		conn = tlsConn
		sessType = wire.SessionSSLEx
	}

	nonce, err := handshake.ReadHandshakeNonce(conn, handshake.PreambleTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("[msgclient] read nonce: %w", err)
	}

	requested := wire.MsgHeader0{Version: cfg.LocalVersion, User: cfg.User}
	header0, err := handshake.DialHandshake(conn, nonce, cfg.Password, sessType, pack, requested, cfg.LocalVersion, cfg.DialTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("[msgclient] handshake: %w", err)
	}

	c := &Client{obs: obs, isC2s: cfg.IsC2s}
	c.sess = session.New(timers, pack, c, cfg.RedlineBytes)

	var tr transport.Transport
	if cfg.TLSConfig != nil {
		tr = transport.NewSslTransport(conn.(*tls.Conn), c.sess, 0, timers)
	} else {
		tr = transport.NewTcpTransport(conn, c.sess, 0, timers)
	}
	c.sess.Attach(tr, header0, heartbeat)
	return c, nil
}

// MyUser returns the identity the server assigned once OnOkMsg has
// fired; the zero User before then.
func (c *Client) MyUser() identity.User { return c.myUser }

// SendMsg packages header+body as one RTP_MSG_HEADER frame and attempts
// to send it. srcUser is always stamped to myUser. Returns false immediately on redline backpressure, and also
// when body exceeds the msg-layer's per-frame ceiling — callers decide
// whether to drop or retry (spec §4.5/§5: "non-blocking ... returns
// false on redline"; spec §3: "Body size ≤ 60 KiB").
func (c *Client) SendMsg(body []byte, charset uint16, dstUsers []identity.User) bool {
	if len(body) > wire.MaxFrameSize {
		return false
	}
	h := wire.MsgHeader{Charset: charset, SrcUser: c.myUser, DstUsers: dstUsers}
	return c.sess.SendPacket(wire.EncodeMsgHeader(h, body))
}

// TransferMsg re-sends an already-framed header+body pair, preserving
// the original SrcUser — used by a C2S to relay a downstream packet
// upward to the hub (spec §4.6: "upward packets carry the original
// srcUser"). Returns false when body exceeds the msg-layer's per-frame
// ceiling, the same as SendMsg.
func (c *Client) TransferMsg(header wire.MsgHeader, body []byte) bool {
	if len(body) > wire.MaxFrameSize {
		return false
	}
	return c.sess.SendPacket(wire.EncodeMsgHeader(header, body))
}

// Close tears down the underlying session.
func (c *Client) Close() { c.sess.Close() }

// --- session.Observer ---

func (c *Client) OnOkSession(s *session.Session, header0 wire.MsgHeader0) {
	c.myUser = header0.User
	c.myPublicIP = header0.PublicIP
	c.obs.OnOkMsg(c, c.myUser, c.myPublicIP)
}

func (c *Client) OnRecvSession(s *session.Session, body []byte) {
	h, payload, err := wire.DecodeMsgHeader(body)
	if err != nil {
		return
	}
	c.obs.OnRecvMsg(c, payload, h.Charset, h.SrcUser)
	if c.isC2s && hasForeignDst(h.DstUsers, c.myUser) {
		c.obs.OnTransferMsg(c, h, payload)
	}
}

func (c *Client) OnSendSession(s *session.Session, packetErased bool) {}

func (c *Client) OnCloseSession(s *session.Session, errCode int, tcpConnected bool) {
	c.obs.OnCloseMsg(c, errCode, tcpConnected)
}

func hasForeignDst(dsts []identity.User, self identity.User) bool {
	for _, d := range dsts {
		if !d.Equal(self) {
			return true
		}
	}
	return false
}
