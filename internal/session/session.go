// Package session implements the per-peer state machine that sits on
// top of one transport.Transport: packet extraction, action-tracked
// sends with redline backpressure, heartbeat-timeout detection, and the
// Ready/Closed lifecycle spec §4.4 describes.
package session

import (
	"errors"
	"sync"
	"time"

	"bken/relay/internal/timer"
	"bken/relay/internal/transport"
	"bken/relay/internal/wire"
)

// State is the session's position in the Connecting -> Preamble ->
// Handshaking -> Ready -> Closed lifecycle. The handshake package drives
// the first three transitions directly on the raw conn, before a
// Session exists; Session itself is constructed already in
// StateHandshaking and moves to StateReady on Attach.
type State int

const (
	StateConnecting State = iota
	StatePreamble
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StatePreamble:
		return "preamble"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultRedlineBytes is the per-session backpressure threshold (spec
// §4.5: "default 8 MiB").
const DefaultRedlineBytes = 8 * 1024 * 1024

// DefaultKeepaliveTimeout is how long a session tolerates silence from
// its peer before declaring ETIMEDOUT (spec §4.4: "default 60 s").
// This is independent of heartbeatPeriod, the interval at which this
// side sends its own heartbeats — a slow heartbeat-send period must
// never shrink the peer's grace period.
const DefaultKeepaliveTimeout = 60 * time.Second

// ErrRedline names the condition where the session's cached-bytes
// threshold would be exceeded. SendPacket reports that condition by
// returning false; it does not return this error.
var ErrRedline = errors.New("session: redline exceeded")

// Observer receives session lifecycle and data events. OnOkSession is
// delivered exactly once, from a reactor-timer context (never inline
// with the handshake). OnCloseSession fires at most once, after which
// no further callback for this session ever runs.
type Observer interface {
	OnOkSession(s *Session, header0 wire.MsgHeader0)
	OnRecvSession(s *Session, body []byte)
	OnSendSession(s *Session, packetErased bool)
	OnCloseSession(s *Session, errCode int, tcpConnected bool)
}

// Session is the per-peer state machine. Construct with New (state
// StateHandshaking), then Attach the transport.Transport once the
// framed handshake has completed; Attach performs the
// Handshaking -> Ready transition.
type Session struct {
	mu    sync.Mutex
	state State

	obs    Observer
	timers *timer.Wheel
	pack   wire.PackMode
	tr     transport.Transport
	ex     *wire.Extractor

	redlineBytes int
	cachedBytes  int
	pendingSizes []int // FIFO of enqueued-but-unconfirmed frame sizes

	heartbeatPeriod  time.Duration
	keepaliveTimeout time.Duration
	lastActivity     time.Time
	watchdog         timer.ID
	readyTimer       timer.ID

	closeOnce sync.Once
}

// New constructs a session awaiting Attach. redlineBytes<=0 uses
// DefaultRedlineBytes.
func New(timers *timer.Wheel, pack wire.PackMode, obs Observer, redlineBytes int) *Session {
	if redlineBytes <= 0 {
		redlineBytes = DefaultRedlineBytes
	}
	return &Session{
		state:            StateHandshaking,
		obs:              obs,
		timers:           timers,
		pack:             pack,
		ex:               wire.NewExtractor(pack),
		redlineBytes:     redlineBytes,
		keepaliveTimeout: DefaultKeepaliveTimeout,
		lastActivity:     time.Now(),
	}
}

// SetKeepaliveTimeout overrides the keepalive-detection timeout (default
// DefaultKeepaliveTimeout). Must be called before Attach starts the
// watchdog; primarily useful for tests that cannot wait out 60 s.
func (s *Session) SetKeepaliveTimeout(d time.Duration) {
	s.mu.Lock()
	s.keepaliveTimeout = d
	s.mu.Unlock()
}

// Attach binds the transport the completed handshake produced, moves
// the session to Ready, and (per spec §4.4) posts a zero-delay timer so
// OnOkSession is delivered from a reactor context rather than inline.
func (s *Session) Attach(tr transport.Transport, header0 wire.MsgHeader0, heartbeatPeriod time.Duration) {
	s.mu.Lock()
	s.tr = tr
	s.state = StateReady
	s.heartbeatPeriod = heartbeatPeriod
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if heartbeatPeriod > 0 && s.timers != nil {
		tr.StartHeartbeat(heartbeatPeriod)
		s.watchdog = s.timers.Schedule(heartbeatPeriod, true, func(_ time.Time, _ any) {
			s.checkHeartbeatTimeout()
		}, nil)
	}

	if s.timers != nil {
		s.readyTimer = s.timers.Schedule(0, false, func(_ time.Time, _ any) {
			s.obs.OnOkSession(s, header0)
		}, nil)
	} else {
		s.obs.OnOkSession(s, header0)
	}
}

func (s *Session) checkHeartbeatTimeout() {
	s.mu.Lock()
	idle := time.Since(s.lastActivity)
	timeout := s.keepaliveTimeout
	s.mu.Unlock()
	if idle > timeout {
		s.closeWith(errTimedOut, true)
	}
}

var errTimedOut = errors.New("session: heartbeat timeout (ETIMEDOUT)")

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// --- transport.Observer ---

func (s *Session) OnRecv(t transport.Transport) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	pool := t.RecvPool()
	for {
		body, ok, err := s.ex.Next(pool)
		if err != nil {
			s.closeWith(err, true)
			return
		}
		if !ok {
			return
		}
		if wire.IsHeartbeat(body) {
			continue
		}
		s.obs.OnRecvSession(s, body)
	}
}

func (s *Session) OnSend(t transport.Transport, packetErased bool) {
	s.mu.Lock()
	if len(s.pendingSizes) > 0 {
		n := s.pendingSizes[0]
		s.pendingSizes = s.pendingSizes[1:]
		s.cachedBytes -= n
		if s.cachedBytes < 0 {
			s.cachedBytes = 0
		}
	}
	s.mu.Unlock()
	s.obs.OnSendSession(s, packetErased)
}

func (s *Session) OnClose(t transport.Transport, err error) {
	s.closeWith(err, true)
}

// OnHeartbeat sends one zero-length frame in the session's pack mode,
// which the peer drops after refreshing its keepalive timestamp.
func (s *Session) OnHeartbeat(t transport.Transport) {
	if s.State() != StateReady {
		return
	}
	frame, err := wire.CreateRtpPacket(nil, wire.RtpExt{}, wire.RtpHeader{}, s.pack)
	if err != nil {
		return
	}
	_ = t.SendData(frame)
}

// --- sending ---

// SendPacket frames body as one length-framed packet and enqueues it.
// Returns false (without enqueueing anything) if cachedBytes+len(body)
// would exceed the session's redline and the session already has bytes
// outstanding — spec §4.5's backpressure law.
func (s *Session) SendPacket(body []byte) bool {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return false
	}
	if s.cachedBytes > 0 && s.cachedBytes+len(body) > s.redlineBytes {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	frame, err := wire.CreateRtpPacket(body, wire.RtpExt{}, wire.RtpHeader{}, s.pack)
	if err != nil {
		return false
	}
	s.tr.RequestOnSend()
	if !s.tr.SendData(frame) {
		return false
	}
	s.mu.Lock()
	s.cachedBytes += len(frame)
	s.pendingSizes = append(s.pendingSizes, len(frame))
	s.mu.Unlock()
	return true
}

// RedlineUsage reports outstanding bytes and the configured threshold,
// for the router's own uplink-level redline accounting.
func (s *Session) RedlineUsage() (cached, redline int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedBytes, s.redlineBytes
}

// Close tears the session down idempotently.
func (s *Session) Close() {
	s.closeWith(nil, true)
}

func (s *Session) closeWith(err error, tcpConnected bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		tr := s.tr
		if s.watchdog != 0 {
			s.timers.Cancel(s.watchdog)
		}
		if s.readyTimer != 0 {
			s.timers.Cancel(s.readyTimer)
		}
		s.mu.Unlock()

		if tr != nil {
			_ = tr.Close()
		}
		s.obs.OnCloseSession(s, errCode(err), tcpConnected)
	})
}

func errCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errTimedOut) {
		return 1
	}
	return -1
}
