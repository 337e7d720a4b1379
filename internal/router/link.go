package router

import (
	"sync"

	"github.com/google/uuid"

	"bken/relay/internal/identity"
	"bken/relay/internal/session"
	"bken/relay/internal/wire"
)

// Link is the router's view of one accepted connection: either a direct
// client (exactly one user, no sub-users) or a C2S relay (a base
// identity plus a set of sub-users it multiplexes downstream). The
// correlation id is never carried on the wire — it exists purely for
// log lines and the /metrics label set, matching SPEC_FULL.md's
// google/uuid wiring.
type Link struct {
	ID       string
	IsC2s    bool
	BaseUser identity.User

	sess    *session.Session
	redline *Redline

	mu           sync.Mutex
	subUsers     map[identity.User]struct{}
	pendingSizes []int // FIFO of admitted-but-unconfirmed frame sizes
}

// NewLink wraps a session whose transport the caller attaches
// afterward. baseUser is the handshake's resolved identity; isC2s is
// decided by the caller (the hub sets it when the account is flagged
// IsC2s and the resolved classId is 1).
func NewLink(sess *session.Session, isC2s bool, baseUser identity.User, redlineBytes int) *Link {
	return &Link{
		ID:       uuid.NewString(),
		IsC2s:    isC2s,
		BaseUser: baseUser,
		sess:     sess,
		redline:  NewRedline(redlineBytes),
		subUsers: make(map[identity.User]struct{}),
	}
}

// AddSubUser / RemoveSubUser track which identities this C2S currently
// carries, used when the link itself is torn down (every sub-user must
// be evicted from the router's tables too).
func (l *Link) AddSubUser(u identity.User) {
	l.mu.Lock()
	l.subUsers[u] = struct{}{}
	l.mu.Unlock()
}

func (l *Link) RemoveSubUser(u identity.User) {
	l.mu.Lock()
	delete(l.subUsers, u)
	l.mu.Unlock()
}

// SubUsers returns a snapshot of the link's current sub-user set.
func (l *Link) SubUsers() []identity.User {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]identity.User, 0, len(l.subUsers))
	for u := range l.subUsers {
		out = append(out, u)
	}
	return out
}

// SendMsgToDownlink frames header+body as one RTP_MSG_HEADER packet and
// enqueues it on the link's session, subject to the link's redline. The
// admitted size is tracked in pendingSizes until ConfirmSend releases
// it, once the session reports the send complete.
func (l *Link) SendMsgToDownlink(header wire.MsgHeader, body []byte) bool {
	frame := wire.EncodeMsgHeader(header, body)
	if !l.redline.Admit(len(frame)) {
		return false
	}
	if !l.sess.SendPacket(frame) {
		l.redline.Release(len(frame))
		return false
	}
	l.mu.Lock()
	l.pendingSizes = append(l.pendingSizes, len(frame))
	l.mu.Unlock()
	return true
}

// ConfirmSend releases the oldest pending frame's bytes back to the
// link's redline budget. Call this from session.Observer.OnSendSession
// once the underlying session confirms a send completed — this is the
// only path that recovers a link's redline after sustained traffic.
func (l *Link) ConfirmSend() {
	l.mu.Lock()
	var n int
	if len(l.pendingSizes) > 0 {
		n = l.pendingSizes[0]
		l.pendingSizes = l.pendingSizes[1:]
	}
	l.mu.Unlock()
	if n > 0 {
		l.redline.Release(n)
	}
}

// Close tears down the underlying session.
func (l *Link) Close() {
	l.sess.Close()
}
