// Package router implements the hub's (and a C2S's downlink's) identity
// routing core: the user2Link/link2Users bijection, pending-login
// admission tracking, fanout grouping, and kick-out.
package router

import (
	"errors"
	"sync"
	"time"

	"bken/relay/internal/identity"
	"bken/relay/internal/timer"
)

// MaxPendingLogins bounds admission-phase state (spec §4.6: "if pending
// count >= 5000, reject").
const MaxPendingLogins = 5000

var (
	ErrTooManyPending = errors.New("router: pending login admission cap reached")
	ErrUnknownPending = errors.New("router: no pending login for that correlation token")
)

// PendingLogin is the admission-in-flight record keyed by the
// client_index correlation token, a C2S-local counter; the local-timeout
// timer's id is kept separately in Timer.
type PendingLogin struct {
	ClientIndex uint32
	Link        *Link
	User        identity.User
	PublicIP    [4]byte
	Timer       timer.ID
	Created     time.Time
}

// Table is the single router lock's worth of state: user2Link,
// link2Users (held implicitly via Link.subUsers plus this table's
// direct-user entries), and pendingLogins. All mutation happens under
// one mutex; per spec §5, observer callbacks are always made with the
// lock released.
type Table struct {
	mu            sync.Mutex
	user2Link     map[identity.User]*Link
	pendingLogins map[uint32]*PendingLogin
	timers        *timer.Wheel
}

func NewTable(timers *timer.Wheel) *Table {
	return &Table{
		user2Link:     make(map[identity.User]*Link),
		pendingLogins: make(map[uint32]*PendingLogin),
		timers:        timers,
	}
}

// Register inserts user -> link, evicting (and returning) any prior
// occupant link for that exact user. The caller is responsible for
// notifying the evicted occupant (client_kickout / session close)
// after releasing the table's lock — Register itself never upcalls.
func (t *Table) Register(user identity.User, link *Link) (evicted *Link) {
	t.mu.Lock()
	prior := t.user2Link[user]
	t.user2Link[user] = link
	t.mu.Unlock()

	link.AddSubUser(user)
	if prior != nil && prior != link {
		prior.RemoveSubUser(user)
		return prior
	}
	return nil
}

// Unregister removes exactly one user's routing entry.
func (t *Table) Unregister(user identity.User) {
	t.mu.Lock()
	link, ok := t.user2Link[user]
	if ok {
		delete(t.user2Link, user)
	}
	t.mu.Unlock()
	if ok {
		link.RemoveSubUser(user)
	}
}

// UnregisterLink removes every user currently routed through link
// (called when the link itself closes) and returns them so the caller
// can upcall OnCloseUser for each.
func (t *Table) UnregisterLink(link *Link) []identity.User {
	users := link.SubUsers()
	t.mu.Lock()
	for _, u := range users {
		if t.user2Link[u] == link {
			delete(t.user2Link, u)
		}
	}
	t.mu.Unlock()
	return users
}

// Lookup resolves a user to its current link.
func (t *Table) Lookup(user identity.User) (*Link, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.user2Link[user]
	return l, ok
}

// Fanout groups destinations by the link they currently resolve to.
// Destinations with no entry in user2Link are dropped silently, per
// spec §4.7.
func (t *Table) Fanout(dsts []identity.User) map[*Link][]identity.User {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[*Link][]identity.User)
	for _, u := range dsts {
		if l, ok := t.user2Link[u]; ok {
			out[l] = append(out[l], u)
		}
	}
	return out
}

// AddPendingLogin installs an admission-in-flight record. Returns
// ErrTooManyPending without installing anything if the cap is reached.
func (t *Table) AddPendingLogin(p *PendingLogin) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingLogins) >= MaxPendingLogins {
		return ErrTooManyPending
	}
	p.Created = time.Now()
	t.pendingLogins[p.ClientIndex] = p
	return nil
}

// TakePendingLogin removes and returns the pending record for
// clientIndex, or ErrUnknownPending if there isn't one (e.g. the
// localTimeout already fired and cleaned it up).
func (t *Table) TakePendingLogin(clientIndex uint32) (*PendingLogin, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pendingLogins[clientIndex]
	if !ok {
		return nil, ErrUnknownPending
	}
	delete(t.pendingLogins, clientIndex)
	return p, nil
}

// CancelPendingLogin drops a pending record without returning it.
func (t *Table) CancelPendingLogin(clientIndex uint32) {
	t.mu.Lock()
	delete(t.pendingLogins, clientIndex)
	t.mu.Unlock()
}

// PendingCount reports the current admission-in-flight count, exposed
// for the prometheus collector.
func (t *Table) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pendingLogins)
}

// LinkCount reports the number of distinct users currently routed,
// exposed for the prometheus collector.
func (t *Table) LinkCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.user2Link)
}
