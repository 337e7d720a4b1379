package router

import (
	"testing"

	"bken/relay/internal/identity"
)

func newTestLink(t *testing.T, isC2s bool, base identity.User) *Link {
	t.Helper()
	return &Link{ID: "test", IsC2s: isC2s, BaseUser: base, redline: NewRedline(0), subUsers: make(map[identity.User]struct{})}
}

func TestRegisterEvictsPriorOccupant(t *testing.T) {
	tbl := NewTable(nil)
	u := identity.User{ClassID: 2, UserID: 1, InstID: 1}
	linkA := newTestLink(t, false, u)
	linkB := newTestLink(t, false, u)

	if evicted := tbl.Register(u, linkA); evicted != nil {
		t.Fatalf("first register should not evict anything, got %v", evicted)
	}
	evicted := tbl.Register(u, linkB)
	if evicted != linkA {
		t.Fatalf("expected linkA evicted, got %v", evicted)
	}
	got, ok := tbl.Lookup(u)
	if !ok || got != linkB {
		t.Errorf("lookup = %v, want linkB", got)
	}
}

func TestUnregisterLinkRemovesAllItsUsers(t *testing.T) {
	tbl := NewTable(nil)
	base := identity.User{ClassID: 1, UserID: 10, InstID: 1}
	c2s := newTestLink(t, true, base)

	u1 := identity.User{ClassID: 2, UserID: 1, InstID: 1}
	u2 := identity.User{ClassID: 2, UserID: 2, InstID: 1}
	tbl.Register(u1, c2s)
	tbl.Register(u2, c2s)

	removed := tbl.UnregisterLink(c2s)
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed users, got %d", len(removed))
	}
	if _, ok := tbl.Lookup(u1); ok {
		t.Error("u1 still routed after link removal")
	}
	if _, ok := tbl.Lookup(u2); ok {
		t.Error("u2 still routed after link removal")
	}
}

func TestFanoutGroupsByLinkAndDropsUnresolved(t *testing.T) {
	tbl := NewTable(nil)
	linkA := newTestLink(t, false, identity.User{})
	linkB := newTestLink(t, false, identity.User{})

	u1 := identity.User{ClassID: 2, UserID: 1, InstID: 1}
	u2 := identity.User{ClassID: 2, UserID: 2, InstID: 1}
	unresolved := identity.User{ClassID: 2, UserID: 99, InstID: 1}
	tbl.Register(u1, linkA)
	tbl.Register(u2, linkB)

	groups := tbl.Fanout([]identity.User{u1, u2, unresolved})
	if len(groups) != 2 {
		t.Fatalf("expected 2 link groups, got %d", len(groups))
	}
	if len(groups[linkA]) != 1 || groups[linkA][0] != u1 {
		t.Errorf("linkA group = %v", groups[linkA])
	}
	if len(groups[linkB]) != 1 || groups[linkB][0] != u2 {
		t.Errorf("linkB group = %v", groups[linkB])
	}
}

func TestPendingLoginCap(t *testing.T) {
	tbl := NewTable(nil)
	link := newTestLink(t, true, identity.User{})
	for i := uint32(0); i < MaxPendingLogins; i++ {
		if err := tbl.AddPendingLogin(&PendingLogin{ClientIndex: i + 1, Link: link}); err != nil {
			t.Fatalf("unexpected rejection at %d: %v", i, err)
		}
	}
	if err := tbl.AddPendingLogin(&PendingLogin{ClientIndex: MaxPendingLogins + 1, Link: link}); err != ErrTooManyPending {
		t.Fatalf("expected ErrTooManyPending, got %v", err)
	}
}

func TestTakePendingLoginRemovesRecord(t *testing.T) {
	tbl := NewTable(nil)
	link := newTestLink(t, true, identity.User{})
	p := &PendingLogin{ClientIndex: 5, Link: link, User: identity.User{ClassID: 2, UserID: 1}}
	if err := tbl.AddPendingLogin(p); err != nil {
		t.Fatal(err)
	}
	got, err := tbl.TakePendingLogin(5)
	if err != nil {
		t.Fatal(err)
	}
	if got.User != p.User {
		t.Errorf("got %+v", got)
	}
	if _, err := tbl.TakePendingLogin(5); err != ErrUnknownPending {
		t.Fatalf("expected ErrUnknownPending on second take, got %v", err)
	}
}

func TestRedlineBackpressureLaw(t *testing.T) {
	// A generous limit keeps the smoothing token bucket out of the way
	// so this exercises only the hard cachedBytes threshold check.
	const limit = 1 << 20
	r := NewRedline(limit)
	if !r.Admit(100) {
		t.Fatal("first admit should succeed from zero cachedBytes")
	}
	if r.Admit(limit) {
		t.Fatal("second admit should be rejected: cachedBytes>0 and sum exceeds limit")
	}
	r.Release(100)
	if !r.Admit(100) {
		t.Fatal("admit should succeed again after release")
	}
}
