package identity

import "testing"

func TestParseUserRoundTrip(t *testing.T) {
	cases := []string{"2-1-1", "1-1-0", "255-1099511627775-65535"}
	for _, s := range cases {
		u, err := ParseUser(s)
		if err != nil {
			t.Fatalf("ParseUser(%q): %v", s, err)
		}
		if got := u.String(); got != s {
			t.Errorf("ParseUser(%q).String() = %q, want %q", s, got, s)
		}
	}
}

func TestParseUserTwoComponent(t *testing.T) {
	u, err := ParseUser("2-1")
	if err != nil {
		t.Fatalf("ParseUser: %v", err)
	}
	if u.InstID != 0 {
		t.Errorf("InstID = %d, want 0", u.InstID)
	}
	if u.String() != "2-1-0" {
		t.Errorf("String() = %q, want 2-1-0", u.String())
	}
}

func TestParseUserMalformed(t *testing.T) {
	bad := []string{"", "a-b", "1-2-3-4", "1"}
	for _, s := range bad {
		if _, err := ParseUser(s); err == nil {
			t.Errorf("ParseUser(%q): expected error", s)
		}
	}
}

func TestLessOrdering(t *testing.T) {
	a := User{ClassID: 1, UserID: 1, InstID: 0}
	b := User{ClassID: 1, UserID: 1, InstID: 1}
	c := User{ClassID: 2, UserID: 0, InstID: 0}
	if !a.Less(b) {
		t.Error("a should be less than b")
	}
	if !b.Less(c) {
		t.Error("b should be less than c")
	}
	if a.Less(a) {
		t.Error("a should not be less than itself")
	}
}

func TestRootIdentity(t *testing.T) {
	if !Root.IsRoot() {
		t.Error("Root.IsRoot() = false")
	}
	other := User{ClassID: ClassServer, UserID: 1, InstID: 42}
	if !other.IsRoot() {
		t.Error("root identity with nonzero instId should still be root")
	}
}

func TestDynamicRange(t *testing.T) {
	u := User{ClassID: 2, UserID: MinDynamicUserID}
	if !u.IsDynamic() {
		t.Error("expected dynamic range user to be dynamic")
	}
	s := User{ClassID: 2, UserID: MaxStaticUserID}
	if s.IsDynamic() {
		t.Error("expected static range user to not be dynamic")
	}
}
