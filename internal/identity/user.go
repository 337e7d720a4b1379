// Package identity implements the 64-bit (classId, userId, instId) user
// triple that the router, wire codec, and handshake all address peers by.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Reserved classId values.
const (
	ClassInvalid uint8 = 0
	ClassServer  uint8 = 1 // hub / c2s nodes
)

// UserId range boundaries (40-bit field).
const (
	MinStaticUserID  uint64 = 1
	MaxStaticUserID  uint64 = 0xEFFFFFFFFF
	MinDynamicUserID uint64 = 0xF000000000
	MaxDynamicUserID uint64 = 0xFFFFFFFFFF
)

var (
	// ErrBadIdentity is returned by ParseUser when the input does not
	// parse as a valid "cid-uid" or "cid-uid-iid" triple.
	ErrBadIdentity = errors.New("identity: malformed user string")
)

// User is the logical (classId, userId, instId) triple that addresses a
// client, a C2S link, or the hub itself.
type User struct {
	ClassID uint8
	UserID  uint64 // 40 significant bits
	InstID  uint16
}

// Root is the hub's own identity. It is never stored in a router's
// user2Link map; it denotes the hub.
var Root = User{ClassID: ClassServer, UserID: 1}

// IsRoot reports whether u addresses the hub itself, ignoring InstID (the
// hub may be referenced with any instance suffix).
func (u User) IsRoot() bool {
	return u.ClassID == ClassServer && u.UserID == 1
}

// Valid reports whether u has a structurally legal classId/userId. It does
// not check whether the user is actually registered anywhere.
func (u User) Valid() bool {
	if u.ClassID == ClassInvalid {
		return false
	}
	if u.UserID < MinStaticUserID || u.UserID > MaxDynamicUserID {
		return false
	}
	return true
}

// IsDynamic reports whether u.UserID falls in the hub-allocated dynamic
// range.
func (u User) IsDynamic() bool {
	return u.UserID >= MinDynamicUserID && u.UserID <= MaxDynamicUserID
}

// Less implements the stable total order classId, userId, instId that the
// router's per-user map relies on.
func (u User) Less(v User) bool {
	if u.ClassID != v.ClassID {
		return u.ClassID < v.ClassID
	}
	if u.UserID != v.UserID {
		return u.UserID < v.UserID
	}
	return u.InstID < v.InstID
}

// Equal reports whether u and v address the same triple.
func (u User) Equal(v User) bool {
	return u.ClassID == v.ClassID && u.UserID == v.UserID && u.InstID == v.InstID
}

// String renders the identity as "cid-uid-iid", the emitter form used on
// the wire in client_id config-stream fields.
func (u User) String() string {
	return fmt.Sprintf("%d-%d-%d", u.ClassID, u.UserID, u.InstID)
}

// ParseUser parses either "cid-uid" (instId defaults to 0) or
// "cid-uid-iid" into a User.
func ParseUser(s string) (User, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 && len(parts) != 3 {
		return User{}, ErrBadIdentity
	}
	cid, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return User{}, fmt.Errorf("%w: classId: %v", ErrBadIdentity, err)
	}
	uid, err := strconv.ParseUint(parts[1], 10, 40)
	if err != nil {
		return User{}, fmt.Errorf("%w: userId: %v", ErrBadIdentity, err)
	}
	var iid uint64
	if len(parts) == 3 {
		iid, err = strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return User{}, fmt.Errorf("%w: instId: %v", ErrBadIdentity, err)
		}
	}
	return User{ClassID: uint8(cid), UserID: uid, InstID: uint16(iid)}, nil
}
