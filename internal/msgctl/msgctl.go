// Package msgctl implements the text config-stream encoding carried as
// application payload between a C2S relay and the hub, addressed to the
// root identity (1,1,65535): client_login / client_login_ok /
// client_login_error / client_kickout / client_logout.
package msgctl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"bken/relay/internal/identity"
)

// RootControlUser is the destination a C2S addresses config-stream
// control frames to. identity.User.IsRoot ignores InstID, so this is
// indistinguishable from identity.Root on the receiving end (spec
// §4.6/§4.7: "root identity (1,1,*)").
var RootControlUser = identity.User{ClassID: identity.ClassServer, UserID: 1, InstID: 0xFFFF}

// Name is one of the msg_name values a control frame carries.
type Name string

const (
	ClientLogin      Name = "client_login"
	ClientLoginOK    Name = "client_login_ok"
	ClientLoginError Name = "client_login_error"
	ClientKickout    Name = "client_kickout"
	ClientLogout     Name = "client_logout"
)

// ErrMalformed is returned for a frame that doesn't parse as
// "key=value;" pairs or is missing msg_name.
var ErrMalformed = errors.New("msgctl: malformed config-stream frame")

// Message is the decoded form of one control frame. Not every field is
// populated for every Name — see the per-constructor functions below,
// which is what callers should use to build one.
type Message struct {
	Name           Name
	ClientIndex    uint32
	ClientID       string
	ClientPublicIP string
	ClientHash     string
	ClientNonce    uint64
}

// Encode renders m as "key=value;key=value;...".
func (m Message) Encode() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "msg_name=%s;", m.Name)
	if m.ClientIndex != 0 {
		fmt.Fprintf(&b, "client_index=%d;", m.ClientIndex)
	}
	if m.ClientID != "" {
		fmt.Fprintf(&b, "client_id=%s;", m.ClientID)
	}
	if m.ClientPublicIP != "" {
		fmt.Fprintf(&b, "client_public_ip=%s;", m.ClientPublicIP)
	}
	if m.ClientHash != "" {
		fmt.Fprintf(&b, "client_hash_string=%s;", m.ClientHash)
	}
	if m.ClientNonce != 0 {
		fmt.Fprintf(&b, "client_nonce=%d;", m.ClientNonce)
	}
	return []byte(b.String())
}

// Decode parses a config-stream frame back into a Message.
func Decode(buf []byte) (Message, error) {
	var m Message
	fields := strings.Split(strings.TrimSpace(string(buf)), ";")
	for _, f := range fields {
		if f == "" {
			continue
		}
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			return Message{}, ErrMalformed
		}
		key, val := kv[0], kv[1]
		switch key {
		case "msg_name":
			m.Name = Name(val)
		case "client_index":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return Message{}, fmt.Errorf("%w: client_index: %v", ErrMalformed, err)
			}
			m.ClientIndex = uint32(n)
		case "client_id":
			m.ClientID = val
		case "client_public_ip":
			m.ClientPublicIP = val
		case "client_hash_string":
			m.ClientHash = val
		case "client_nonce":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return Message{}, fmt.Errorf("%w: client_nonce: %v", ErrMalformed, err)
			}
			m.ClientNonce = n
		}
	}
	if m.Name == "" {
		return Message{}, ErrMalformed
	}
	return m, nil
}

// Login builds a client_login frame (C2S -> hub).
func Login(clientIndex uint32, clientID, publicIP, hashHex string, nonce uint64) Message {
	return Message{
		Name:           ClientLogin,
		ClientIndex:    clientIndex,
		ClientID:       clientID,
		ClientPublicIP: publicIP,
		ClientHash:     hashHex,
		ClientNonce:    nonce,
	}
}

// LoginOK builds a client_login_ok frame (hub -> C2S).
func LoginOK(clientIndex uint32, clientID string) Message {
	return Message{Name: ClientLoginOK, ClientIndex: clientIndex, ClientID: clientID}
}

// LoginError builds a client_login_error frame (hub -> C2S).
func LoginError(clientIndex uint32) Message {
	return Message{Name: ClientLoginError, ClientIndex: clientIndex}
}

// Kickout builds a client_kickout frame (hub -> C2S), targeted at one
// sub-user by its identity string.
func Kickout(clientID string) Message {
	return Message{Name: ClientKickout, ClientID: clientID}
}

// Logout builds a client_logout frame (C2S -> hub).
func Logout(clientID string) Message {
	return Message{Name: ClientLogout, ClientID: clientID}
}
