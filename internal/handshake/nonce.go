// Package handshake drives the two-phase connection setup spec §4.3
// describes: an optional 4-byte service-extension preamble (routing one
// listening port to several mmTypes) followed by the framed
// RTP_SESSION_INFO/RTP_SESSION_ACK exchange that establishes identity,
// pack mode, and the session's 256-bit password MAC.
package handshake

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

// PreambleNonceSize is the random challenge the acceptor sends before the
// 4-byte service selector (spec §4.3: "sends a 16-byte nonce").
const PreambleNonceSize = 16

// HandshakeNonceSize is the nonce folded into the password hash (spec
// §4.3/§7: "8-byte nonce ... passwordHash = H(nonce, password)").
const HandshakeNonceSize = 8

// PasswordHashSize is the width of the opaque MAC carried in
// RTP_SESSION_INFO.PasswordHash.
const PasswordHashSize = 32

var ErrShortRandom = errors.New("handshake: short read from crypto/rand")

func NewPreambleNonce() ([PreambleNonceSize]byte, error) {
	var n [PreambleNonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, err
	}
	return n, nil
}

func NewHandshakeNonce() ([HandshakeNonceSize]byte, error) {
	var n [HandshakeNonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, err
	}
	return n, nil
}

func randomByte() (uint8, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// PasswordHash computes H(nonce || password). original_source pins this
// to SHA-256 (ProCalcPasswordHash); spec.md's own open question (§9)
// defers to cross-testing against the reference implementation, which
// resolves to SHA-256 — see DESIGN.md.
func PasswordHash(nonce [HandshakeNonceSize]byte, password string) [PasswordHashSize]byte {
	h := sha256.New()
	h.Write(nonce[:])
	h.Write([]byte(password))
	var out [PasswordHashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PasswordHashHex renders the hash as 64 lowercase hex characters, the
// form the client_login config-stream message carries (spec §6, step 5).
func PasswordHashHex(nonce [HandshakeNonceSize]byte, password string) string {
	sum := PasswordHash(nonce, password)
	return hex.EncodeToString(sum[:])
}

// NonceToUint64 and NonceFromUint64 convert the 8-byte handshake nonce
// to/from the decimal form carried in a config-stream frame's
// client_nonce field (spec §6): a C2S's downlink handshake and its
// uplink client_login message use two different nonces, and the hub
// needs the downlink one, as a plain integer, to recompute the hash a
// sub-user presented to the C2S.
func NonceToUint64(nonce [HandshakeNonceSize]byte) uint64 {
	return binary.BigEndian.Uint64(nonce[:])
}

func NonceFromUint64(n uint64) [HandshakeNonceSize]byte {
	var nonce [HandshakeNonceSize]byte
	binary.BigEndian.PutUint64(nonce[:], n)
	return nonce
}
