package wire

import (
	"encoding/binary"
	"errors"

	"bken/relay/internal/identity"
)

// SessionType distinguishes the handshake variant driven after the
// service preamble.
type SessionType uint8

const (
	SessionTCPEx SessionType = iota
	SessionSSLEx
)

const passwordHashSize = 32
const sessionInfoUserDataSize = 64
const sessionAckUserDataSize = 62

// SessionInfo is RTP_SESSION_INFO, sent client -> server as the first
// framed handshake message.
type SessionInfo struct {
	LocalVersion  uint16
	RemoteVersion uint16
	SessionType   SessionType
	MmType        uint8
	PackMode      PackMode
	PasswordHash  [passwordHashSize]byte
	SomeID        uint32 // application-defined; router ignores it (spec §9 open question)
	MmID          uint32
	InSrcMmID     uint32
	OutSrcMmID    uint32
	UserData      [sessionInfoUserDataSize]byte
}

// SessionInfoSize is the encoded size of SessionInfo.
const SessionInfoSize = 2 + 2 + 1 + 1 + 1 + passwordHashSize + 4 + 4 + 4 + 4 + sessionInfoUserDataSize

// Encode serializes si into a fresh buffer.
func (si SessionInfo) Encode() []byte {
	buf := make([]byte, SessionInfoSize)
	binary.BigEndian.PutUint16(buf[0:2], si.LocalVersion)
	binary.BigEndian.PutUint16(buf[2:4], si.RemoteVersion)
	buf[4] = uint8(si.SessionType)
	buf[5] = si.MmType
	buf[6] = uint8(si.PackMode)
	off := 7
	copy(buf[off:off+passwordHashSize], si.PasswordHash[:])
	off += passwordHashSize
	binary.BigEndian.PutUint32(buf[off:off+4], si.SomeID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], si.MmID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], si.InSrcMmID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], si.OutSrcMmID)
	off += 4
	copy(buf[off:off+sessionInfoUserDataSize], si.UserData[:])
	return buf
}

// DecodeSessionInfo is the inverse of SessionInfo.Encode.
func DecodeSessionInfo(buf []byte) (SessionInfo, error) {
	if len(buf) < SessionInfoSize {
		return SessionInfo{}, errors.New("wire: short RTP_SESSION_INFO")
	}
	var si SessionInfo
	si.LocalVersion = binary.BigEndian.Uint16(buf[0:2])
	si.RemoteVersion = binary.BigEndian.Uint16(buf[2:4])
	si.SessionType = SessionType(buf[4])
	si.MmType = buf[5]
	si.PackMode = PackMode(buf[6])
	off := 7
	copy(si.PasswordHash[:], buf[off:off+passwordHashSize])
	off += passwordHashSize
	si.SomeID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	si.MmID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	si.InSrcMmID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	si.OutSrcMmID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	copy(si.UserData[:], buf[off:off+sessionInfoUserDataSize])
	return si, nil
}

// SessionAck is RTP_SESSION_ACK, sent server -> client in reply.
type SessionAck struct {
	Version  uint16
	UserData [sessionAckUserDataSize]byte
}

// SessionAckSize is the encoded size of SessionAck.
const SessionAckSize = 2 + sessionAckUserDataSize

func (a SessionAck) Encode() []byte {
	buf := make([]byte, SessionAckSize)
	binary.BigEndian.PutUint16(buf[0:2], a.Version)
	copy(buf[2:], a.UserData[:])
	return buf
}

func DecodeSessionAck(buf []byte) (SessionAck, error) {
	if len(buf) < SessionAckSize {
		return SessionAck{}, errors.New("wire: short RTP_SESSION_ACK")
	}
	var a SessionAck
	a.Version = binary.BigEndian.Uint16(buf[0:2])
	copy(a.UserData[:], buf[2:])
	return a, nil
}

// MsgHeader0 is RTP_MSG_HEADER0, the identity-carrying structure packed
// into SessionInfo.UserData (client -> server, "which user do I want to
// be") and into SessionAck.UserData (server -> client, "here is who you
// actually are and how the world sees you").
//
// On the wire the trailing field is a C union of publicIp:u32 and
// reserved[10]byte; PublicIP is meaningful only in the ack direction.
type MsgHeader0 struct {
	Version  uint16
	User     identity.User
	PublicIP [4]byte
}

// MsgHeader0Size is the encoded size of MsgHeader0.
const MsgHeader0Size = 2 + RtpMsgUserSize + 10

func (h MsgHeader0) Encode() []byte {
	buf := make([]byte, MsgHeader0Size)
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	EncodeMsgUser(h.User, buf[2:10])
	copy(buf[10:14], h.PublicIP[:])
	return buf
}

func DecodeMsgHeader0(buf []byte) (MsgHeader0, error) {
	if len(buf) < MsgHeader0Size {
		return MsgHeader0{}, errors.New("wire: short RTP_MSG_HEADER0")
	}
	var h MsgHeader0
	h.Version = binary.BigEndian.Uint16(buf[0:2])
	u, err := DecodeMsgUser(buf[2:10])
	if err != nil {
		return MsgHeader0{}, err
	}
	h.User = u
	copy(h.PublicIP[:], buf[10:14])
	return h, nil
}
