package wire

import (
	"encoding/binary"
	"errors"

	"bken/relay/internal/identity"
)

// RtpMsgUserSize is the wire size of RTP_MSG_USER: classId(1) +
// userId1..5(5, big-endian 40-bit) + instId(2, network order).
const RtpMsgUserSize = 8

// EncodeMsgUser writes u into buf[:8] in RTP_MSG_USER layout.
func EncodeMsgUser(u identity.User, buf []byte) {
	buf[0] = u.ClassID
	var uid [5]byte
	v := u.UserID
	for i := 4; i >= 0; i-- {
		uid[i] = byte(v)
		v >>= 8
	}
	copy(buf[1:6], uid[:])
	binary.BigEndian.PutUint16(buf[6:8], u.InstID)
}

// DecodeMsgUser parses an 8-byte RTP_MSG_USER.
func DecodeMsgUser(buf []byte) (identity.User, error) {
	if len(buf) < RtpMsgUserSize {
		return identity.User{}, errors.New("wire: short RTP_MSG_USER")
	}
	var uid uint64
	for i := 1; i <= 5; i++ {
		uid = uid<<8 | uint64(buf[i])
	}
	return identity.User{
		ClassID: buf[0],
		UserID:  uid,
		InstID:  binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

// RtpMsgUser2String renders u the same way identity.User does; kept as a
// distinct name to mirror the original C API the round-trip property in
// spec §8 names explicitly.
func RtpMsgUser2String(u identity.User) string { return u.String() }

// RtpMsgString2User is the inverse of RtpMsgUser2String.
func RtpMsgString2User(s string) (identity.User, error) { return identity.ParseUser(s) }

// MsgHeaderFixedSize is the size of RTP_MSG_HEADER with exactly one
// destination embedded (dstCount==1): charset(2) + srcUser(8) +
// reserved(1) + dstCount(1) + dstUsers[0](8).
const MsgHeaderFixedSize = 2 + RtpMsgUserSize + 1 + 1 + RtpMsgUserSize

// MsgHeader is RTP_MSG_HEADER plus its trailing dstUsers[dstCount-1]
// continuation array, decoded into a Go slice for convenience.
type MsgHeader struct {
	Charset  uint16
	SrcUser  identity.User
	DstUsers []identity.User // length == DstCount, DstCount==0 normalized to 1
}

// EncodeMsgHeader serializes header followed by body into a single
// buffer suitable for framing at pack mode TCP4.
func EncodeMsgHeader(h MsgHeader, body []byte) []byte {
	dstCount := len(h.DstUsers)
	if dstCount == 0 {
		dstCount = 1
	}
	extra := 0
	if dstCount > 1 {
		extra = (dstCount - 1) * RtpMsgUserSize
	}
	buf := make([]byte, MsgHeaderFixedSize+extra+len(body))
	binary.BigEndian.PutUint16(buf[0:2], h.Charset)
	EncodeMsgUser(h.SrcUser, buf[2:10])
	buf[10] = 0 // reserved
	buf[11] = byte(dstCount)
	off := 12
	if len(h.DstUsers) == 0 {
		EncodeMsgUser(identity.User{}, buf[off:off+RtpMsgUserSize])
		off += RtpMsgUserSize
	} else {
		for _, d := range h.DstUsers {
			EncodeMsgUser(d, buf[off:off+RtpMsgUserSize])
			off += RtpMsgUserSize
		}
	}
	copy(buf[off:], body)
	return buf
}

// DecodeMsgHeader parses a msg-layer frame body into its header and
// trailing application body. dstCount==0 on the wire is normalized to 1.
func DecodeMsgHeader(frame []byte) (MsgHeader, []byte, error) {
	if len(frame) < MsgHeaderFixedSize {
		return MsgHeader{}, nil, errors.New("wire: short RTP_MSG_HEADER")
	}
	h := MsgHeader{}
	h.Charset = binary.BigEndian.Uint16(frame[0:2])
	src, err := DecodeMsgUser(frame[2:10])
	if err != nil {
		return MsgHeader{}, nil, err
	}
	h.SrcUser = src
	dstCount := int(frame[11])
	if dstCount == 0 {
		dstCount = 1
	}
	need := MsgHeaderFixedSize + (dstCount-1)*RtpMsgUserSize
	if len(frame) < need {
		return MsgHeader{}, nil, errors.New("wire: dstCount/frame length mismatch")
	}
	dsts := make([]identity.User, 0, dstCount)
	first, err := DecodeMsgUser(frame[12:20])
	if err != nil {
		return MsgHeader{}, nil, err
	}
	dsts = append(dsts, first)
	off := 20
	for i := 1; i < dstCount; i++ {
		d, err := DecodeMsgUser(frame[off : off+RtpMsgUserSize])
		if err != nil {
			return MsgHeader{}, nil, err
		}
		dsts = append(dsts, d)
		off += RtpMsgUserSize
	}
	h.DstUsers = dsts
	return h, frame[need:], nil
}
