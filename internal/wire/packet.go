// Package wire implements the length-framed and RTP-framed packet codec:
// the 8-byte extension header, the three pack modes (DEFAULT/TCP2/TCP4),
// and the msg-layer frame built on top of pack mode TCP4.
package wire

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
)

// PackMode selects the framing used on a session's wire.
type PackMode uint8

const (
	PackDefault PackMode = iota // [RTP_EXT:8][RTP_HEADER:12][payload], RTP-framed
	PackTCP2                    // [len:u16][payload]
	PackTCP4                    // [len:u32][payload]
)

const (
	// RtpExtSize is the byte length of the RTP_EXT extension header.
	RtpExtSize = 8
	// RtpHeaderSize is the byte length of the classic 12-byte RTP header.
	RtpHeaderSize = 12
	// MaxFrameSize is the msg-layer body ceiling that msgclient's SendMsg
	// and TransferMsg enforce. The pack modes do not apply it: a TCP2
	// frame is bounded only by its 16-bit length prefix (0xFFFF) and a
	// TCP4 frame by TCP4PayloadSize.
	MaxFrameSize = 60 * 1024
	// TCP4PayloadSize is the transport ceiling honored independently of
	// the msg-layer body ceiling (spec §9 open question: PRO_TCP4_PAYLOAD_SIZE).
	TCP4PayloadSize = 65520
)

// Flag bits carried in RTP_EXT.Flags.
const (
	FlagKeyFrame     uint8 = 1 << 0
	FlagFirstOfFrame uint8 = 1 << 1
	FlagUdpxSync     uint8 = 1 << 2
)

// RtpExt is the 8-byte extension header prefixing every DEFAULT-pack-mode
// frame: {mmId:u32 net, mmType:u8, flags:u8, hdrAndPayloadSize:u16 net}.
type RtpExt struct {
	MmID              uint32
	MmType            uint8
	Flags             uint8
	HdrAndPayloadSize uint16 // counts RTP_HEADER + payload
}

// Encode writes the extension header into buf[:8].
func (e RtpExt) Encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], e.MmID)
	buf[4] = e.MmType
	buf[5] = e.Flags
	binary.BigEndian.PutUint16(buf[6:8], e.HdrAndPayloadSize)
}

// DecodeRtpExt parses an 8-byte extension header.
func DecodeRtpExt(buf []byte) (RtpExt, error) {
	if len(buf) < RtpExtSize {
		return RtpExt{}, errors.New("wire: short RTP_EXT")
	}
	return RtpExt{
		MmID:              binary.BigEndian.Uint32(buf[0:4]),
		MmType:            buf[4],
		Flags:             buf[5],
		HdrAndPayloadSize: binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

// RtpHeader is the classic 12-byte RTP header carried after RTP_EXT in
// DEFAULT pack mode.
type RtpHeader struct {
	Version   uint8 // 2 bits, always 2 for this wire
	Padding   bool
	Extension bool
	CSRCCount uint8
	Marker    bool
	PayloadType uint8
	SeqNum    uint16
	Timestamp uint32
	SSRC      uint32
}

// Encode writes the header into buf[:12].
func (h RtpHeader) Encode(buf []byte) {
	b0 := (h.Version&0x3)<<6 | h.CSRCCount&0xf
	if h.Padding {
		b0 |= 1 << 5
	}
	if h.Extension {
		b0 |= 1 << 4
	}
	buf[0] = b0
	b1 := h.PayloadType & 0x7f
	if h.Marker {
		b1 |= 1 << 7
	}
	buf[1] = b1
	binary.BigEndian.PutUint16(buf[2:4], h.SeqNum)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)
}

// DecodeRtpHeader parses a 12-byte RTP header.
func DecodeRtpHeader(buf []byte) (RtpHeader, error) {
	if len(buf) < RtpHeaderSize {
		return RtpHeader{}, errors.New("wire: short RTP_HEADER")
	}
	return RtpHeader{
		Version:     buf[0] >> 6,
		Padding:     buf[0]&(1<<5) != 0,
		Extension:   buf[0]&(1<<4) != 0,
		CSRCCount:   buf[0] & 0xf,
		Marker:      buf[1]&(1<<7) != 0,
		PayloadType: buf[1] & 0x7f,
		SeqNum:      binary.BigEndian.Uint16(buf[2:4]),
		Timestamp:   binary.BigEndian.Uint32(buf[4:8]),
		SSRC:        binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// Packet is a reference-counted, immutable-once-built frame. One logical
// AddRef corresponds to one outstanding queue/in-flight reference; the
// last Release drops the backing buffer. This mirrors the original
// AddRef/Release discipline (spec §9) even though the Go runtime would
// happily garbage-collect the buffer without it — callers that fan a
// single encoded frame out to many destination queues use this to know
// when it is safe to recycle the buffer into a pool.
type Packet struct {
	Ext     RtpExt
	Header  RtpHeader
	Payload []byte

	refs int32
}

// NewPacket wraps a payload with an initial reference count of 1.
func NewPacket(ext RtpExt, hdr RtpHeader, payload []byte) *Packet {
	return &Packet{Ext: ext, Header: hdr, Payload: payload, refs: 1}
}

// AddRef increments the reference count and returns the same packet, to
// allow call sites to write `queue.push(p.AddRef())`.
func (p *Packet) AddRef() *Packet {
	atomic.AddInt32(&p.refs, 1)
	return p
}

// Release decrements the reference count. It returns true exactly once,
// on the call that drops the count to zero.
func (p *Packet) Release() bool {
	return atomic.AddInt32(&p.refs, -1) == 0
}

// RefCount returns the current reference count, for tests and metrics.
func (p *Packet) RefCount() int32 {
	return atomic.LoadInt32(&p.refs)
}

// Clone produces an independent Packet sharing the same Ext/Header value
// copies but a fresh ref count of 1 and (by default) the same backing
// payload slice — the cheap fanout clone the design notes call for. The
// payload must be treated as read-only by all clones.
func (p *Packet) Clone() *Packet {
	return &Packet{Ext: p.Ext, Header: p.Header, Payload: p.Payload, refs: 1}
}
