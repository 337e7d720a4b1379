package wire

import "errors"

// ErrProtocol marks a frame that violates the wire contract (oversized
// length prefix, malformed extension header, ...); sessions close on it
// without retry.
var ErrProtocol = errors.New("wire: protocol violation")

// RecvPool is the subset of the session transport's circular receive
// buffer the Extractor needs: peek without consuming, and flush once a
// frame has been fully read. Transport implementations satisfy this
// structurally.
type RecvPool interface {
	PeekDataSize() int
	PeekData(buf []byte) int
	Flush(n int)
	FreeSize() int
}

// Extractor pulls complete frames out of a session's recv-pool,
// reassembling frames that exceed the pool's capacity (the "big packet"
// path, used by both length-prefixed modes, TCP2 and TCP4; a DEFAULT
// frame must fit the pool whole).
type Extractor struct {
	mode PackMode
	big  *bigPacket
}

type bigPacket struct {
	want int
	buf  []byte
	got  int
}

// NewExtractor returns an Extractor for the given pack mode.
func NewExtractor(mode PackMode) *Extractor {
	return &Extractor{mode: mode}
}

// Next attempts to extract one complete frame body from pool. ok is false
// when the pool does not yet hold enough bytes for a full frame — the
// caller should wait for more data and call Next again. err is non-nil
// only for protocol violations, which the session must treat as fatal.
func (x *Extractor) Next(pool RecvPool) (body []byte, ok bool, err error) {
	if x.big != nil {
		return x.continueBig(pool)
	}

	switch x.mode {
	case PackTCP2:
		return x.nextLenPrefixed(pool, 2, 0xFFFF)
	case PackTCP4:
		return x.nextLenPrefixed(pool, 4, TCP4PayloadSize)
	case PackDefault:
		return x.nextDefault(pool)
	default:
		return nil, false, errors.New("wire: unknown pack mode")
	}
}

func (x *Extractor) nextLenPrefixed(pool RecvPool, prefixLen int, maxBody int) ([]byte, bool, error) {
	avail := pool.PeekDataSize()
	if avail < prefixLen {
		return nil, false, nil
	}
	hdr := make([]byte, prefixLen)
	pool.PeekData(hdr)
	n := int(beUint(hdr))
	if n > maxBody {
		return nil, false, ErrProtocol
	}
	total := prefixLen + n
	if avail >= total {
		frame := make([]byte, total)
		pool.PeekData(frame)
		pool.Flush(total)
		return frame[prefixLen:], true, nil
	}
	// Oversized relative to what the pool will ever buffer at once: enter
	// the streaming big-packet path rather than waiting for `total` bytes
	// to accumulate in a pool that can never hold that much.
	if pool.FreeSize()+avail < total {
		pool.Flush(prefixLen)
		x.big = &bigPacket{want: n, buf: make([]byte, n)}
		return x.continueBig(pool)
	}
	return nil, false, nil
}

func (x *Extractor) continueBig(pool RecvPool) ([]byte, bool, error) {
	avail := pool.PeekDataSize()
	need := x.big.want - x.big.got
	take := avail
	if take > need {
		take = need
	}
	if take > 0 {
		tmp := make([]byte, take)
		pool.PeekData(tmp)
		pool.Flush(take)
		copy(x.big.buf[x.big.got:], tmp)
		x.big.got += take
	}
	if x.big.got < x.big.want {
		return nil, false, nil
	}
	body := x.big.buf
	x.big = nil
	return body, true, nil
}

func (x *Extractor) nextDefault(pool RecvPool) ([]byte, bool, error) {
	avail := pool.PeekDataSize()
	if avail < RtpExtSize {
		return nil, false, nil
	}
	hdr := make([]byte, RtpExtSize)
	pool.PeekData(hdr)
	ext, err := DecodeRtpExt(hdr)
	if err != nil {
		return nil, false, err
	}
	total := RtpExtSize + int(ext.HdrAndPayloadSize)
	if int(ext.HdrAndPayloadSize) < RtpHeaderSize {
		return nil, false, ErrProtocol
	}
	if avail < total {
		return nil, false, nil
	}
	frame := make([]byte, total)
	pool.PeekData(frame)
	pool.Flush(total)
	return frame[RtpExtSize+RtpHeaderSize:], true, nil
}

func beUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}
