package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFrameTooLarge is returned when a frame exceeds the limit for its
// pack mode.
var ErrFrameTooLarge = errors.New("wire: frame exceeds pack mode limit")

// CreateRtpPacket builds the on-wire bytes for body, framed according to
// packMode. For PackDefault, ext and hdr are encoded ahead of the body;
// for PackTCP2/PackTCP4 only a length prefix precedes body.
func CreateRtpPacket(body []byte, ext RtpExt, hdr RtpHeader, mode PackMode) ([]byte, error) {
	switch mode {
	case PackDefault:
		ext.HdrAndPayloadSize = uint16(RtpHeaderSize + len(body))
		buf := make([]byte, RtpExtSize+RtpHeaderSize+len(body))
		ext.Encode(buf[0:RtpExtSize])
		hdr.Encode(buf[RtpExtSize : RtpExtSize+RtpHeaderSize])
		copy(buf[RtpExtSize+RtpHeaderSize:], body)
		return buf, nil
	case PackTCP2:
		if len(body) > 0xFFFF {
			return nil, fmt.Errorf("%w: tcp2 len=%d", ErrFrameTooLarge, len(body))
		}
		buf := make([]byte, 2+len(body))
		binary.BigEndian.PutUint16(buf[0:2], uint16(len(body)))
		copy(buf[2:], body)
		return buf, nil
	case PackTCP4:
		if len(body) > TCP4PayloadSize {
			return nil, fmt.Errorf("%w: tcp4 len=%d", ErrFrameTooLarge, len(body))
		}
		buf := make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
		copy(buf[4:], body)
		return buf, nil
	default:
		return nil, fmt.Errorf("wire: unknown pack mode %d", mode)
	}
}

// ParseRtpPacket is the inverse of CreateRtpPacket for a single
// already-delimited frame (the caller has already located the frame
// boundary, e.g. via Extractor). It returns the decoded body and, for
// PackDefault, the Ext/Header values.
func ParseRtpPacket(frame []byte, mode PackMode) (body []byte, ext RtpExt, hdr RtpHeader, err error) {
	switch mode {
	case PackDefault:
		if len(frame) < RtpExtSize+RtpHeaderSize {
			return nil, RtpExt{}, RtpHeader{}, errors.New("wire: short DEFAULT frame")
		}
		ext, err = DecodeRtpExt(frame[0:RtpExtSize])
		if err != nil {
			return nil, RtpExt{}, RtpHeader{}, err
		}
		hdr, err = DecodeRtpHeader(frame[RtpExtSize : RtpExtSize+RtpHeaderSize])
		if err != nil {
			return nil, RtpExt{}, RtpHeader{}, err
		}
		body = frame[RtpExtSize+RtpHeaderSize:]
		return body, ext, hdr, nil
	case PackTCP2:
		if len(frame) < 2 {
			return nil, RtpExt{}, RtpHeader{}, errors.New("wire: short TCP2 frame")
		}
		return frame[2:], RtpExt{}, RtpHeader{}, nil
	case PackTCP4:
		if len(frame) < 4 {
			return nil, RtpExt{}, RtpHeader{}, errors.New("wire: short TCP4 frame")
		}
		return frame[4:], RtpExt{}, RtpHeader{}, nil
	default:
		return nil, RtpExt{}, RtpHeader{}, fmt.Errorf("wire: unknown pack mode %d", mode)
	}
}

// IsHeartbeat reports whether body is the empty heartbeat payload.
func IsHeartbeat(body []byte) bool {
	return len(body) == 0
}
