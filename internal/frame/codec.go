package frame

import "encoding/binary"

// wire layout:
//
//	byte 0       : type        (0x01 rpc, 0x02 datachannel)
//	byte 1       : flags       (bit 0 = binary; datachannel only)
//	byte 2       : quidLen     (0 for rpc; 0-255 for datachannel)
//	bytes 3..3+N : quid        (utf-8, N = quidLen)
//	next 4 bytes : payloadLen  (big-endian uint32)
//	payload      : payloadLen bytes
const (
	_flagBinary = 1 << 0

	_typeOff    = 0
	_flagsOff   = 1
	_quidLenOff = 2
	_fixedHdr   = 3
)

// Encode serialises f into its wire representation. It fails with
// ErrInvalidFrame if f lacks a field its type requires.
func Encode(f *Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if len(f.Payload) > MaxPayloadLen {
		return nil, ErrInvalidFrame
	}

	quid := []byte(f.Quid)
	if f.Type != TypeDataChannel {
		quid = nil
	}

	buf := make([]byte, _fixedHdr+len(quid)+4+len(f.Payload))
	buf[_typeOff] = byte(f.Type)
	var flags byte
	if f.Type == TypeDataChannel && f.Binary {
		flags |= _flagBinary
	}
	buf[_flagsOff] = flags
	buf[_quidLenOff] = byte(len(quid))

	off := _fixedHdr
	off += copy(buf[off:], quid)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(f.Payload)))
	off += 4
	copy(buf[off:], f.Payload)
	return buf, nil
}

// decodeResult is the outcome of attempting to parse one frame from the
// front of a buffer.
type decodeResult struct {
	frame     *Frame
	consumed  int
	needsMore bool
}

// tryDecode attempts to parse a single frame from the front of buf. It
// never blocks and never copies more than once; if buf does not yet hold a
// whole frame it reports needsMore without consuming anything.
func tryDecode(buf []byte) (decodeResult, error) {
	if len(buf) < _fixedHdr {
		return decodeResult{needsMore: true}, nil
	}

	typ := Type(buf[_typeOff])
	switch typ {
	case TypeRPC, TypeDataChannel:
	default:
		return decodeResult{}, ErrUnknownFrameType
	}

	flags := buf[_flagsOff]
	quidLen := int(buf[_quidLenOff])
	if typ == TypeRPC && quidLen != 0 {
		return decodeResult{}, ErrMalformedFrame
	}
	if typ == TypeDataChannel && quidLen == 0 {
		return decodeResult{}, ErrMalformedFrame
	}

	need := _fixedHdr + quidLen + 4
	if len(buf) < need {
		return decodeResult{needsMore: true}, nil
	}

	off := _fixedHdr
	quid := string(buf[off : off+quidLen])
	off += quidLen

	payloadLen := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	if payloadLen > MaxPayloadLen {
		return decodeResult{}, ErrMalformedFrame
	}

	total := off + int(payloadLen)
	if len(buf) < total {
		return decodeResult{needsMore: true}, nil
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[off:total])

	f := &Frame{Type: typ, Payload: payload}
	if typ == TypeDataChannel {
		f.Quid = quid
		f.Binary = flags&_flagBinary != 0
	}

	return decodeResult{frame: f, consumed: total}, nil
}

// Decode parses exactly one frame from a buffer known to hold one whole
// frame (used by tests and callers with message-oriented transports, e.g.
// a websocket connection that already delivers whole binary messages).
func Decode(data []byte) (*Frame, error) {
	res, err := tryDecode(data)
	if err != nil {
		return nil, err
	}
	if res.needsMore || res.consumed != len(data) {
		return nil, ErrMalformedFrame
	}
	return res.frame, nil
}
