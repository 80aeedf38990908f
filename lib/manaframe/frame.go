// Package manaframe implements the wire framing for the mana.v1
// WebSocket subprotocol: a fixed 14-byte header in front of every
// binary WebSocket message, carrying either a data fragment or a
// CBOR-encoded control frame. Framing is independent of the
// SSH-over-WebSocket payload it carries; see lib/wsconn for how the
// transport drives it.
package manaframe

import (
	"encoding/binary"

	"github.com/anveio/mana/lib/sessionerr"
)

// Magic identifies a mana.v1 frame header, guarding against stray
// bytes from an unrelated protocol sharing the same WebSocket.
const Magic uint16 = 0x6d61

// Version is major:4|minor:4. This engine speaks major 1, minor 0.
const (
	VersionMajor uint8 = 1
	VersionMinor uint8 = 0
	Version      uint8 = VersionMajor<<4 | VersionMinor
)

// FrameType distinguishes a data fragment from a control frame.
type FrameType uint8

const (
	TypeData    FrameType = 0x00
	TypeControl FrameType = 0x01
)

// Flag bits carried in every header. All bits beyond FlagFin and
// FlagCheckpoint must be zero; DecodeHeader rejects any header that
// sets a reserved bit.
const (
	FlagFin        Flags = 1 << 0 // this fragment completes the message
	FlagCheckpoint Flags = 1 << 1 // sender requests a flow-control checkpoint ack
	flagsKnownMask Flags = FlagFin | FlagCheckpoint
)

type Flags uint8

func (f Flags) Fin() bool        { return f&FlagFin != 0 }
func (f Flags) Checkpoint() bool { return f&FlagCheckpoint != 0 }

// HeaderSize is the fixed on-wire header length.
const HeaderSize = 14

// MaxPayload is the largest payload a single frame carries before the
// sender must fragment.
const MaxPayload = 1 << 20

// Header is the 14-byte mana.v1 frame header: magic(2) || version(1)
// || type(1) || flags(1) || reserved(1) || length(4) || sequence(4).
type Header struct {
	Type     FrameType
	Flags    Flags
	Length   uint32
	Sequence uint32
}

// Encode serializes h into a HeaderSize-byte buffer.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = byte(h.Type)
	buf[4] = byte(h.Flags)
	buf[5] = 0 // reserved
	binary.BigEndian.PutUint32(buf[6:10], h.Length)
	binary.BigEndian.PutUint32(buf[10:14], h.Sequence)
	return buf
}

// DecodeHeader parses and validates a HeaderSize-byte header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, sessionerr.Decode("manaframe: header requires %d bytes, got %d", HeaderSize, len(buf))
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != Magic {
		return Header{}, sessionerr.Decode("manaframe: bad magic %#04x", magic)
	}
	major := buf[2] >> 4
	if major != VersionMajor {
		return Header{}, sessionerr.Decode("manaframe: unknown version major %d", major)
	}
	typ := FrameType(buf[3])
	if typ != TypeData && typ != TypeControl {
		return Header{}, sessionerr.Decode("manaframe: unknown frame type %d", typ)
	}
	flags := Flags(buf[4])
	if flags&^flagsKnownMask != 0 {
		return Header{}, sessionerr.Decode("manaframe: reserved flag bits set %#02x", flags)
	}
	length := binary.BigEndian.Uint32(buf[6:10])
	if length > MaxPayload {
		return Header{}, sessionerr.Decode("manaframe: header declares %d bytes, exceeding cap %d", length, MaxPayload)
	}
	return Header{
		Type:     typ,
		Flags:    flags,
		Length:   length,
		Sequence: binary.BigEndian.Uint32(buf[10:14]),
	}, nil
}

// EncodeFrame builds a complete header+payload frame. Callers must
// pre-fragment payload larger than MaxPayload via Fragment.
func EncodeFrame(typ FrameType, sequence uint32, fin bool, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, sessionerr.Invariant("manaframe: payload of %d bytes exceeds MaxPayload %d; fragment first", len(payload), MaxPayload)
	}
	var flags Flags
	if fin {
		flags = FlagFin
	}
	h := Header{Type: typ, Flags: flags, Length: uint32(len(payload)), Sequence: sequence}
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, h.Encode()...)
	out = append(out, payload...)
	return out, nil
}

// DecodeFrame splits buf into its header and payload, validating that
// buf holds exactly one frame's worth of bytes.
func DecodeFrame(buf []byte) (Header, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	total := HeaderSize + int(h.Length)
	if len(buf) != total {
		return Header{}, nil, sessionerr.Decode("manaframe: frame declares %d payload bytes but buffer has %d", h.Length, len(buf)-HeaderSize)
	}
	return h, buf[HeaderSize:total], nil
}

// Fragment splits a data payload larger than MaxPayload into
// MaxPayload-sized frames, setting FlagFin only on the last one.
func Fragment(sequenceStart uint32, payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		frame, err := EncodeFrame(TypeData, sequenceStart, true, nil)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	}
	var frames [][]byte
	seq := sequenceStart
	for offset := 0; offset < len(payload); offset += MaxPayload {
		end := offset + MaxPayload
		if end > len(payload) {
			end = len(payload)
		}
		fin := end == len(payload)
		frame, err := EncodeFrame(TypeData, seq, fin, payload[offset:end])
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		seq++
	}
	return frames, nil
}

// Reassembler accumulates fragmented data frames until FlagFin.
type Reassembler struct {
	buf []byte
}

// Add appends one data fragment's payload, returning the complete
// message and true once fin is set.
func (r *Reassembler) Add(h Header, payload []byte) ([]byte, bool) {
	r.buf = append(r.buf, payload...)
	if !h.Flags.Fin() {
		return nil, false
	}
	out := r.buf
	r.buf = nil
	return out, true
}
