// Package wire implements the SSH binary data representations from
// RFC 4251 §5: big-endian integers, booleans, length-prefixed strings,
// name-lists, and mpints. It is the leaf codec that every other layer
// of the SSH session reducer marshals and unmarshals through.
package wire

import (
	"encoding/binary"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/anveio/mana/lib/sessionerr"
)

// Reader parses SSH binary data types out of an in-memory buffer. It
// never allocates more than it is asked to copy and never mutates the
// backing slice.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Position returns the current read offset.
func (r *Reader) Position() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Clone returns a copy of the reader at the same position; advancing
// the clone does not affect the receiver.
func (r *Reader) Clone() *Reader {
	return &Reader{buf: r.buf, pos: r.pos}
}

func (r *Reader) need(n int) error {
	if n < 0 || r.Remaining() < n {
		return sessionerr.Decode("wire: need %d bytes, have %d", n, r.Remaining())
	}
	return nil
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadBoolean reads a single boolean byte; any non-zero value is true,
// per RFC 4251 §5.
func (r *Reader) ReadBoolean() (bool, error) {
	b, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadUint32 reads a big-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadBigUint64 reads a big-endian uint64.
func (r *Reader) ReadBigUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadBytes returns the next n bytes as a freshly allocated copy.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// Peek returns the next n bytes without advancing the position.
func (r *Reader) Peek(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	return r.buf[r.pos : r.pos+n], nil
}

// Skip advances the position by n bytes without returning them.
func (r *Reader) Skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.pos += n
	return nil
}

// ReadRemaining returns every unread byte as a freshly allocated copy.
func (r *Reader) ReadRemaining() []byte {
	out := make([]byte, r.Remaining())
	copy(out, r.buf[r.pos:])
	r.pos = len(r.buf)
	return out
}

// ReadString reads a uint32-length-prefixed UTF-8 string per RFC 4251
// §5. Invalid UTF-8 fails decode.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", sessionerr.Decode("wire: string field is not valid UTF-8")
	}
	return string(b), nil
}

// ReadNameList reads a uint32-length-prefixed comma-separated list of
// ASCII tokens (RFC 4251 §5), deduplicating while preserving order.
func (r *Reader) ReadNameList() ([]string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	raw := strings.Split(string(b), ",")
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out, nil
}

// ReadMpint reads a uint32-length-prefixed two's-complement big-endian
// multi-precision integer (RFC 4251 §5). A value with the sign bit set
// is rejected with a decode error, because this engine never produces
// or consumes negative mpints.
func (r *Reader) ReadMpint() (*big.Int, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	if len(b) > 0 && b[0]&0x80 != 0 {
		return nil, sessionerr.Decode("wire: mpint has sign bit set; negative values are not supported")
	}
	return new(big.Int).SetBytes(b), nil
}
