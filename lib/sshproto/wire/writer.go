package wire

import (
	"encoding/binary"
	"math/big"
	"strings"
)

// Writer serializes SSH binary data types into a growable buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated buffer. The caller must not mutate it
// while the Writer is still in use.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v byte) { w.buf = append(w.buf, v) }

// WriteBoolean appends a single boolean byte.
func (w *Writer) WriteBoolean(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// WriteUint32 appends a big-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteBigUint64 appends a big-endian uint64.
func (w *Writer) WriteBigUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteBytes appends raw bytes with no length prefix.
func (w *Writer) WriteBytes(b []byte) { w.buf = append(w.buf, b...) }

// WriteString appends a uint32-length-prefixed string.
func (w *Writer) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteStringBytes appends a uint32-length-prefixed byte string.
func (w *Writer) WriteStringBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteNameList appends a comma-joined, uint32-length-prefixed list of
// ASCII tokens.
func (w *Writer) WriteNameList(names []string) {
	w.WriteString(strings.Join(names, ","))
}

// WriteMpint appends an mpint per RFC 4251 §5: leading zero bytes are
// stripped, a leading zero byte is inserted when the high bit of the
// first remaining byte would otherwise be set, and zero encodes as an
// empty string.
func (w *Writer) WriteMpint(v *big.Int) {
	if v.Sign() == 0 {
		w.WriteUint32(0)
		return
	}
	b := v.Bytes()
	if b[0]&0x80 != 0 {
		padded := make([]byte, len(b)+1)
		copy(padded[1:], b)
		b = padded
	}
	w.WriteStringBytes(b)
}

// MpintBytes returns the RFC 4251 §5 mpint encoding of v without a
// length prefix (used when an mpint field is hashed as part of a
// larger digest rather than appended to a packet writer).
func MpintBytes(v *big.Int) []byte {
	w := NewWriter()
	w.WriteMpint(v)
	return w.Bytes()[4:]
}
