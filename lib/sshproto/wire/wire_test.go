package wire

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripPrimitives(t *testing.T) {
	w := NewWriter()
	w.WriteUint8(0xAB)
	w.WriteUint32(0xDEADBEEF)
	w.WriteBigUint64(0x0102030405060708)
	w.WriteBoolean(true)
	w.WriteBoolean(false)
	w.WriteString("hello, ssh")
	w.WriteNameList([]string{"curve25519-sha256", "diffie-hellman-group14-sha256"})
	w.WriteBytes([]byte{1, 2, 3})

	r := NewReader(w.Bytes())

	u8, err := r.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), u8)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u32)

	u64, err := r.ReadBigUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), u64)

	b1, err := r.ReadBoolean()
	require.NoError(t, err)
	assert.True(t, b1)

	b2, err := r.ReadBoolean()
	require.NoError(t, err)
	assert.False(t, b2)

	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello, ssh", s)

	names, err := r.ReadNameList()
	require.NoError(t, err)
	assert.Equal(t, []string{"curve25519-sha256", "diffie-hellman-group14-sha256"}, names)

	rest := r.ReadRemaining()
	assert.Equal(t, []byte{1, 2, 3}, rest)
	assert.Equal(t, 0, r.Remaining())
}

func TestNameListDeduplicates(t *testing.T) {
	w := NewWriter()
	w.WriteNameList([]string{"a", "b", "a", "c", "b"})
	r := NewReader(w.Bytes())
	names, err := r.ReadNameList()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestEmptyNameList(t *testing.T) {
	w := NewWriter()
	w.WriteNameList(nil)
	r := NewReader(w.Bytes())
	names, err := r.ReadNameList()
	require.NoError(t, err)
	assert.Nil(t, names)
}

func TestMpintRoundTrip(t *testing.T) {
	cases := []int64{0, 1, 127, 128, 255, 256, 1 << 20, 1<<31 - 1}
	for _, c := range cases {
		v := big.NewInt(c)
		w := NewWriter()
		w.WriteMpint(v)
		r := NewReader(w.Bytes())
		got, err := r.ReadMpint()
		require.NoError(t, err)
		assert.Zero(t, v.Cmp(got), "mpint %d round-tripped to %s", c, got)
	}
}

func TestMpintHighBitGetsLeadingZero(t *testing.T) {
	// 0x80 alone has its high bit set and must be padded with a leading
	// zero byte so it is not misread as negative.
	v := big.NewInt(0x80)
	w := NewWriter()
	w.WriteMpint(v)
	b := w.Bytes()
	length := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	require.Equal(t, uint32(2), length)
	assert.Equal(t, byte(0x00), b[4])
	assert.Equal(t, byte(0x80), b[5])
}

func TestMpintZeroEncodesEmpty(t *testing.T) {
	w := NewWriter()
	w.WriteMpint(big.NewInt(0))
	b := w.Bytes()
	require.Len(t, b, 4)
}

func TestInvalidUTF8Fails(t *testing.T) {
	w := NewWriter()
	w.WriteUint32(2)
	w.WriteBytes([]byte{0xff, 0xfe})
	r := NewReader(w.Bytes())
	_, err := r.ReadString()
	assert.Error(t, err)
}

func TestNegativeMpintRejected(t *testing.T) {
	w := NewWriter()
	w.WriteStringBytes([]byte{0x80, 0x01})
	r := NewReader(w.Bytes())
	_, err := r.ReadMpint()
	assert.Error(t, err)
}

func TestOverreadFails(t *testing.T) {
	r := NewReader([]byte{0, 0, 0, 10})
	_, err := r.ReadString()
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4})
	clone := r.Clone()
	_, err := clone.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, 0, r.Position())
	assert.Equal(t, 4, clone.Position())
}
