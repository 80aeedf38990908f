package manaframe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	frame, err := EncodeFrame(TypeData, 42, true, []byte("hello"))
	require.NoError(t, err)
	require.Len(t, frame, HeaderSize+5)

	h, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, TypeData, h.Type)
	require.True(t, h.Flags.Fin())
	require.Equal(t, uint32(42), h.Sequence)
	require.Equal(t, []byte("hello"), payload)
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	frame, err := EncodeFrame(TypeData, 0, true, nil)
	require.NoError(t, err)
	frame[0] ^= 0xFF
	_, err = DecodeHeader(frame)
	require.Error(t, err)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	require.Error(t, err)
}

func TestEncodeFrameRejectsOversizePayload(t *testing.T) {
	_, err := EncodeFrame(TypeData, 0, true, make([]byte, MaxPayload+1))
	require.Error(t, err)
}

func TestFragmentAndReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, MaxPayload*2+37)
	frames, err := Fragment(7, payload)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	var r Reassembler
	var out []byte
	var done bool
	for i, raw := range frames {
		h, body, err := DecodeFrame(raw)
		require.NoError(t, err)
		require.Equal(t, uint32(7+i), h.Sequence)
		if i < len(frames)-1 {
			require.False(t, h.Flags.Fin())
		} else {
			require.True(t, h.Flags.Fin())
		}
		out, done = r.Add(h, body)
	}
	require.True(t, done)
	require.Equal(t, payload, out)
}

func TestFragmentEmptyPayloadProducesSingleFinFrame(t *testing.T) {
	frames, err := Fragment(0, nil)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	h, body, err := DecodeFrame(frames[0])
	require.NoError(t, err)
	require.True(t, h.Flags.Fin())
	require.Empty(t, body)
}

func TestDecodeFrameRejectsLengthMismatch(t *testing.T) {
	frame, err := EncodeFrame(TypeData, 0, true, []byte("hi"))
	require.NoError(t, err)
	_, _, err = DecodeFrame(frame[:len(frame)-1])
	require.Error(t, err)
}

func TestHeaderBytesMatchWireLayout(t *testing.T) {
	frame, err := EncodeFrame(TypeControl, 0, true, nil)
	require.NoError(t, err)
	require.Equal(t, byte(0x6d), frame[0])
	require.Equal(t, byte(0x61), frame[1])
	require.Equal(t, byte(0x10), frame[2])
	require.Equal(t, byte(0x01), frame[3])
}

func TestDecodeHeaderRejectsReservedFlagBits(t *testing.T) {
	frame, err := EncodeFrame(TypeData, 0, true, nil)
	require.NoError(t, err)
	frame[4] |= 1 << 7
	_, err = DecodeHeader(frame)
	require.Error(t, err)
}

func TestDecodeHeaderRejectsLengthOverCap(t *testing.T) {
	header := Header{Type: TypeData, Length: MaxPayload + 1}.Encode()
	_, err := DecodeHeader(header)
	require.Error(t, err)
}

func TestDecodeHeaderRejectsUnknownVersionMajor(t *testing.T) {
	frame, err := EncodeFrame(TypeData, 0, true, nil)
	require.NoError(t, err)
	frame[2] = 0x20
	_, err = DecodeHeader(frame)
	require.Error(t, err)
}
