package manaframe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHelloRoundTrip(t *testing.T) {
	payload, err := EncodeControl(OpHello, Hello{ProtocolVersion: "mana.v1", ResumeToken: "tok-1"})
	require.NoError(t, err)

	op, body, err := DecodeControl(payload)
	require.NoError(t, err)
	require.Equal(t, OpHello, op)

	hello, err := DecodeHello(body)
	require.NoError(t, err)
	require.Equal(t, "mana.v1", hello.ProtocolVersion)
	require.Equal(t, "tok-1", hello.ResumeToken)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	payload, err := EncodeControl(OpHeartbeat, Heartbeat{Nonce: 7, Ack: true})
	require.NoError(t, err)
	op, body, err := DecodeControl(payload)
	require.NoError(t, err)
	require.Equal(t, OpHeartbeat, op)
	hb, err := DecodeHeartbeat(body)
	require.NoError(t, err)
	require.Equal(t, uint64(7), hb.Nonce)
	require.True(t, hb.Ack)
}

func TestResumeTicketRoundTrip(t *testing.T) {
	payload, err := EncodeControl(OpResumeTicket, ResumeTicket{Token: "abc", ExpiresAtUnix: 123, LastSequenceRx: 9})
	require.NoError(t, err)
	op, body, err := DecodeControl(payload)
	require.NoError(t, err)
	require.Equal(t, OpResumeTicket, op)
	rt, err := DecodeResumeTicket(body)
	require.NoError(t, err)
	require.Equal(t, "abc", rt.Token)
	require.Equal(t, uint32(9), rt.LastSequenceRx)
}

func TestCloseHintRoundTrip(t *testing.T) {
	payload, err := EncodeControl(OpCloseHint, CloseHint{Code: 1000, Reason: "bye", Resumable: true})
	require.NoError(t, err)
	op, body, err := DecodeControl(payload)
	require.NoError(t, err)
	require.Equal(t, OpCloseHint, op)
	ch, err := DecodeCloseHint(body)
	require.NoError(t, err)
	require.Equal(t, uint16(1000), ch.Code)
	require.True(t, ch.Resumable)
}

func TestErrorReportRoundTrip(t *testing.T) {
	payload, err := EncodeControl(OpErrorReport, ErrorReport{Kind: "decode", Message: "bad frame"})
	require.NoError(t, err)
	op, body, err := DecodeControl(payload)
	require.NoError(t, err)
	require.Equal(t, OpErrorReport, op)
	er, err := DecodeErrorReport(body)
	require.NoError(t, err)
	require.Equal(t, "decode", er.Kind)
}

func TestFlowCreditRoundTrip(t *testing.T) {
	payload, err := EncodeControl(OpFlowCredit, FlowCredit{ChannelID: 3, Credit: 4096})
	require.NoError(t, err)
	op, body, err := DecodeControl(payload)
	require.NoError(t, err)
	require.Equal(t, OpFlowCredit, op)
	fc, err := DecodeFlowCredit(body)
	require.NoError(t, err)
	require.Equal(t, uint32(3), fc.ChannelID)
	require.Equal(t, uint32(4096), fc.Credit)
}

func TestDecodeControlRejectsUnknownOpcode(t *testing.T) {
	payload, err := EncodeControl(Opcode(0x7f), struct{}{})
	require.NoError(t, err)
	_, _, err = DecodeControl(payload)
	require.Error(t, err)
}

func TestDecodeControlRejectsEmptyPayload(t *testing.T) {
	_, _, err := DecodeControl(nil)
	require.Error(t, err)
}

func TestEncodeControlPrefixesNumericOpcodeByte(t *testing.T) {
	payload, err := EncodeControl(OpHeartbeat, Heartbeat{Nonce: 1})
	require.NoError(t, err)
	require.Equal(t, byte(0x02), payload[0])
}
