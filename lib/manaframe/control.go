package manaframe

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/anveio/mana/lib/sessionerr"
)

// Opcode identifies the shape of a control frame's CBOR body. A
// control frame payload is opcode(u8) || CBOR(body).
type Opcode uint8

const (
	OpHello        Opcode = 0x01
	OpHeartbeat    Opcode = 0x02
	OpResumeTicket Opcode = 0x03
	OpCloseHint    Opcode = 0x04
	OpErrorReport  Opcode = 0x05

	// OpFlowCredit carries a mana.v1-level credit grant (the transport's
	// own flow control, independent of SSH channel windows). Not one of
	// the five opcodes fixed by the base handshake/heartbeat/resume/close
	// vocabulary; assigned the next free value to carry the flow
	// controller's Ctl{t:'flow', id, credit} grant on the wire.
	OpFlowCredit Opcode = 0x06
)

// Hello is sent by the client immediately after the WebSocket opens
// and by the server in reply, negotiating the subprotocol revision and
// carrying an optional resume ticket.
type Hello struct {
	ProtocolVersion string `cbor:"protocol_version"`
	ResumeToken     string `cbor:"resume_token,omitempty"`
	ClientInfo      string `cbor:"client_info,omitempty"`
}

// Heartbeat is exchanged on a fixed cadence to detect a half-open
// connection before the underlying TCP keepalive would.
type Heartbeat struct {
	Nonce uint64 `cbor:"nonce"`
	Ack   bool   `cbor:"ack"`
}

// ResumeTicket is issued by the server so a client that reconnects
// within the grace window can resume rather than renegotiate.
type ResumeTicket struct {
	Token          string `cbor:"token"`
	ExpiresAtUnix  int64  `cbor:"expires_at"`
	LastSequenceRx uint32 `cbor:"last_sequence_rx"`
}

// CloseHint precedes a WebSocket close frame with a machine-readable
// reason, distinct from the human-readable WebSocket close reason
// string which clients may not surface.
type CloseHint struct {
	Code      uint16 `cbor:"code"`
	Reason    string `cbor:"reason"`
	Resumable bool   `cbor:"resumable"`
}

// ErrorReport carries a non-fatal diagnostic from one side to the
// other without tearing down the connection (e.g. a dropped frame
// that was safe to discard).
type ErrorReport struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
}

// FlowCredit grants the peer additional credit to send on the
// identified logical stream, issued once released credit reaches the
// flow controller's low watermark.
type FlowCredit struct {
	ChannelID uint32 `cbor:"channel_id"`
	Credit    uint32 `cbor:"credit"`
}

// EncodeControl prefixes op as a single byte in front of body's CBOR
// encoding, per the opcode(u8) || CBOR(body) control payload layout.
func EncodeControl(op Opcode, body any) ([]byte, error) {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return nil, sessionerr.Invariant("manaframe: encode control body: %v", err)
	}
	out := make([]byte, 0, 1+len(raw))
	out = append(out, byte(op))
	out = append(out, raw...)
	return out, nil
}

// DecodeControl splits payload into its leading opcode byte and the
// remaining CBOR body; callers then unmarshal the body into the
// struct matching the opcode (Hello, Heartbeat, ResumeTicket,
// CloseHint, ErrorReport, or FlowCredit).
func DecodeControl(payload []byte) (Opcode, cbor.RawMessage, error) {
	if len(payload) < 1 {
		return 0, nil, sessionerr.Decode("manaframe: control payload is empty, missing opcode byte")
	}
	op := Opcode(payload[0])
	switch op {
	case OpHello, OpHeartbeat, OpResumeTicket, OpCloseHint, OpErrorReport, OpFlowCredit:
	default:
		return 0, nil, sessionerr.Decode("manaframe: unknown control opcode %#02x", byte(op))
	}
	return op, cbor.RawMessage(payload[1:]), nil
}

// DecodeHello is a convenience wrapper decoding a Hello body.
func DecodeHello(body cbor.RawMessage) (Hello, error) {
	var h Hello
	if err := cbor.Unmarshal(body, &h); err != nil {
		return Hello{}, sessionerr.Decode("manaframe: decode hello: %v", err)
	}
	return h, nil
}

// DecodeHeartbeat is a convenience wrapper decoding a Heartbeat body.
func DecodeHeartbeat(body cbor.RawMessage) (Heartbeat, error) {
	var h Heartbeat
	if err := cbor.Unmarshal(body, &h); err != nil {
		return Heartbeat{}, sessionerr.Decode("manaframe: decode heartbeat: %v", err)
	}
	return h, nil
}

// DecodeResumeTicket is a convenience wrapper decoding a ResumeTicket body.
func DecodeResumeTicket(body cbor.RawMessage) (ResumeTicket, error) {
	var r ResumeTicket
	if err := cbor.Unmarshal(body, &r); err != nil {
		return ResumeTicket{}, sessionerr.Decode("manaframe: decode resume ticket: %v", err)
	}
	return r, nil
}

// DecodeCloseHint is a convenience wrapper decoding a CloseHint body.
func DecodeCloseHint(body cbor.RawMessage) (CloseHint, error) {
	var c CloseHint
	if err := cbor.Unmarshal(body, &c); err != nil {
		return CloseHint{}, sessionerr.Decode("manaframe: decode close hint: %v", err)
	}
	return c, nil
}

// DecodeErrorReport is a convenience wrapper decoding an ErrorReport body.
func DecodeErrorReport(body cbor.RawMessage) (ErrorReport, error) {
	var e ErrorReport
	if err := cbor.Unmarshal(body, &e); err != nil {
		return ErrorReport{}, sessionerr.Decode("manaframe: decode error report: %v", err)
	}
	return e, nil
}

// DecodeFlowCredit is a convenience wrapper decoding a FlowCredit body.
func DecodeFlowCredit(body cbor.RawMessage) (FlowCredit, error) {
	var f FlowCredit
	if err := cbor.Unmarshal(body, &f); err != nil {
		return FlowCredit{}, sessionerr.Decode("manaframe: decode flow credit: %v", err)
	}
	return f, nil
}
