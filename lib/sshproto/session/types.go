package session

import "math/big"

// Phase is the session lifecycle state.
type Phase string

const (
	PhaseInitial        Phase = "initial"
	PhaseIdentification Phase = "identification"
	PhaseNegotiating    Phase = "negotiating"
	PhaseKex            Phase = "kex"
	PhaseAuthenticated  Phase = "authenticated"
	PhaseConnected      Phase = "connected"
	PhaseClosed         Phase = "closed"
	PhaseFailed         Phase = "failed"
)

// NegotiatedAlgorithms is the eight-name record selected during key
// exchange. It is immutable once set.
type NegotiatedAlgorithms struct {
	Kex            string
	HostKey        string
	CipherC2S      string
	CipherS2C      string
	MACc2s         string
	MACs2c         string
	CompressionC2S string
	CompressionS2C string
}

// ChannelStatus is the lifecycle of a Connection-protocol channel.
type ChannelStatus string

const (
	ChannelOpening ChannelStatus = "opening"
	ChannelOpen    ChannelStatus = "open"
	ChannelClosing ChannelStatus = "closing"
	ChannelClosed  ChannelStatus = "closed"
)

// pendingChannelRequest records a channel request awaiting a
// SUCCESS/FAILURE reply, consumed strictly FIFO.
type pendingChannelRequest struct {
	requestType string
}

// channel is the engine's internal channel record.
type channel struct {
	localID           uint32
	remoteID          uint32
	hasRemoteID       bool
	chanType          string
	status            ChannelStatus
	inboundWindow     uint32
	outboundWindow    uint32
	maxInboundPacket  uint32
	maxOutboundPacket uint32
	hasMaxOutbound    bool
	remoteEOF         bool
	exitStatus        *uint32
	pendingRequests   []pendingChannelRequest
}

// ChannelSnapshot is the read-only view of a channel returned by
// Inspect. Inspect lists only channels still in the session's channel
// table; a channel is removed from it when it closes or its open is
// refused, so no snapshot of a closed channel is available.
type ChannelSnapshot struct {
	LocalID       uint32
	RemoteID      uint32
	Status        ChannelStatus
	WindowSize    uint32
	MaxPacketSize uint32
}

// Snapshot is the result of Session.Inspect.
type Snapshot struct {
	Phase                  Phase
	NegotiatedAlgorithms   *NegotiatedAlgorithms
	PendingOutboundPackets int
	OpenChannels           []ChannelSnapshot
}

// kexState tracks which key exchange method is in flight and its
// accumulated transcript state.
type kexState struct {
	curve25519     bool
	privateScalar  []byte
	clientPublic25 []byte
	group14        bool
	exponent       *big.Int
	clientPublicDH *big.Int
}

// handshakeMagics are the four byte-strings hashed into every key
// exchange, RFC 4253 §8.
type handshakeMagics struct {
	clientIdentLine  []byte
	serverIdentLine  []byte
	clientKexPayload []byte
	serverKexPayload []byte
}

// Intent is the tagged union of user commands accepted by
// Session.Command.
type Intent interface{ isIntent() }

type baseIntent struct{}

func (baseIntent) isIntent() {}

type OpenChannelIntent struct {
	baseIntent
	Type              string // "" selects "session"; other values are sent as given
	InitialWindowSize uint32 // 0 selects the channel policy default
	MaxPacketSize     uint32 // 0 selects the channel policy default
}

type SendChannelDataIntent struct {
	baseIntent
	ChannelID uint32
	Data      []byte
}

type AdjustWindowIntent struct {
	baseIntent
	ChannelID uint32
	Delta     uint32
}

// ChannelRequestKind enumerates the Connection-protocol requests this
// core can serialize.
type ChannelRequestKind string

const (
	RequestPTY   ChannelRequestKind = "pty-req"
	RequestShell ChannelRequestKind = "shell"
	RequestExec  ChannelRequestKind = "exec"
)

type RequestChannelIntent struct {
	baseIntent
	ChannelID uint32
	Kind      ChannelRequestKind
	WantReply bool // sent as given; the zero value sends want_reply=false and awaits no reply

	// PTY fields, used when Kind == RequestPTY.
	Term         string
	Cols, Rows   uint32
	WidthPx      uint32
	HeightPx     uint32
	Modes        []byte

	// Exec fields, used when Kind == RequestExec.
	Command string
}

type CloseChannelIntent struct {
	baseIntent
	ChannelID uint32
}

type DisconnectIntent struct {
	baseIntent
	Description string
}
