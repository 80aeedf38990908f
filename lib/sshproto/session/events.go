package session

// Event is the marker interface implemented by every event variant the
// session emits. Consumers type-switch on the concrete type, mirroring
// the decode()/type-switch pattern the SSH wire protocol itself uses
// for incoming messages.
type Event interface{ isEvent() }

type baseEvent struct{}

func (baseEvent) isEvent() {}

// IdentificationSentEvent fires once, synchronously, from Create.
type IdentificationSentEvent struct {
	baseEvent
	ClientID string
}

// IdentificationReceivedEvent fires when the server's identification
// line has been parsed out of the preface.
type IdentificationReceivedEvent struct {
	baseEvent
	ServerID string
}

// KexInitSentEvent fires when the client's SSH_MSG_KEXINIT is queued.
type KexInitSentEvent struct{ baseEvent }

// KexInitReceivedEvent fires when the server's SSH_MSG_KEXINIT has
// been parsed.
type KexInitReceivedEvent struct{ baseEvent }

// KeysEstablishedEvent fires once key exchange completes and AES-GCM
// direction states have been derived.
type KeysEstablishedEvent struct {
	baseEvent
	Algorithms NegotiatedAlgorithms
}

// EncryptionEpoch distinguishes the initial key activation from a
// later rekey. Rekeying is out of scope for this engine, but the tag
// is carried so a future rekey implementation is additive.
type EncryptionEpoch string

const (
	EncryptionInitial EncryptionEpoch = "initial"
	EncryptionRekey   EncryptionEpoch = "rekey"
)

// OutboundDataEvent carries a framed (and, once active, sealed) packet
// ready for the transport layer.
type OutboundDataEvent struct {
	baseEvent
	Payload    []byte
	Encryption EncryptionEpoch
}

type AuthBannerEvent struct {
	baseEvent
	Message string
}

type AuthSuccessEvent struct{ baseEvent }

type AuthFailureEvent struct {
	baseEvent
	Methods []string
	Partial bool
}

type ChannelOpenEvent struct {
	baseEvent
	ChannelID uint32
}

type ChannelDataEvent struct {
	baseEvent
	ChannelID uint32
	Data      []byte
}

type ChannelWindowAdjustEvent struct {
	baseEvent
	ChannelID uint32
	Delta     uint32
}

type ChannelRequestEvent struct {
	baseEvent
	ChannelID   uint32
	RequestType string
	Success     bool
}

type ChannelEOFEvent struct {
	baseEvent
	ChannelID uint32
}

type ChannelCloseEvent struct {
	baseEvent
	ChannelID  uint32
	ExitStatus *uint32
}

type ChannelExitStatusEvent struct {
	baseEvent
	ChannelID uint32
	Code      uint32
}

type ChannelExitSignalEvent struct {
	baseEvent
	ChannelID    uint32
	Signal       string
	CoreDumped   bool
	Message      string
	LanguageTag  string
}

type GlobalRequestEvent struct {
	baseEvent
	RequestName string
	WantReply   bool
}

type DisconnectEvent struct {
	baseEvent
	Code        uint32
	Description string
}

// WarningCode enumerates the policy-warning situations this engine
// names explicitly.
type WarningCode string

const (
	WarnAlgorithmMismatch  WarningCode = "algorithm-mismatch"
	WarnChannelOpenFailed  WarningCode = "channel-open-failed"
	WarnExtendedDataSeen   WarningCode = "extended-data-seen"
	WarnUnhandledGlobalReq WarningCode = "unhandled-global-request"
	WarnHostKeyMismatch    WarningCode = "host-key-mismatch"
	WarnTerminal           WarningCode = "terminal-failure"
)

type WarningEvent struct {
	baseEvent
	Code    WarningCode
	Message string
	Detail  any
}
