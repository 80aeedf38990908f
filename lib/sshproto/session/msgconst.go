package session

// SSH message numbers this engine parses or produces. Names mirror
// RFC 4253 §12, RFC 4252 §8, and RFC 4254 §9.
const (
	msgDisconnect   = 1
	msgIgnore       = 2
	msgUnimplemented = 3
	msgDebug        = 4
	msgServiceRequest = 5
	msgServiceAccept  = 6

	msgKexInit  = 20
	msgNewKeys  = 21

	// Shared between curve25519-sha256 and diffie-hellman-group14-sha256:
	// the numeric message type is the same; the field encoding (string
	// vs mpint) is selected by the negotiated key exchange algorithm.
	msgKexDHInit  = 30
	msgKexDHReply = 31

	msgUserAuthRequest = 50
	msgUserAuthFailure = 51
	msgUserAuthSuccess = 52
	msgUserAuthBanner  = 53

	msgGlobalRequest  = 80
	msgRequestSuccess = 81
	msgRequestFailure = 82

	msgChannelOpen             = 90
	msgChannelOpenConfirmation = 91
	msgChannelOpenFailure      = 92
	msgChannelWindowAdjust     = 93
	msgChannelData             = 94
	msgChannelExtendedData     = 95
	msgChannelEOF              = 96
	msgChannelClose            = 97
	msgChannelRequest          = 98
	msgChannelSuccess          = 99
	msgChannelFailure          = 100
)

// Channel-open failure reason codes, RFC 4254 §5.1.
const (
	reasonAdministrativelyProhibited = 1
	reasonConnectFailed              = 2
	reasonUnknownChannelType         = 3
	reasonResourceShortage           = 4
)

// Disconnect reason codes, RFC 4253 §11.1.
const (
	disconnectProtocolError  = 2
	disconnectByApplication  = 11
)
