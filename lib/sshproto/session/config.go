package session

import (
	"github.com/jonboulle/clockwork"

	"github.com/anveio/mana/lib/sshproto/sshcrypto"
)

// Default algorithm preference orders.
var (
	DefaultKeyExchanges = []string{
		"curve25519-sha256@libssh.org",
		"curve25519-sha256",
		"diffie-hellman-group14-sha256",
	}
	DefaultCiphers     = []string{"aes128-gcm@openssh.com"}
	DefaultMACs        = []string{"AEAD_AES_128_GCM", "hmac-sha2-256"}
	DefaultHostKeys    = []string{"ssh-ed25519", "rsa-sha2-512", "rsa-sha2-256"}
	DefaultCompression = []string{"none"}
	DefaultExtensions  = []string{"ext-info-c"}
)

const (
	defaultInitialWindowSize = 131072
	defaultMaxPacketSize     = 32768
	defaultMaxPayloadBytes   = 1 << 20
)

// Identification configures the client's SSH-2.0 identification line.
type Identification struct {
	ClientID string
	Banner   string
}

// Algorithms is the client's preference order for each negotiated
// category.
type Algorithms struct {
	KeyExchange []string
	Ciphers     []string
	MACs        []string
	HostKeys    []string
	Compression []string
	Extensions  []string
}

func (a Algorithms) withDefaults() Algorithms {
	if a.KeyExchange == nil {
		a.KeyExchange = DefaultKeyExchanges
	}
	if a.Ciphers == nil {
		a.Ciphers = DefaultCiphers
	}
	if a.MACs == nil {
		a.MACs = DefaultMACs
	}
	if a.HostKeys == nil {
		a.HostKeys = DefaultHostKeys
	}
	if a.Compression == nil {
		a.Compression = DefaultCompression
	}
	if a.Extensions == nil {
		a.Extensions = DefaultExtensions
	}
	return a
}

// HostKeyDecision is the result of evaluating a candidate host key.
type HostKeyDecision int

const (
	HostKeyTrusted HostKeyDecision = iota
	HostKeyMismatchFatal
	HostKeyMismatchWarn
)

// HostKeyCandidate is presented to HostKeys.Evaluate for each key
// exchange.
type HostKeyCandidate struct {
	Host        string
	Port        int
	KeyType     string
	Fingerprint []byte // sha256(rawKey)
	Raw         []byte
}

// HostKeyPolicy is the capability the session calls into to accept or
// reject a server host key.
type HostKeyPolicy struct {
	Evaluate func(candidate HostKeyCandidate) HostKeyDecision
	Remember func(candidate HostKeyCandidate, decision HostKeyDecision)
}

// Identity is the injected Ed25519 identity used for public-key
// authentication.
type Identity struct {
	Username  string
	Algorithm string // always "ssh-ed25519" in this core
	PublicKey []byte // 32 bytes
	Sign      func(payload []byte) ([]byte, error)
}

// ChannelPolicy bounds what channel operations the session will allow.
type ChannelPolicy struct {
	MaxConcurrent     int
	InitialWindowSize uint32
	MaxPacketSize     uint32
}

func (c ChannelPolicy) withDefaults() ChannelPolicy {
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = defaultInitialWindowSize
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = defaultMaxPacketSize
	}
	return c
}

// Guards are safety limits and compatibility toggles.
type Guards struct {
	AllowSha1Signatures   bool
	EnableDropbearCompat  bool
	MaxPayloadBytes       uint32
	DisableAutoUserAuth   bool
}

func (g Guards) withDefaults() Guards {
	if g.MaxPayloadBytes == 0 {
		g.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	return g
}

// HostIdentity names the remote endpoint for host-key policy lookups.
type HostIdentity struct {
	Host string
	Port int
}

// Diagnostics holds an optional sink for structured non-fatal records.
// The session does not call OnRecord; it reports its non-fatal
// conditions (unhandled requests, extended-data receipt, host-key
// mismatches) as WarningEvent values instead.
type Diagnostics struct {
	OnRecord func(Record)
}

// Record is the structured diagnostic passed to Diagnostics.OnRecord.
type Record struct {
	Code    string
	Message string
	Detail  any
}

// Config configures a new Session.
type Config struct {
	Clock           clockwork.Clock
	RandomBytes     func(n int) ([]byte, error)
	Identification  Identification
	Algorithms      Algorithms
	HostKeys        HostKeyPolicy
	Identity        *Identity
	Channels        ChannelPolicy
	Diagnostics     Diagnostics
	Guards          Guards
	HostIdentity    HostIdentity
	Crypto          sshcrypto.Provider
}

func (c Config) withDefaults() Config {
	c.Algorithms = c.Algorithms.withDefaults()
	c.Channels = c.Channels.withDefaults()
	c.Guards = c.Guards.withDefaults()
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Crypto == nil {
		c.Crypto = sshcrypto.Default()
	}
	return c
}
