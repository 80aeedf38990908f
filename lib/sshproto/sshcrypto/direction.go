package sshcrypto

import (
	"encoding/binary"

	"github.com/anveio/mana/lib/sessionerr"
)

// CipherDirection is the tagged union {plain(sequenceNumber)} |
// {aes128Gcm(...)}. PlainDirection and AES128GCMDirection are its two
// variants.
type CipherDirection interface {
	// NextSequence returns the current sequence number and advances it,
	// failing fatally once every value in [0, 2^32) has been consumed.
	NextSequence() (uint32, error)
	isCipherDirection()
}

// sequenceCounter tracks a 32-bit sequence number that must never wrap
// silently; wrap-around is treated as fatal exhaustion.
type sequenceCounter struct {
	next      uint64
	exhausted bool
}

func (c *sequenceCounter) advance() (uint32, error) {
	if c.exhausted {
		return 0, sessionerr.Protocol("ssh: sequence number exhausted")
	}
	cur := uint32(c.next)
	c.next++
	if c.next == 1<<32 {
		c.exhausted = true
	}
	return cur, nil
}

// PlainDirection is the unencrypted direction state used before key
// activation: only a monotonically increasing sequence number.
type PlainDirection struct {
	seq sequenceCounter
}

func NewPlainDirection() *PlainDirection { return &PlainDirection{} }

func (d *PlainDirection) isCipherDirection() {}

func (d *PlainDirection) NextSequence() (uint32, error) { return d.seq.advance() }

// AES128GCMDirection is the active AEAD direction state: key, fixed IV
// prefix, invocation counter, and sequence number.
type AES128GCMDirection struct {
	Key               []byte // 16 bytes
	FixedIV           [4]byte
	InvocationCounter uint64

	seq          sequenceCounter
	invExhausted bool
}

// NewAES128GCMDirection splits a 12-byte IV into its 4-byte fixed
// prefix and 8-byte big-endian initial invocation counter.
func NewAES128GCMDirection(key, iv []byte) (*AES128GCMDirection, error) {
	if len(key) != 16 {
		return nil, sessionerr.Invariant("sshcrypto: AES-128-GCM key must be 16 bytes, got %d", len(key))
	}
	if len(iv) != 12 {
		return nil, sessionerr.Invariant("sshcrypto: AES-128-GCM IV must be 12 bytes, got %d", len(iv))
	}
	d := &AES128GCMDirection{Key: append([]byte(nil), key...)}
	copy(d.FixedIV[:], iv[:4])
	d.InvocationCounter = binary.BigEndian.Uint64(iv[4:])
	return d, nil
}

func (d *AES128GCMDirection) isCipherDirection() {}

func (d *AES128GCMDirection) NextSequence() (uint32, error) { return d.seq.advance() }

// BuildNonce returns the 12-byte AES-GCM nonce for the current
// invocation counter: 4-byte fixed prefix || 8-byte big-endian
// counter, per RFC 5647.
func (d *AES128GCMDirection) BuildNonce() [12]byte {
	var nonce [12]byte
	copy(nonce[:4], d.FixedIV[:])
	binary.BigEndian.PutUint64(nonce[4:], d.InvocationCounter)
	return nonce
}

// AdvanceInvocation increments the invocation counter, failing fatally
// once it has saturated at 2^64-1.
func (d *AES128GCMDirection) AdvanceInvocation() error {
	if d.invExhausted {
		return sessionerr.Protocol("ssh: AES-GCM invocation counter exhausted")
	}
	if d.InvocationCounter == ^uint64(0) {
		d.invExhausted = true
		return sessionerr.Protocol("ssh: AES-GCM invocation counter exhausted")
	}
	d.InvocationCounter++
	return nil
}
