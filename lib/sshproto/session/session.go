// Package session implements the SSHv2 client protocol engine:
// identification exchange, key exchange (curve25519-sha256 preferred,
// diffie-hellman-group14-sha256 fallback), AES-128-GCM encryption,
// Ed25519 public-key authentication, and Connection-protocol channels.
// The engine never performs I/O itself — Receive consumes inbound
// bytes from the transport, FlushOutbound yields bytes to send, and
// NextEvent/Events surface everything that happened as a typed event
// stream, mirroring the decode-into-mainLoop shape of
// golang.org/x/crypto/ssh adapted to an explicit, transport-agnostic
// reducer.
package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"strings"

	"github.com/anveio/mana/lib/sessionerr"
	"github.com/anveio/mana/lib/sshproto/sshcrypto"
)

const (
	maxIdentLineLen = 255
	maxIdentLines   = 1024
	plainBlockSize  = 8
	aeadBlockSize   = 16
	minPadding      = 4
)

type authPhase int

const (
	authNotStarted authPhase = iota
	authAwaitingServiceAccept
	authAwaitingResult
	authSucceeded
	authFailed
)

// Session is a single client-side SSH connection's protocol state
// machine. It is not safe for concurrent calls: Receive and Command
// form a single async task cursor that the caller is responsible for
// serializing.
type Session struct {
	config Config
	phase  Phase

	inbound         []byte
	identLineCount  int
	serverIdentLine []byte
	magics          handshakeMagics

	clientKexInit    *kexInitMsg
	clientKexInitRaw []byte
	serverKexInit    *kexInitMsg
	serverKexInitRaw []byte
	negotiated       *NegotiatedAlgorithms
	kex              kexState
	sessionID        []byte
	exchangeHash     []byte

	readDir  sshcrypto.CipherDirection
	writeDir sshcrypto.CipherDirection

	pendingReadDir        *sshcrypto.AES128GCMDirection
	pendingWriteDir       *sshcrypto.AES128GCMDirection
	clientNewKeysSent     bool
	serverNewKeysReceived bool

	authPhase authPhase

	channels      map[uint32]*channel
	nextChannelID uint32

	outboundFrames [][]byte
	eventQueue     []Event

	closed   bool
	closeErr error
}

// Create starts a new session: applies configuration defaults, sends
// the client identification line, and transitions to
// PhaseIdentification.
func Create(config Config) (*Session, error) {
	cfg := config.withDefaults()
	clientID := cfg.Identification.ClientID
	if clientID == "" {
		clientID = "SSH-2.0-mana_1.0"
	}
	if !strings.HasPrefix(clientID, "SSH-") {
		return nil, sessionerr.Invariant("session: client ID %q must begin with %q", clientID, "SSH-")
	}
	if len(clientID) > maxIdentLineLen {
		return nil, sessionerr.Invariant("session: client ID of %d bytes exceeds the %d byte limit", len(clientID), maxIdentLineLen)
	}

	s := &Session{
		config:   cfg,
		phase:    PhaseIdentification,
		channels: make(map[uint32]*channel),
		readDir:  sshcrypto.NewPlainDirection(),
		writeDir: sshcrypto.NewPlainDirection(),
	}
	s.magics.clientIdentLine = []byte(clientID)

	line := append([]byte(clientID), '\r', '\n')
	s.outboundFrames = append(s.outboundFrames, line)
	s.emit(IdentificationSentEvent{ClientID: clientID})
	return s, nil
}

func (s *Session) randomBytes(n int) ([]byte, error) {
	if s.config.RandomBytes != nil {
		return s.config.RandomBytes(n)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, sessionerr.Wrap(err, "session: reading random bytes")
	}
	return b, nil
}

func (s *Session) emit(ev Event) { s.eventQueue = append(s.eventQueue, ev) }

// NextEvent pops the oldest undelivered event.
func (s *Session) NextEvent() (Event, bool) {
	if len(s.eventQueue) == 0 {
		return nil, false
	}
	ev := s.eventQueue[0]
	s.eventQueue = s.eventQueue[1:]
	return ev, true
}

// Events returns a pull-based iterator over undelivered events: the
// single-owner producer (the session) with a detachable consumer.
func (s *Session) Events() func() (Event, bool) {
	return s.NextEvent
}

// Inspect returns a read-only snapshot of the session's state.
func (s *Session) Inspect() Snapshot {
	snap := Snapshot{
		Phase:                  s.phase,
		NegotiatedAlgorithms:   s.negotiated,
		PendingOutboundPackets: len(s.outboundFrames),
	}
	for _, ch := range s.channels {
		snap.OpenChannels = append(snap.OpenChannels, ChannelSnapshot{
			LocalID:       ch.localID,
			RemoteID:      ch.remoteID,
			Status:        ch.status,
			WindowSize:    ch.inboundWindow,
			MaxPacketSize: ch.maxInboundPacket,
		})
	}
	return snap
}

// FlushOutbound drains every queued outbound frame as a single byte
// slice ready for the transport.
func (s *Session) FlushOutbound() []byte {
	if len(s.outboundFrames) == 0 {
		return nil
	}
	var total int
	for _, f := range s.outboundFrames {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range s.outboundFrames {
		out = append(out, f...)
	}
	s.outboundFrames = nil
	return out
}

// WaitForIdle blocks until ctx is cancelled or the session has no
// further asynchronous work pending. This engine never schedules work
// off the caller's goroutine, so it returns immediately unless ctx is
// already done.
func (s *Session) WaitForIdle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Close sends SSH_MSG_DISCONNECT and transitions the session to
// PhaseClosed.
func (s *Session) Close(reason string) error {
	if s.phase == PhaseClosed || s.phase == PhaseFailed {
		return nil
	}
	err := s.queueEncryptedOutbound(marshalDisconnect(disconnectByApplication, reason))
	s.phase = PhaseClosed
	s.closed = true
	return err
}

func (s *Session) fail(err error) {
	if s.phase == PhaseFailed || s.phase == PhaseClosed {
		return
	}
	s.phase = PhaseFailed
	s.closeErr = err
	s.emit(WarningEvent{Code: WarnTerminal, Message: err.Error()})
}

// Command applies one of the Intent variants to the session.
func (s *Session) Command(intent Intent) error {
	if s.phase == PhaseClosed || s.phase == PhaseFailed {
		return sessionerr.Invariant("session: command issued on a %s session", s.phase)
	}
	switch in := intent.(type) {
	case OpenChannelIntent:
		chanType := in.Type
		if chanType == "" {
			chanType = "session"
		}
		_, err := s.openChannel(chanType, in.InitialWindowSize, in.MaxPacketSize)
		return err
	case SendChannelDataIntent:
		return s.sendChannelData(in.ChannelID, in.Data)
	case AdjustWindowIntent:
		return s.adjustInboundWindow(in.ChannelID, in.Delta)
	case RequestChannelIntent:
		return s.requestChannel(in)
	case CloseChannelIntent:
		return s.closeChannel(in.ChannelID)
	case DisconnectIntent:
		return s.Close(in.Description)
	default:
		return sessionerr.NotImplemented("session: intent %T not implemented", intent)
	}
}

// Receive consumes raw transport bytes, parsing the identification
// preface and/or packet stream and dispatching every complete message.
func (s *Session) Receive(data []byte) error {
	if s.phase == PhaseClosed || s.phase == PhaseFailed {
		return sessionerr.Invariant("session: Receive called on a %s session", s.phase)
	}
	s.inbound = append(s.inbound, data...)

	if s.phase == PhaseIdentification {
		if err := s.consumeIdentification(); err != nil {
			s.fail(err)
			return err
		}
	}

	for s.phase != PhaseIdentification && s.phase != PhaseClosed && s.phase != PhaseFailed {
		payload, total, needMore, err := s.decodeFramedPacket(s.inbound)
		if err != nil {
			s.fail(err)
			return err
		}
		if needMore {
			break
		}
		s.inbound = s.inbound[total:]
		if err := s.dispatch(payload); err != nil {
			s.fail(err)
			return err
		}
	}
	return nil
}

func (s *Session) consumeIdentification() error {
	for {
		idx := bytes.IndexByte(s.inbound, '\n')
		if idx < 0 {
			if len(s.inbound) > maxIdentLineLen {
				return sessionerr.Decode("session: identification line exceeds %d bytes without terminator", maxIdentLineLen)
			}
			return nil
		}
		line := bytes.TrimSuffix(s.inbound[:idx], []byte("\r"))
		s.inbound = s.inbound[idx+1:]
		if len(line) > maxIdentLineLen {
			return sessionerr.Decode("session: identification line exceeds %d bytes", maxIdentLineLen)
		}
		if bytes.HasPrefix(line, []byte("SSH-")) {
			s.serverIdentLine = append([]byte(nil), line...)
			s.magics.serverIdentLine = s.serverIdentLine
			s.phase = PhaseNegotiating
			s.emit(IdentificationReceivedEvent{ServerID: string(line)})
			if err := s.beginKex(); err != nil {
				return err
			}
			s.phase = PhaseKex
			return nil
		}
		s.identLineCount++
		if s.identLineCount > maxIdentLines {
			return sessionerr.Protocol("session: too many pre-identification banner lines")
		}
	}
}

// dispatch routes a fully-framed packet payload to its handler by
// message number, mirroring the type-switch idiom x/crypto/ssh's
// mainLoop uses over decoded messages.
func (s *Session) dispatch(payload []byte) error {
	if len(payload) == 0 {
		return sessionerr.Decode("session: empty packet payload")
	}
	switch payload[0] {
	case msgDisconnect:
		m, err := decodeDisconnect(payload)
		if err != nil {
			return err
		}
		s.phase = PhaseClosed
		s.emit(DisconnectEvent{Code: m.ReasonCode, Description: m.Description})
		return nil
	case msgIgnore, msgDebug, msgUnimplemented:
		return nil
	case msgServiceAccept:
		return s.handleServiceAccept(payload)
	case msgKexInit:
		return s.handleKexInit(payload)
	case msgNewKeys:
		return s.handleNewKeys()
	case msgKexDHReply:
		return s.handleKexDHReply(payload)
	case msgUserAuthFailure:
		return s.handleUserAuthFailure(payload)
	case msgUserAuthSuccess:
		return s.handleUserAuthSuccess()
	case msgUserAuthBanner:
		return s.handleUserAuthBanner(payload)
	case msgGlobalRequest:
		return s.handleGlobalRequest(payload)
	case msgRequestSuccess, msgRequestFailure:
		return nil
	case msgChannelOpenConfirmation:
		return s.handleChannelOpenConfirmation(payload)
	case msgChannelOpenFailure:
		return s.handleChannelOpenFailure(payload)
	case msgChannelWindowAdjust:
		return s.handleChannelWindowAdjust(payload)
	case msgChannelData:
		return s.handleChannelData(payload)
	case msgChannelExtendedData:
		return s.handleChannelExtendedData(payload)
	case msgChannelEOF:
		return s.handleChannelEOF(payload)
	case msgChannelClose:
		return s.handleChannelClose(payload)
	case msgChannelRequest:
		return s.handleChannelRequest(payload)
	case msgChannelSuccess:
		return s.handleChannelSuccess(payload)
	case msgChannelFailure:
		return s.handleChannelFailure(payload)
	default:
		return sessionerr.NotImplemented("session: unrecognized message type %d", payload[0])
	}
}

// queuePlainOutbound frames and queues a packet sent before encryption
// activates (identification-adjacent KEXINIT/KEX messages). It shares
// an implementation with queueEncryptedOutbound because framing always
// follows whichever write direction is currently active.
func (s *Session) queuePlainOutbound(payload []byte) error {
	return s.queueOutbound(payload)
}

// queueEncryptedOutbound frames and queues a packet under the active
// write direction, which is AES-128-GCM once keys have been
// established.
func (s *Session) queueEncryptedOutbound(payload []byte) error {
	return s.queueOutbound(payload)
}

func (s *Session) queueOutbound(payload []byte) error {
	framed, err := s.packetizeOutbound(payload)
	if err != nil {
		return err
	}
	s.outboundFrames = append(s.outboundFrames, framed)
	s.emit(OutboundDataEvent{Payload: framed, Encryption: EncryptionInitial})
	return nil
}

// packetizeOutbound applies RFC 4253 §6 binary packet framing (plain)
// or the RFC 5647 AES-GCM variant (packet_length sent as cleartext
// additional authenticated data) depending on the active write
// direction.
func (s *Session) packetizeOutbound(payload []byte) ([]byte, error) {
	switch dir := s.writeDir.(type) {
	case *sshcrypto.PlainDirection:
		if _, err := dir.NextSequence(); err != nil {
			return nil, err
		}
		padding, err := s.computePadding(len(payload), plainBlockSize)
		if err != nil {
			return nil, err
		}
		padBytes, err := s.randomBytes(padding)
		if err != nil {
			return nil, err
		}
		packetLength := uint32(1 + len(payload) + padding)
		out := make([]byte, 0, 4+int(packetLength))
		out = binary.BigEndian.AppendUint32(out, packetLength)
		out = append(out, byte(padding))
		out = append(out, payload...)
		out = append(out, padBytes...)
		return out, nil

	case *sshcrypto.AES128GCMDirection:
		if _, err := dir.NextSequence(); err != nil {
			return nil, err
		}
		padding, err := s.computePadding(len(payload), aeadBlockSize)
		if err != nil {
			return nil, err
		}
		padBytes, err := s.randomBytes(padding)
		if err != nil {
			return nil, err
		}
		plaintext := make([]byte, 0, 1+len(payload)+padding)
		plaintext = append(plaintext, byte(padding))
		plaintext = append(plaintext, payload...)
		plaintext = append(plaintext, padBytes...)

		packetLength := uint32(len(plaintext))
		aad := binary.BigEndian.AppendUint32(nil, packetLength)
		nonce := dir.BuildNonce()
		ciphertext, err := s.config.Crypto.AEADSeal(dir.Key, nonce[:], aad, plaintext)
		if err != nil {
			return nil, err
		}
		if err := dir.AdvanceInvocation(); err != nil {
			return nil, err
		}
		out := make([]byte, 0, 4+len(ciphertext))
		out = append(out, aad...)
		out = append(out, ciphertext...)
		return out, nil

	default:
		return nil, sessionerr.Invariant("session: unknown write direction %T", s.writeDir)
	}
}

// computePadding returns the RFC 4253 §6 padding length for a payload
// of payloadLen bytes under the given cipher block size: at least 4
// bytes, bringing (1 + payloadLen + padding) to a multiple of blockSize.
func (s *Session) computePadding(payloadLen, blockSize int) (int, error) {
	base := 1 + payloadLen
	padding := blockSize - (base % blockSize)
	if padding < minPadding {
		padding += blockSize
	}
	return padding, nil
}

// decodeFramedPacket attempts to decode one full packet from buf under
// the active read direction. needMore is true when buf does not yet
// contain a complete packet.
func (s *Session) decodeFramedPacket(buf []byte) (payload []byte, total int, needMore bool, err error) {
	if len(buf) < 4 {
		return nil, 0, true, nil
	}
	packetLength := binary.BigEndian.Uint32(buf[:4])

	switch dir := s.readDir.(type) {
	case *sshcrypto.PlainDirection:
		total = 4 + int(packetLength)
		if len(buf) < total {
			return nil, 0, true, nil
		}
		if _, err := dir.NextSequence(); err != nil {
			return nil, 0, false, err
		}
		frame := buf[4:total]
		if len(frame) < 1 {
			return nil, 0, false, sessionerr.Decode("session: packet shorter than padding_length field")
		}
		paddingLen := int(frame[0])
		if paddingLen+1 > len(frame) {
			return nil, 0, false, sessionerr.Decode("session: padding_length %d exceeds packet", paddingLen)
		}
		payloadLen := len(frame) - 1 - paddingLen
		return append([]byte(nil), frame[1:1+payloadLen]...), total, false, nil

	case *sshcrypto.AES128GCMDirection:
		total = 4 + int(packetLength) + 16
		if len(buf) < total {
			return nil, 0, true, nil
		}
		aad := buf[:4]
		ciphertext := buf[4:total]
		nonce := dir.BuildNonce()
		plaintext, err := s.config.Crypto.AEADOpen(dir.Key, nonce[:], aad, ciphertext)
		if err != nil {
			return nil, 0, false, err
		}
		if err := dir.AdvanceInvocation(); err != nil {
			return nil, 0, false, err
		}
		if _, err := dir.NextSequence(); err != nil {
			return nil, 0, false, err
		}
		if len(plaintext) < 1 {
			return nil, 0, false, sessionerr.Decode("session: decrypted packet shorter than padding_length field")
		}
		paddingLen := int(plaintext[0])
		if paddingLen+1 > len(plaintext) {
			return nil, 0, false, sessionerr.Decode("session: padding_length %d exceeds decrypted packet", paddingLen)
		}
		payloadLen := len(plaintext) - 1 - paddingLen
		return plaintext[1 : 1+payloadLen], total, false, nil

	default:
		return nil, 0, false, sessionerr.Invariant("session: unknown read direction %T", s.readDir)
	}
}
