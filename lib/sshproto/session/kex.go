package session

import (
	"math/big"

	"github.com/anveio/mana/lib/sessionerr"
	"github.com/anveio/mana/lib/sshproto/sshcrypto"
	"github.com/anveio/mana/lib/sshproto/wire"
)

// negotiateAlgorithm applies RFC 4253 §7.1's tie-break rule: the
// first name in the client's preference order that also appears
// anywhere in the peer's list wins.
func negotiateAlgorithm(clientPrefs, peerList []string) (string, bool) {
	peerSet := make(map[string]struct{}, len(peerList))
	for _, n := range peerList {
		peerSet[n] = struct{}{}
	}
	for _, pref := range clientPrefs {
		if _, ok := peerSet[pref]; ok {
			return pref, true
		}
	}
	return "", false
}

func negotiateAlgorithms(client, server *kexInitMsg) (NegotiatedAlgorithms, error) {
	pick := func(label string, clientPrefs, serverList []string) (string, error) {
		v, ok := negotiateAlgorithm(clientPrefs, serverList)
		if !ok {
			return "", sessionerr.Protocol("ssh: no common %s algorithm", label)
		}
		return v, nil
	}
	var n NegotiatedAlgorithms
	var err error
	if n.Kex, err = pick("key exchange", client.KexAlgos, server.KexAlgos); err != nil {
		return n, err
	}
	if n.HostKey, err = pick("host key", client.ServerHostKeyAlgos, server.ServerHostKeyAlgos); err != nil {
		return n, err
	}
	if n.CipherC2S, err = pick("client-to-server cipher", client.CiphersClientServer, server.CiphersClientServer); err != nil {
		return n, err
	}
	if n.CipherS2C, err = pick("server-to-client cipher", client.CiphersServerClient, server.CiphersServerClient); err != nil {
		return n, err
	}
	if n.MACc2s, err = pick("client-to-server MAC", client.MACsClientServer, server.MACsClientServer); err != nil {
		return n, err
	}
	if n.MACs2c, err = pick("server-to-client MAC", client.MACsServerClient, server.MACsServerClient); err != nil {
		return n, err
	}
	if n.CompressionC2S, err = pick("client-to-server compression", client.CompressionClientServer, server.CompressionClientServer); err != nil {
		return n, err
	}
	if n.CompressionS2C, err = pick("server-to-client compression", client.CompressionServerClient, server.CompressionServerClient); err != nil {
		return n, err
	}
	return n, nil
}

func isCurve25519(kex string) bool {
	return kex == "curve25519-sha256@libssh.org" || kex == "curve25519-sha256"
}

func isGroup14(kex string) bool {
	return kex == "diffie-hellman-group14-sha256"
}

// buildClientKexInit constructs this engine's SSH_MSG_KEXINIT from the
// configured algorithm preference lists.
func (s *Session) buildClientKexInit() (*kexInitMsg, error) {
	cookie, err := s.randomBytes(16)
	if err != nil {
		return nil, err
	}
	m := &kexInitMsg{
		KexAlgos:                s.config.Algorithms.KeyExchange,
		ServerHostKeyAlgos:      s.config.Algorithms.HostKeys,
		CiphersClientServer:     s.config.Algorithms.Ciphers,
		CiphersServerClient:     s.config.Algorithms.Ciphers,
		MACsClientServer:        s.config.Algorithms.MACs,
		MACsServerClient:        s.config.Algorithms.MACs,
		CompressionClientServer: s.config.Algorithms.Compression,
		CompressionServerClient: s.config.Algorithms.Compression,
	}
	copy(m.Cookie[:], cookie)
	return m, nil
}

// buildCurve25519ExchangeHash computes H per the libssh.org curve25519
// key exchange method: hash(V_C||V_S||I_C||I_S||K_S||Q_C||Q_S||K).
func buildCurve25519ExchangeHash(p sshcrypto.Provider, magics handshakeMagics, hostKeyBlob, clientPublic, serverPublic, sharedSecret []byte) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteStringBytes(magics.clientIdentLine)
	w.WriteStringBytes(magics.serverIdentLine)
	w.WriteStringBytes(magics.clientKexPayload)
	w.WriteStringBytes(magics.serverKexPayload)
	w.WriteStringBytes(hostKeyBlob)
	w.WriteStringBytes(clientPublic)
	w.WriteStringBytes(serverPublic)
	w.WriteMpint(new(big.Int).SetBytes(sharedSecret))
	return p.Digest("sha256", w.Bytes())
}

// buildGroup14ExchangeHash computes H per RFC 4253 §8:
// hash(V_C||V_S||I_C||I_S||K_S||e||f||K).
func buildGroup14ExchangeHash(p sshcrypto.Provider, magics handshakeMagics, hostKeyBlob []byte, e, f, sharedSecret *big.Int) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteStringBytes(magics.clientIdentLine)
	w.WriteStringBytes(magics.serverIdentLine)
	w.WriteStringBytes(magics.clientKexPayload)
	w.WriteStringBytes(magics.serverKexPayload)
	w.WriteStringBytes(hostKeyBlob)
	w.WriteMpint(e)
	w.WriteMpint(f)
	w.WriteMpint(sharedSecret)
	return p.Digest("sha256", w.Bytes())
}

// beginKex sends the client's SSH_MSG_KEXINIT, emitting
// KexInitSentEvent and queuing the outbound packet.
func (s *Session) beginKex() error {
	m, err := s.buildClientKexInit()
	if err != nil {
		return err
	}
	s.clientKexInit = m
	s.clientKexInitRaw = m.marshal()
	if err := s.queuePlainOutbound(s.clientKexInitRaw); err != nil {
		return err
	}
	s.emit(KexInitSentEvent{})
	return nil
}

// handleKexInit processes the server's SSH_MSG_KEXINIT, negotiating
// algorithms and kicking off the appropriate key exchange flow.
func (s *Session) handleKexInit(payload []byte) error {
	m, err := decodeKexInit(payload)
	if err != nil {
		return err
	}
	s.serverKexInit = m
	s.serverKexInitRaw = payload
	s.emit(KexInitReceivedEvent{})

	negotiated, err := negotiateAlgorithms(s.clientKexInit, s.serverKexInit)
	if err != nil {
		s.emit(WarningEvent{Code: WarnAlgorithmMismatch, Message: err.Error()})
		return err
	}
	s.negotiated = &negotiated

	s.magics.clientKexPayload = s.clientKexInitRaw
	s.magics.serverKexPayload = s.serverKexInitRaw

	switch {
	case isCurve25519(negotiated.Kex):
		return s.beginCurve25519()
	case isGroup14(negotiated.Kex):
		return s.beginGroup14()
	default:
		return sessionerr.Invariant("session: negotiated unknown key exchange %q", negotiated.Kex)
	}
}

func (s *Session) beginCurve25519() error {
	scalar, err := s.randomBytes(32)
	if err != nil {
		return err
	}
	public, err := s.config.Crypto.Curve25519ScalarBaseMult(scalar)
	if err != nil {
		return err
	}
	s.kex = kexState{curve25519: true, privateScalar: scalar, clientPublic25: public}
	msg := &kexECDHInitMsg{ClientPublic: public}
	return s.queuePlainOutbound(msg.marshal())
}

func (s *Session) beginGroup14() error {
	exponentBytes, err := s.randomBytes(32)
	if err != nil {
		return err
	}
	x := reduceGroup14Exponent(exponentBytes)
	e := new(big.Int).Exp(group14Generator, x, group14Prime)
	s.kex = kexState{group14: true, exponent: x, clientPublicDH: e}
	msg := &kexDHInitMsg{ClientPublic: e}
	return s.queuePlainOutbound(msg.marshal())
}

// handleKexDHReply processes SSH_MSG_KEX_ECDH_REPLY /
// SSH_MSG_KEXDH_REPLY: verifies the host key signature, derives the
// shared secret, computes the exchange hash, evaluates host-key
// policy, and activates the new AES-128-GCM direction states.
func (s *Session) handleKexDHReply(payload []byte) error {
	switch {
	case s.kex.curve25519:
		return s.handleCurve25519Reply(payload)
	case s.kex.group14:
		return s.handleGroup14Reply(payload)
	default:
		return sessionerr.Protocol("session: received key exchange reply with no exchange in progress")
	}
}

func (s *Session) handleCurve25519Reply(payload []byte) error {
	reply, err := decodeKexECDHReply(payload)
	if err != nil {
		return err
	}
	sharedSecret, err := s.config.Crypto.Curve25519ScalarMult(s.kex.privateScalar, reply.ServerPublic)
	if err != nil {
		return err
	}
	exchangeHash, err := buildCurve25519ExchangeHash(s.config.Crypto, s.magics, reply.HostKeyBlob, s.kex.clientPublic25, reply.ServerPublic, sharedSecret)
	if err != nil {
		return err
	}
	k := wire.NewWriter()
	k.WriteMpint(new(big.Int).SetBytes(sharedSecret))
	return s.finishKex(reply.HostKeyBlob, reply.SignatureBlob, exchangeHash, k.Bytes())
}

func (s *Session) handleGroup14Reply(payload []byte) error {
	reply, err := decodeKexDHReply(payload)
	if err != nil {
		return err
	}
	f := reply.ServerPublic
	if f.Sign() <= 0 || f.Cmp(group14Prime) >= 0 {
		return sessionerr.Protocol("session: server DH public value out of range")
	}
	shared := new(big.Int).Exp(f, s.kex.exponent, group14Prime)
	exchangeHash, err := buildGroup14ExchangeHash(s.config.Crypto, s.magics, reply.HostKeyBlob, s.kex.clientPublicDH, f, shared)
	if err != nil {
		return err
	}
	k := wire.NewWriter()
	k.WriteMpint(shared)
	return s.finishKex(reply.HostKeyBlob, reply.SignatureBlob, exchangeHash, k.Bytes())
}

// finishKex verifies the host key signature and policy, derives key
// material, and queues SSH_MSG_NEWKEYS.
func (s *Session) finishKex(hostKeyBlobRaw, signatureBlobRaw, exchangeHash, sharedSecretMpint []byte) error {
	hostKey, err := decodeAlgoAndBlob(hostKeyBlobRaw)
	if err != nil {
		return err
	}
	sig, err := decodeAlgoAndBlob(signatureBlobRaw)
	if err != nil {
		return err
	}
	if hostKey.Algorithm != "ssh-ed25519" || sig.Algorithm != "ssh-ed25519" {
		return sessionerr.NotImplemented("session: host key algorithm %q not implemented (ed25519 only)", hostKey.Algorithm)
	}
	if !s.config.Crypto.Ed25519Verify(hostKey.Raw, sig.Raw, exchangeHash) {
		return sessionerr.Protocol("session: host key signature verification failed")
	}

	if s.config.HostKeys.Evaluate != nil {
		fp, err := s.config.Crypto.Digest("sha256", hostKey.Raw)
		if err != nil {
			return err
		}
		candidate := HostKeyCandidate{
			Host:        s.config.HostIdentity.Host,
			Port:        s.config.HostIdentity.Port,
			KeyType:     hostKey.Algorithm,
			Fingerprint: fp,
			Raw:         hostKeyBlobRaw,
		}
		decision := s.config.HostKeys.Evaluate(candidate)
		if s.config.HostKeys.Remember != nil {
			s.config.HostKeys.Remember(candidate, decision)
		}
		switch decision {
		case HostKeyMismatchFatal:
			return sessionerr.Protocol("session: host key rejected by policy")
		case HostKeyMismatchWarn:
			s.emit(WarningEvent{Code: WarnHostKeyMismatch, Message: "host key accepted despite policy mismatch"})
		}
	}

	s.exchangeHash = exchangeHash
	if s.sessionID == nil {
		s.sessionID = exchangeHash
	}

	clientIV, err := sshcrypto.DeriveKeyMaterial(s.config.Crypto, sharedSecretMpint, exchangeHash, s.sessionID, sshcrypto.LetterClientIV, 12)
	if err != nil {
		return err
	}
	serverIV, err := sshcrypto.DeriveKeyMaterial(s.config.Crypto, sharedSecretMpint, exchangeHash, s.sessionID, sshcrypto.LetterServerIV, 12)
	if err != nil {
		return err
	}
	clientKey, err := sshcrypto.DeriveKeyMaterial(s.config.Crypto, sharedSecretMpint, exchangeHash, s.sessionID, sshcrypto.LetterClientKey, 16)
	if err != nil {
		return err
	}
	serverKey, err := sshcrypto.DeriveKeyMaterial(s.config.Crypto, sharedSecretMpint, exchangeHash, s.sessionID, sshcrypto.LetterServerKey, 16)
	if err != nil {
		return err
	}

	pendingWrite, err := sshcrypto.NewAES128GCMDirection(clientKey, clientIV)
	if err != nil {
		return err
	}
	pendingRead, err := sshcrypto.NewAES128GCMDirection(serverKey, serverIV)
	if err != nil {
		return err
	}
	s.pendingWriteDir = pendingWrite
	s.pendingReadDir = pendingRead

	if err := s.queuePlainOutbound([]byte{msgNewKeys}); err != nil {
		return err
	}
	s.clientNewKeysSent = true
	s.writeDir = pendingWrite
	s.activateReadIfReady()

	s.emit(KeysEstablishedEvent{Algorithms: *s.negotiated})

	if !s.config.Guards.DisableAutoUserAuth && s.config.Identity != nil {
		return s.beginAuth()
	}
	return nil
}

// handleNewKeys processes the server's SSH_MSG_NEWKEYS, activating the
// pending read direction.
func (s *Session) handleNewKeys() error {
	if s.pendingReadDir == nil {
		return sessionerr.Protocol("session: unexpected SSH_MSG_NEWKEYS")
	}
	s.serverNewKeysReceived = true
	s.activateReadIfReady()
	return nil
}

func (s *Session) activateReadIfReady() {
	if s.serverNewKeysReceived && s.pendingReadDir != nil {
		s.readDir = s.pendingReadDir
		s.pendingReadDir = nil
	}
}
