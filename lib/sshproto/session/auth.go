package session

import (
	"github.com/anveio/mana/lib/sessionerr"
	"github.com/anveio/mana/lib/sshproto/wire"
)

// beginAuth starts the Authentication protocol, RFC 4252 §5: request
// the ssh-userauth service; once SSH_MSG_SERVICE_ACCEPT arrives, the
// publickey request is sent directly, with no "none" probe before it.
func (s *Session) beginAuth() error {
	if s.config.Identity == nil {
		return sessionerr.Invariant("session: beginAuth called without an Identity configured")
	}
	s.authPhase = authAwaitingServiceAccept
	return s.queueEncryptedOutbound(marshalServiceRequest("ssh-userauth"))
}

func (s *Session) handleServiceAccept(payload []byte) error {
	name, err := decodeServiceAccept(payload)
	if err != nil {
		return err
	}
	if name != "ssh-userauth" {
		return sessionerr.Protocol("session: unexpected service accepted: %q", name)
	}
	return s.sendPublicKeyAuthRequest()
}

func (s *Session) sendPublicKeyAuthRequest() error {
	identity := s.config.Identity
	payload := buildAuthSignaturePayload(s.sessionID, identity.Username, "ssh-connection", identity.Algorithm, identity.PublicKey)
	sig, err := identity.Sign(payload)
	if err != nil {
		return sessionerr.Wrap(err, "session: signing authentication request")
	}
	msg := &userAuthRequestPublicKeyMsg{
		User:      identity.Username,
		Service:   "ssh-connection",
		Algorithm: identity.Algorithm,
		PublicKey: identity.PublicKey,
		Signature: sig,
	}
	s.authPhase = authAwaitingResult
	return s.queueEncryptedOutbound(msg.marshal())
}

func (s *Session) handleUserAuthFailure(payload []byte) error {
	methods, partial, err := decodeUserAuthFailure(payload)
	if err != nil {
		return err
	}
	s.authPhase = authFailed
	s.emit(AuthFailureEvent{Methods: methods, Partial: partial})
	return nil
}

func (s *Session) handleUserAuthSuccess() error {
	s.authPhase = authSucceeded
	s.phase = PhaseAuthenticated
	s.emit(AuthSuccessEvent{})
	return nil
}

func (s *Session) handleUserAuthBanner(payload []byte) error {
	// SSH_MSG_USERAUTH_BANNER: message, language tag.
	r := wire.NewReader(payload)
	r.ReadUint8()
	msg, err := r.ReadString()
	if err != nil {
		return err
	}
	s.emit(AuthBannerEvent{Message: msg})
	return nil
}
