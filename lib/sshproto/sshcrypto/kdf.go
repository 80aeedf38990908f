package sshcrypto

// DeriveKeyMaterial implements the SSH key derivation function from
// RFC 4253 §7.2: repeatedly hash sharedSecretMpint || exchangeHash ||
// letter || sessionID, then extend with sharedSecretMpint ||
// exchangeHash || previousConcatenatedHashes until length bytes are
// available, truncating the final output to length.
//
// sharedSecretMpint must already be the mpint-encoded shared secret
// (including its uint32 length prefix), matching how it is hashed as
// the "K" field of the exchange hash in RFC 4253 §8. letter is one of
// 'A'..'F' selecting IV/key/integrity material for a direction.
func DeriveKeyMaterial(p Provider, sharedSecretMpint, exchangeHash, sessionID []byte, letter byte, length int) ([]byte, error) {
	seed := make([]byte, 0, len(sharedSecretMpint)+len(exchangeHash)+1+len(sessionID))
	seed = append(seed, sharedSecretMpint...)
	seed = append(seed, exchangeHash...)
	seed = append(seed, letter)
	seed = append(seed, sessionID...)

	digest, err := p.Digest("sha256", seed)
	if err != nil {
		return nil, err
	}

	out := append([]byte(nil), digest...)
	for len(out) < length {
		extend := make([]byte, 0, len(sharedSecretMpint)+len(exchangeHash)+len(out))
		extend = append(extend, sharedSecretMpint...)
		extend = append(extend, exchangeHash...)
		extend = append(extend, out...)
		next, err := p.Digest("sha256", extend)
		if err != nil {
			return nil, err
		}
		out = append(out, next...)
	}
	return out[:length], nil
}

// Direction letters per RFC 4253 §7.2, in the order the session
// requests them when deriving AES-128-GCM keys and IVs.
const (
	LetterClientIV   = 'A'
	LetterServerIV   = 'B'
	LetterClientKey  = 'C'
	LetterServerKey  = 'D'
	LetterClientMAC  = 'E'
	LetterServerMAC  = 'F'
)
