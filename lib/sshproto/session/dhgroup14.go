package session

import "math/big"

// group14Prime is the 2048-bit MODP group 14 prime, RFC 3526 §3, used
// by diffie-hellman-group14-sha256, the fallback key exchange.
var group14Prime = mustHexBig(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
		"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
		"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF",
)

var group14Generator = big.NewInt(2)

// group14PrimeMinus2 is cached so reduceGroup14Exponent doesn't
// recompute it on every key exchange.
var group14PrimeMinus2 = new(big.Int).Sub(group14Prime, big.NewInt(2))

// reduceGroup14Exponent maps raw entropy onto x in [2, p-1), the
// private exponent range diffie-hellman-group14-sha256 requires: (x
// mod (p-2)) + 2.
func reduceGroup14Exponent(raw []byte) *big.Int {
	x := new(big.Int).SetBytes(raw)
	x.Mod(x, group14PrimeMinus2)
	return x.Add(x, big.NewInt(2))
}

func mustHexBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("session: invalid group14 prime constant")
	}
	return v
}
