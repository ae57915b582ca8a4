// Package keyexchange implements the two key-exchange schemes a secure
// client can use to agree a session key with a CloudSocket: classical RSA
// and X25519 elliptic-curve key exchange.
//
// Grounded on scratchcommunication/security.py's is_prime/create_new_keys/
// RSAKeys for the RSA scheme; the EC scheme follows spec.md §4.3 directly,
// since the original's ECSecurity implementation wasn't included in the
// retrieved source.
package keyexchange

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// RSAKeys holds a classical RSA keypair: public exponent e, private
// exponent d, and modulus n. The zero value is not usable; construct with
// GenerateRSAKeys.
type RSAKeys struct {
	PublicExponent  *big.Int
	PrivateExponent *big.Int
	Modulus         *big.Int
}

// ErrKeyGeneration is returned when two random primes fail to yield a valid
// keypair (the fixed public exponent isn't invertible mod φ(n)); callers
// should simply retry, as GenerateRSAKeys itself does internally.
var ErrKeyGeneration = errors.New("keyexchange: failed to generate a valid RSA keypair")

// fixedPublicExponent matches the original implementation's choice of a
// small, fixed public exponent (3) rather than the conventional 65537: with
// primes this large the cube-root attack that makes e=3 risky for short
// messages doesn't apply, and it keeps key generation a single modular
// inversion away from done once two primes are found.
const fixedPublicExponent = 3

// GenerateRSAKeys draws two byteLength-byte primes (Miller-Rabin tested)
// and derives (e, d, n) from them, retrying on primes that don't yield an
// invertible e. byteLength is the length of each prime factor, not of n.
func GenerateRSAKeys(byteLength int) (RSAKeys, error) {
	for attempt := 0; attempt < 1000; attempt++ {
		p, err := findPrime(byteLength)
		if err != nil {
			return RSAKeys{}, err
		}
		q, err := findPrime(byteLength)
		if err != nil {
			return RSAKeys{}, err
		}

		keys, ok := deriveKeys(p, q)
		if ok {
			return keys, nil
		}
	}
	return RSAKeys{}, ErrKeyGeneration
}

// deriveKeys computes n = p*q, φ(n) = (p-1)(q-1)/gcd(p-1,q-1), and inverts
// the fixed public exponent mod φ(n). It reports ok=false (not an error)
// when the exponent isn't invertible, mirroring create_new_keys's
// catch-and-retry loop.
func deriveKeys(p, q *big.Int) (RSAKeys, bool) {
	n := new(big.Int).Mul(p, q)

	pMinus1 := new(big.Int).Sub(p, big.NewInt(1))
	qMinus1 := new(big.Int).Sub(q, big.NewInt(1))

	g := new(big.Int).GCD(nil, nil, pMinus1, qMinus1)
	totient := new(big.Int).Mul(pMinus1, qMinus1)
	totient.Div(totient, g)

	e := big.NewInt(fixedPublicExponent)
	if new(big.Int).GCD(nil, nil, e, totient).Cmp(big.NewInt(1)) != 0 {
		return RSAKeys{}, false
	}

	d := new(big.Int).ModInverse(e, totient)
	if d == nil {
		return RSAKeys{}, false
	}

	return RSAKeys{PublicExponent: e, PrivateExponent: d, Modulus: n}, true
}

// findPrime draws random byteLength-byte odd numbers until one passes
// Miller-Rabin, the way find_new_prime does.
func findPrime(byteLength int) (*big.Int, error) {
	for {
		buf := make([]byte, byteLength)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		buf[len(buf)-1] |= 1 // bias toward odd candidates; doesn't affect correctness

		n := new(big.Int).SetBytes(buf)
		if n.ProbablyPrime(20) {
			return n, nil
		}
	}
}

// Encrypt computes m^e mod n against the public half of keys.
func (k RSAKeys) Encrypt(m *big.Int) *big.Int {
	return new(big.Int).Exp(m, k.PublicExponent, k.Modulus)
}

// Decrypt computes c^d mod n against the private half of keys.
func (k RSAKeys) Decrypt(c *big.Int) *big.Int {
	return new(big.Int).Exp(c, k.PrivateExponent, k.Modulus)
}

// PublicKey returns the (e, n) pair a client needs to encrypt a message to
// this server, safe to hand out over the wire.
func (k RSAKeys) PublicKey() (exponent, modulus *big.Int) {
	return k.PublicExponent, k.Modulus
}

// AgreeSessionKey implements pkg/framing's KeyAgreement interface for the
// RSA scheme: blob is the reassembled fragment text, a plain decimal
// ciphertext, and the session key is simply its RSA decryption (spec.md
// §4.3: "decrypt(priv, c) = c^d mod n"). salt plays no role in RSA
// decryption itself; channel binding against it happens one layer up, in
// pkg/framing, against the returned key.
func (k RSAKeys) AgreeSessionKey(blob string, _ int64) (*big.Int, error) {
	c, ok := new(big.Int).SetString(blob, 10)
	if !ok {
		return nil, errors.New("keyexchange: malformed RSA ciphertext blob")
	}
	return k.Decrypt(c), nil
}

// RawBlob reports that AgreeSessionKey wants its blob as the raw reassembled
// digit string: the RSA ciphertext is already decimal, and running it
// through pkg/codec first would corrupt it (see cloud_socket.py's
// _decrypt_key, whose RSA branch never calls _decode on the key).
func (k RSAKeys) RawBlob() bool { return true }
