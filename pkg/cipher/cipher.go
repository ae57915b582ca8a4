// Package cipher implements the symmetric channel cipher: a synchronous
// AES-ECB-driven keystream over the codec's 89-symbol alphabet, with the key
// domain-separated per packet by a wall-clock-derived salt and a fixed
// end-of-message marker standing in for a MAC.
//
// Grounded on scratchcommunication/security.py's SymmetricEncryption (and,
// for LegacyCipher, OldSymmetricEncryption).
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"strconv"
	"strings"

	"github.com/cloudmux/bridge/pkg/codec"
)

// endMarker is appended to every plaintext before encryption and stripped
// (and checked for) after decryption. Its absence after decryption is the
// only integrity signal this cipher offers (spec.md §4.2: "weak — accepted
// limitation").
const endMarker = "ITSTHEENDOFTHIS"

// ErrBadMessage is returned when decryption fails: the header is malformed,
// the end marker is missing, or the declared plaintext length doesn't match
// what was recovered.
var ErrBadMessage = errors.New("cipher: bad message")

// Cipher is a per-connection symmetric cipher, keyed by the session key
// that key exchange (pkg/keyexchange) produced. A Cipher is safe to reuse
// across many calls to Encrypt/Decrypt, each with a different salt.
type Cipher struct {
	key       *big.Int
	hashedKey [16]byte
}

// New derives hashedKey from key the way the original does: the last 53
// bytes of key's decimal representation, SHA-256'd, truncated to 16 bytes
// (an AES-128 key once XOR'd with a salt in Encrypt/Decrypt).
func New(key *big.Int) *Cipher {
	s := key.String()
	if len(s) > 53 {
		s = s[len(s)-53:]
	}
	sum := sha256.Sum256([]byte(s))

	c := &Cipher{key: new(big.Int).Set(key)}
	copy(c.hashedKey[:], sum[:16])
	return c
}

// saltKey XORs hashedKey's leading bytes with the salt's decimal digits,
// paired two at a time into byte values (spec.md §4.2's "bytes_from(salt)
// ... left-aligned into hashed_key"). Any hashedKey bytes beyond the salt's
// digit pairs pass through unchanged.
func saltKey(hashedKey [16]byte, salt int64) []byte {
	digits := strconv.FormatInt(salt, 10)

	out := make([]byte, len(hashedKey))
	copy(out, hashedKey[:])

	for i := 0; i < len(digits) && i/2 < len(out); i += 2 {
		end := i + 2
		if end > len(digits) {
			end = len(digits)
		}
		n, _ := strconv.Atoi(digits[i:end])
		out[i/2] = hashedKey[i/2] ^ byte(n)
	}
	return out
}

// keystream produces the AES-ECB keystream one byte at a time, refilling a
// 16-byte block whenever exhausted. counter starts at 1 and increments with
// every block, per spec.md §4.2.
type keystream struct {
	block   stdcipher.Block
	counter uint64
	buf     []byte
}

func newKeystream(key []byte) (*keystream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	return &keystream{block: block}, nil
}

func (k *keystream) next() byte {
	if len(k.buf) == 0 {
		k.counter++
		var in, out [16]byte
		// big-endian counter in the low 8 bytes, matching Python's
		// counter.to_bytes(16) for counters that never reach 2**64.
		for i := 0; i < 8; i++ {
			in[15-i] = byte(k.counter >> (8 * i))
		}
		k.block.Encrypt(out[:], in[:])
		k.buf = out[:]
	}
	b := k.buf[0]
	k.buf = k.buf[1:]
	return b
}

// Encrypt produces "{seed}:{len(plaintext)}:{ciphertext}", where seed is a
// 4-digit nonce used only to make headers distinct (spec.md §4.2). salt
// must strictly increase across calls on the same connection; see
// pkg/framing for the monotonicity check.
func (c *Cipher) Encrypt(plaintext string, salt int64) (string, error) {
	seed := 1000 + rand.Intn(9000)

	alphabet := codec.Alphabet()
	n := len(alphabet)

	ks, err := newKeystream(saltKey(c.hashedKey, salt))
	if err != nil {
		return "", err
	}

	var body strings.Builder
	for _, r := range plaintext + endMarker {
		idx, ok := codec.IndexOf(r)
		if !ok {
			return "", fmt.Errorf("cipher: character %q is not in the 89-symbol alphabet", r)
		}
		shift := int(ks.next())
		body.WriteRune(alphabet[(idx+shift)%n])
	}

	return fmt.Sprintf("%d:%d:%s", seed, len([]rune(plaintext)), body.String()), nil
}

// Decrypt reverses Encrypt. It returns ErrBadMessage if the header can't be
// parsed, the end marker is missing, or the recovered length disagrees with
// the header's declared length.
func (c *Cipher) Decrypt(data string, salt int64) (string, error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 {
		return "", ErrBadMessage
	}
	messageLength, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", ErrBadMessage
	}
	encrypted := parts[2]

	alphabet := codec.Alphabet()
	n := len(alphabet)

	ks, err := newKeystream(saltKey(c.hashedKey, salt))
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, r := range encrypted {
		idx, ok := codec.IndexOf(r)
		if !ok {
			return "", ErrBadMessage
		}
		shift := int(ks.next())
		out.WriteRune(alphabet[((idx-shift)%n+n)%n])
	}

	decrypted := []rune(out.String())
	if !strings.HasSuffix(string(decrypted), endMarker) {
		return "", ErrBadMessage
	}
	if messageLength+len([]rune(endMarker)) != len(decrypted) {
		return "", ErrBadMessage
	}

	return string(decrypted[:len(decrypted)-len([]rune(endMarker))]), nil
}
