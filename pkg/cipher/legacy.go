package cipher

import (
	"math/big"
	"math/rand"
	"strconv"
	"strings"

	"github.com/cloudmux/bridge/pkg/codec"
)

// LegacyCipher reproduces scratchcommunication's older, pre-AES symmetric
// scheme (OldSymmetricEncryption): a modulus derived digit-by-digit from
// the key and salt, then a simple running shift cipher over the alphabet.
// It predates Cipher and is kept only for interoperating with peers still
// speaking it — new connections should use Cipher.
type LegacyCipher struct {
	key *big.Int
}

// NewLegacy wraps key for use with the legacy scheme.
func NewLegacy(key *big.Int) *LegacyCipher {
	return &LegacyCipher{key: new(big.Int).Set(key)}
}

func legacyModulus(key *big.Int, salt int64, seed int) int64 {
	modulus := int64(13)
	seedSq := int64(seed) * int64(seed)
	for _, r := range key.String() + strconv.FormatInt(salt, 10) {
		modulus += int64(r - '0')
		modulus = (modulus * modulus) % seedSq
	}
	return modulus
}

func modexpInt64(base, exp, mod int64) int64 {
	result := int64(1)
	base %= mod
	for exp > 0 {
		if exp&1 == 1 {
			result = (result * base) % mod
		}
		exp >>= 1
		base = (base * base) % mod
	}
	return result
}

// Encrypt mirrors OldSymmetricEncryption.encrypt: the plaintext, with the
// modulus's own decimal digits appended as the end marker, is shifted by a
// running value seeded from a modular exponentiation and advanced by index
// on every character.
func (c *LegacyCipher) Encrypt(plaintext string, salt int64) (string, error) {
	seed := 1000 + rand.Intn(9000)
	modulus := legacyModulus(c.key, salt, seed)
	marker := strconv.FormatInt(modulus, 10)

	alphabet := codec.Alphabet()
	n := int64(len(alphabet))

	shift := modexpInt64(124231, 32, modulus)

	var body strings.Builder
	for idx, r := range plaintext + marker {
		shift += int64(idx)
		shift = (shift * shift) % modulus
		i, ok := codec.IndexOf(r)
		if !ok {
			return "", errBadAlphabet(r)
		}
		code := (int64(i) + shift) % n
		body.WriteRune(alphabet[code])
	}

	return strconv.Itoa(seed) + ":" + strconv.Itoa(len([]rune(plaintext))) + ":" + body.String(), nil
}

// Decrypt reverses Encrypt, recomputing the same modulus from the header's
// seed and checking that the recovered plaintext ends with that modulus's
// own decimal digits.
func (c *LegacyCipher) Decrypt(data string, salt int64) (string, error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 {
		return "", ErrBadMessage
	}
	seed, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", ErrBadMessage
	}
	messageLength, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", ErrBadMessage
	}
	encrypted := parts[2]

	modulus := legacyModulus(c.key, salt, seed)
	marker := strconv.FormatInt(modulus, 10)

	alphabet := codec.Alphabet()
	n := int64(len(alphabet))

	shift := modexpInt64(124231, 32, modulus)

	var out strings.Builder
	for idx, r := range encrypted {
		shift += int64(idx)
		shift = (shift * shift) % modulus
		i, ok := codec.IndexOf(r)
		if !ok {
			return "", ErrBadMessage
		}
		code := ((int64(i)-shift)%n + n) % n
		out.WriteRune(alphabet[code])
	}

	decrypted := out.String()
	if !strings.HasSuffix(decrypted, marker) || messageLength+len([]rune(marker)) != len([]rune(decrypted)) {
		return "", ErrBadMessage
	}

	return decrypted[:len(decrypted)-len(marker)], nil
}

func errBadAlphabet(r rune) error {
	return &alphabetError{r: r}
}

type alphabetError struct{ r rune }

func (e *alphabetError) Error() string {
	return "cipher: character " + strconv.QuoteRune(e.r) + " is not in the 89-symbol alphabet"
}
