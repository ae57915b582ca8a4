package keyexchange

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/big"
	"strconv"

	"golang.org/x/crypto/curve25519"
)

// ECKeys is the server's half of an X25519 key exchange: a fixed 32-byte
// scalar the server keeps for the lifetime of the process, per spec.md
// §4.3 ("the server holds a 32-byte private scalar").
type ECKeys struct {
	private [32]byte
	public  [32]byte
}

// ErrInvalidPoint is returned when a peer's public point fails the X25519
// contributory-behavior check (curve25519.X25519 rejects low-order points).
var ErrInvalidPoint = errors.New("keyexchange: peer public point is invalid")

// GenerateECKeys draws a fresh random scalar and derives its base-point
// public key.
func GenerateECKeys() (ECKeys, error) {
	var k ECKeys
	if _, err := rand.Read(k.private[:]); err != nil {
		return ECKeys{}, err
	}

	pub, err := curve25519.X25519(k.private[:], curve25519.Basepoint)
	if err != nil {
		return ECKeys{}, err
	}
	copy(k.public[:], pub)
	return k, nil
}

// PublicKey returns the server's 32-byte ephemeral-looking public point,
// safe to send to a client over the key-fragment channel.
func (k ECKeys) PublicKey() [32]byte {
	return k.public
}

// SharedSecret computes scalarmult(priv, peerPublic), reads the raw 32
// shared-secret bytes as a big-endian integer ("the hex of scalarmult(d,P)
// interpreted as integer" — a hex string and its raw bytes carry the same
// integer value), and concatenates that with the decimal digits of salt to
// produce the final session key, per spec.md §8's EC handshake scenario.
func (k ECKeys) SharedSecret(peerPublic [32]byte, salt int64) (*big.Int, error) {
	shared, err := curve25519.X25519(k.private[:], peerPublic[:])
	if err != nil {
		return nil, ErrInvalidPoint
	}

	secret := new(big.Int).SetBytes(shared)
	combined := secret.String() + strconv.FormatInt(salt, 10)

	key, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, errors.New("keyexchange: malformed shared secret")
	}
	return key, nil
}

// AgreeSessionKey implements pkg/framing's KeyAgreement interface for the EC
// scheme: blob is the reassembled fragment text, a hex-encoded 32-byte
// ephemeral public point sent by the client during "_safe_connect:".
func (k ECKeys) AgreeSessionKey(blob string, salt int64) (*big.Int, error) {
	raw, err := hex.DecodeString(blob)
	if err != nil || len(raw) != 32 {
		return nil, errors.New("keyexchange: malformed EC public point blob")
	}

	var peer [32]byte
	copy(peer[:], raw)
	return k.SharedSecret(peer, salt)
}
