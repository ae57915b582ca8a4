// Package framing implements C5: the decision tree that turns a raw
// "FROM_CLIENT" cloud-variable write into a key fragment, a piece of an
// in-flight message, or a brand-new client, plain or secure.
//
// Grounded on scratchcommunication/cloud_socket.py's CloudSocket.listen's
// on_packet handler, simplified per spec.md §4.5's decision tree where the
// original's lower-level quirks (a second, packet-class-local _decode that
// doesn't strip the codec's leading marker; a salt embedded twice, once in
// the handshake blob and once in the packet trailer) aren't reproduced.
package framing

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/cloudmux/bridge/internal/warnlog"
	"github.com/cloudmux/bridge/pkg/cipher"
	"github.com/cloudmux/bridge/pkg/codec"
)

const fragmentCap = 100

// saltPrefixLen is the width, in decimal digits, of the trailing salt that
// every secure packet (message part or handshake) carries.
const saltPrefixLen = 15

// connectPrefixDigits is how many decimal digits of body are decoded to
// check whether a packet opens a new client ("_connect" is 8 alphabet
// characters, "_safe_connect:" is 14; 28 digits covers either at 2
// digits/char).
const connectPrefixDigits = 28

// KeyAgreement resolves a secure handshake's reassembled fragment blob (and
// its bound salt) into a session key. keyexchange.RSAKeys and
// keyexchange.ECKeys both implement this.
type KeyAgreement interface {
	AgreeSessionKey(blob string, salt int64) (*big.Int, error)
}

// rawBlobAgreement is implemented by key-agreement schemes whose blob must
// reach AgreeSessionKey as the raw reassembled digit string, never run
// through pkg/codec first. keyexchange.RSAKeys implements this: per
// cloud_socket.py's _decrypt_key, the RSA branch parses the digits directly
// as a decimal integer (self.security.decrypt(int(key))), while only the EC
// branch codec-decodes the blob (key = self._decode(key[15:])) before
// hex-decoding it.
type rawBlobAgreement interface {
	RawBlob() bool
}

// ClientEntry is one framed client's session state.
type ClientEntry struct {
	ID     string
	Secure bool
	cipher *cipher.Cipher
	buf    strings.Builder
}

// Encrypt ciphers plaintext under this client's agreed session key, for
// pkg/cloudsocket's outbound secure sends. Only valid when Secure is true.
func (e *ClientEntry) Encrypt(plaintext string, salt int64) (string, error) {
	return e.cipher.Encrypt(plaintext, salt)
}

// Framing consumes FROM_CLIENT events and reassembles them into complete
// messages, dispatching to the handlers registered via OnMessage/OnNewUser/
// OnNewSecureUser. It is touched only from the CloudLink reader goroutine,
// so it holds no locks of its own (spec.md §5, "no locking required as
// long as that invariant holds").
type Framing struct {
	agreement KeyAgreement

	fragments    map[string][]byte
	fragmentKeys []string

	clients map[string]*ClientEntry

	lastSalt int64

	onMessage   func(clientID, message string)
	onNewUser   func(*ClientEntry)
	onNewSecure func(*ClientEntry)
}

// New constructs a Framing. agreement may be nil if secure clients aren't
// supported by this deployment (every "_safe_connect:" packet is then
// silently dropped, same as any other malformed packet).
func New(agreement KeyAgreement) *Framing {
	return &Framing{
		agreement: agreement,
		fragments: map[string][]byte{},
		clients:   map[string]*ClientEntry{},
	}
}

// OnMessage registers the handler invoked with a client's reassembled,
// decrypted (if secure) message once a terminal packet arrives.
func (f *Framing) OnMessage(fn func(clientID, message string)) { f.onMessage = fn }

// OnNewUser registers the handler invoked whenever a new client entry (plain
// or secure) is created.
func (f *Framing) OnNewUser(fn func(*ClientEntry)) { f.onNewUser = fn }

// OnNewSecureUser registers the handler invoked, in addition to OnNewUser,
// when the new client completed a secure handshake.
func (f *Framing) OnNewSecureUser(fn func(*ClientEntry)) { f.onNewSecure = fn }

// Client returns the entry for a previously-framed client id, if any.
func (f *Framing) Client(id string) (*ClientEntry, bool) {
	c, ok := f.clients[id]
	return c, ok
}

// HandlePacket decodes one raw FROM_CLIENT decimal value per spec.md §4.5.
// Assertion-style failures anywhere in the pipeline are swallowed — a
// malformed or hostile packet is dropped, never allowed to kill the reader.
func (f *Framing) HandlePacket(value string) {
	defer func() {
		if r := recover(); r != nil {
			warnlog.Warn(context.Background(), "bad_message", "framing pipeline panicked", nil)
		}
	}()

	terminal := !strings.HasPrefix(value, "-")
	digits := strings.TrimPrefix(value, "-")
	if digits == "" {
		return
	}

	payload, tail, _ := strings.Cut(digits, ".")
	if payload == "" {
		return
	}

	typ := payload[0]
	body := payload[1:]

	if typ == '0' {
		f.handleKeyFragment(body)
		return
	}

	if len(tail) < 5 {
		return
	}
	clientID := tail[:5]

	prefixDigits := body
	if len(prefixDigits) > connectPrefixDigits {
		prefixDigits = prefixDigits[:connectPrefixDigits]
	}
	prefix := codec.DecodeDigits(prefixDigits)
	isConnect := strings.HasPrefix(prefix, "_connect") || strings.HasPrefix(prefix, "_safe_connect:")

	if entry, ok := f.clients[clientID]; ok && !isConnect {
		if entry.Secure {
			f.handleSecurePart(entry, body, terminal)
		} else {
			f.handleInsecurePart(entry, body, terminal)
		}
		return
	}

	if strings.HasPrefix(prefix, "_safe_connect:") {
		f.handleSafeConnect(clientID, body)
		return
	}

	f.handlePlainConnect(clientID)
}

func (f *Framing) handleKeyFragment(body string) {
	if len(body) < 5 {
		return
	}
	fid, data := body[:5], body[5:]
	if _, exists := f.fragments[fid]; exists {
		return
	}

	f.fragments[fid] = []byte(data)
	f.fragmentKeys = append(f.fragmentKeys, fid)
	if len(f.fragmentKeys) > fragmentCap {
		evict := f.fragmentKeys[0]
		f.fragmentKeys = f.fragmentKeys[1:]
		delete(f.fragments, evict)
	}
}

func (f *Framing) handleInsecurePart(entry *ClientEntry, body string, terminal bool) {
	entry.buf.WriteString(body)
	if !terminal {
		return
	}

	msg := codec.Decode(entry.buf.String())
	entry.buf.Reset()
	if f.onMessage != nil {
		f.onMessage(entry.ID, msg)
	}
}

func (f *Framing) handleSecurePart(entry *ClientEntry, body string, terminal bool) {
	if len(body) < saltPrefixLen {
		return
	}
	cipherDigits := body[:len(body)-saltPrefixLen]
	saltDigits := body[len(body)-saltPrefixLen:]

	salt, ok := f.validateSalt(saltDigits)
	if !ok {
		return
	}

	text := codec.DecodeDigits(cipherDigits)
	plain, err := entry.cipher.Decrypt(text, salt)
	if err != nil {
		warnlog.Warn(context.Background(), "bad_message", "secure message part failed to decrypt", err)
		return
	}

	entry.buf.WriteString(plain)
	if !terminal {
		return
	}

	msg := entry.buf.String()
	entry.buf.Reset()
	if f.onMessage != nil {
		f.onMessage(entry.ID, msg)
	}
}

func (f *Framing) handleSafeConnect(clientID, body string) {
	if f.agreement == nil || len(body) < connectPrefixDigits+saltPrefixLen {
		return
	}

	fragmentRefs := body[connectPrefixDigits : len(body)-saltPrefixLen]
	saltDigits := body[len(body)-saltPrefixLen:]

	salt, ok := f.validateSalt(saltDigits)
	if !ok {
		return
	}

	var blobDigits strings.Builder
	for i := 0; i+5 <= len(fragmentRefs); i += 5 {
		fid := fragmentRefs[i : i+5]
		data, ok := f.fragments[fid]
		if !ok {
			return
		}
		blobDigits.Write(data)
	}

	blob := blobDigits.String()
	if rb, ok := f.agreement.(rawBlobAgreement); !ok || !rb.RawBlob() {
		blob = codec.DecodeDigits(blob)
	}
	key, err := f.agreement.AgreeSessionKey(blob, salt)
	if err != nil {
		warnlog.Warn(context.Background(), "handshake_rejected", "secure handshake key agreement failed", err)
		return
	}

	// Channel binding: the recovered key, as a decimal, must start or end
	// with the salt's decimal form. Both checks are implemented per
	// spec.md §9's documented ambiguity (the original's two client
	// implementations differ on which end binds the salt).
	keyStr, saltStr := key.String(), strconv.FormatInt(salt, 10)
	if !strings.HasPrefix(keyStr, saltStr) && !strings.HasSuffix(keyStr, saltStr) {
		warnlog.Warn(context.Background(), "handshake_rejected", "secure handshake did not bind to its salt", nil)
		return
	}

	entry := &ClientEntry{ID: clientID, Secure: true, cipher: cipher.New(key)}
	f.clients[clientID] = entry

	if f.onNewUser != nil {
		f.onNewUser(entry)
	}
	if f.onNewSecure != nil {
		f.onNewSecure(entry)
	}
}

func (f *Framing) handlePlainConnect(clientID string) {
	entry := &ClientEntry{ID: clientID}
	f.clients[clientID] = entry
	if f.onNewUser != nil {
		f.onNewUser(entry)
	}
}

// saltScale converts the raw 15-digit salt into wall-clock seconds for the
// window check: cloud_socket.py computes `salt = int(digits) / 100` before
// comparing against `time.time()`, i.e. the digits carry centisecond
// precision. Monotonicity is still checked against the raw, unscaled value
// (scaling is monotonic, so this is equivalent and avoids float rounding).
const saltScale = 100

// validateSalt enforces monotonicity and a 30-second forward window against
// the socket-wide watermark (spec.md §8's testable property #3; the
// watermark is shared across all secure clients, matching the original's
// single CloudSocket-wide last_timestamp).
func (f *Framing) validateSalt(digits string) (int64, bool) {
	salt, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	if salt <= f.lastSalt {
		warnlog.Warn(context.Background(), "salt_violation", "salt is not greater than the last accepted one", nil)
		return 0, false
	}
	if salt/saltScale >= time.Now().Unix()+30 {
		warnlog.Warn(context.Background(), "salt_violation", "salt is too far in the future", nil)
		return 0, false
	}
	f.lastSalt = salt
	return salt, true
}
