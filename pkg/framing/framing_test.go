package framing

import (
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/cloudmux/bridge/pkg/codec"
)

// testSaltDigits renders a realistic 15-digit salt: wall-clock seconds
// (scaled by saltScale, per cloud_socket.py's salt/100 convention),
// zero-padded to 15 digits.
func testSaltDigits(delta time.Duration) string {
	raw := time.Now().Add(delta).Unix() * saltScale
	s := strconv.FormatInt(raw, 10)
	for len(s) < 15 {
		s = "0" + s
	}
	return s
}

func TestPlainConnectThenInsecureRoundTrip(t *testing.T) {
	f := New(nil)

	var newUsers []string
	f.OnNewUser(func(c *ClientEntry) { newUsers = append(newUsers, c.ID) })

	var messages []string
	f.OnMessage(func(_ string, msg string) { messages = append(messages, msg) })

	// The "_connect" probe is a raw digit-pair sequence (no codec marker):
	// framing decodes prefixes with DecodeDigits, not Decode.
	connectBody := "1" + codec.Encode("_connect")[1:]
	f.HandlePacket(connectBody + ".12345")

	if len(newUsers) != 1 || newUsers[0] != "12345" {
		t.Fatalf("new users = %v, want [12345]", newUsers)
	}

	msgBody := "1" + codec.Encode("hello")
	f.HandlePacket(msgBody + ".12345")

	if len(messages) != 1 || messages[0] != "hello" {
		t.Fatalf("messages = %v, want [hello]", messages)
	}
}

func TestInsecureMultiPartMessage(t *testing.T) {
	f := New(nil)
	f.HandlePacket("1" + codec.Encode("_connect")[1:] + ".54321")

	var messages []string
	f.OnMessage(func(_ string, msg string) { messages = append(messages, msg) })

	full := codec.Encode("hello world")
	mid := len(full) / 2
	// Non-terminal fragments carry a leading '-' sign.
	f.HandlePacket("-1" + full[:mid] + ".54321")
	f.HandlePacket("1" + full[mid:] + ".54321")

	if len(messages) != 1 || messages[0] != "hello world" {
		t.Fatalf("messages = %v, want [hello world]", messages)
	}
}

func TestKeyFragmentCapEvictsOldest(t *testing.T) {
	f := New(nil)

	for i := 0; i < fragmentCap+10; i++ {
		fid := fiveDigitID(i)
		f.HandlePacket("0" + fid + "x.00000")
	}

	if len(f.fragments) != fragmentCap {
		t.Fatalf("len(fragments) = %d, want %d", len(f.fragments), fragmentCap)
	}
	if _, ok := f.fragments[fiveDigitID(0)]; ok {
		t.Error("oldest fragment should have been evicted")
	}
	if _, ok := f.fragments[fiveDigitID(fragmentCap+9)]; !ok {
		t.Error("newest fragment should still be present")
	}
}

func TestKeyFragmentRejectsDuplicateID(t *testing.T) {
	f := New(nil)
	f.HandlePacket("005555first.00000")
	f.HandlePacket("005555second.00000")

	if string(f.fragments["05555"]) != "first" {
		t.Errorf("fragments[05555] = %q, want %q (duplicate insert must be rejected)", f.fragments["05555"], "first")
	}
}

type fakeAgreement struct {
	key *big.Int
	err error
}

func (a fakeAgreement) AgreeSessionKey(string, int64) (*big.Int, error) {
	return a.key, a.err
}

func TestSecureHandshakeBindsSalt(t *testing.T) {
	saltDigits := testSaltDigits(0)
	key, _ := new(big.Int).SetString(saltDigits+"999", 10) // starts with the salt: binds.

	f := New(fakeAgreement{key: key})
	f.HandlePacket("000000abcde.00000") // register fragment "00000" for the handshake to reference

	var secureUsers []string
	f.OnNewSecureUser(func(c *ClientEntry) { secureUsers = append(secureUsers, c.ID) })

	body := "1" + codec.Encode("_safe_connect:")[1:] // 28 digits for the 14-char marker
	body += "00000"                                  // one fragment reference
	body += saltDigits

	f.HandlePacket(body + ".99999")

	if len(secureUsers) != 1 || secureUsers[0] != "99999" {
		t.Fatalf("secure users = %v, want [99999]", secureUsers)
	}

	entry, ok := f.Client("99999")
	if !ok || !entry.Secure {
		t.Fatal("expected a secure client entry to be created")
	}
}

func TestSecureHandshakeRejectsUnboundSalt(t *testing.T) {
	saltDigits := testSaltDigits(0)
	key := big.NewInt(424242) // does not start or end with the salt

	f := New(fakeAgreement{key: key})
	f.HandlePacket("000000abcde.00000")

	var secureUsers []string
	f.OnNewSecureUser(func(c *ClientEntry) { secureUsers = append(secureUsers, c.ID) })

	body := "1" + codec.Encode("_safe_connect:")[1:]
	body += "00000"
	body += saltDigits

	f.HandlePacket(body + ".99999")

	if len(secureUsers) != 0 {
		t.Fatalf("secure users = %v, want none (salt binding should have failed)", secureUsers)
	}
}

// capturingAgreement records the blob it was called with, so tests can
// assert whether it was codec-decoded before reaching AgreeSessionKey.
type capturingAgreement struct {
	rawBlob   bool
	gotBlob   *string
	returnKey *big.Int
}

func (a capturingAgreement) AgreeSessionKey(blob string, _ int64) (*big.Int, error) {
	*a.gotBlob = blob
	return a.returnKey, nil
}

func (a capturingAgreement) RawBlob() bool { return a.rawBlob }

func handshakeBody(fragmentDigits, saltDigits string) string {
	body := "1" + codec.Encode("_safe_connect:")[1:]
	body += fragmentDigits
	body += saltDigits
	return body
}

func TestSafeConnectPassesRawBlobForRSAScheme(t *testing.T) {
	saltDigits := testSaltDigits(0)
	key, _ := new(big.Int).SetString(saltDigits+"1", 10)

	var got string
	f := New(capturingAgreement{rawBlob: true, gotBlob: &got, returnKey: key})
	f.HandlePacket("000000123.00000") // fragment "00000" carries raw digits "123"

	f.HandlePacket(handshakeBody("00000", saltDigits) + ".99999")

	if got != "123" {
		t.Errorf("blob passed to AgreeSessionKey = %q, want raw digits %q (RSA scheme must not codec-decode)", got, "123")
	}
}

func TestSafeConnectDecodesBlobForECScheme(t *testing.T) {
	saltDigits := testSaltDigits(0)
	key, _ := new(big.Int).SetString(saltDigits+"1", 10)

	plaintext := "hi"
	digits := codec.Encode(plaintext)[1:]

	var got string
	f := New(capturingAgreement{rawBlob: false, gotBlob: &got, returnKey: key})
	f.HandlePacket("0" + "00000" + digits + ".00000")

	f.HandlePacket(handshakeBody("00000", saltDigits) + ".99999")

	if got != plaintext {
		t.Errorf("blob passed to AgreeSessionKey = %q, want codec-decoded %q (EC scheme must codec-decode)", got, plaintext)
	}
}

func TestSaltMonotonicityRejectsReplay(t *testing.T) {
	f := New(nil)

	first := testSaltDigits(0)
	firstVal, _ := strconv.ParseInt(first, 10, 64)
	earlier := strconv.FormatInt(firstVal-1000, 10)
	for len(earlier) < 15 {
		earlier = "0" + earlier
	}

	if _, ok := f.validateSalt(first); !ok {
		t.Fatal("first salt should be accepted")
	}
	if _, ok := f.validateSalt(earlier); ok {
		t.Fatal("a non-increasing salt must be rejected")
	}
}

func fiveDigitID(i int) string {
	s := strconv.Itoa(i)
	for len(s) < 5 {
		s = "0" + s
	}
	return s
}
