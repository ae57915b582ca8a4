package cipher

import (
	"math/big"
	"strings"
	"testing"
)

func testKey() *big.Int {
	k, _ := new(big.Int).SetString("88172645463325224315854173811496990536767156953125", 10)
	return k
}

func TestCipherRoundTrip(t *testing.T) {
	c := New(testKey())

	cases := []struct {
		plaintext string
		salt      int64
	}{
		{"hello", 1700000000_00},
		{"", 1700000000_01},
		{"The Quick Brown Fox; Jumps (Over) The Lazy Dog!", 1700000001_00},
	}

	for _, tc := range cases {
		ct, err := c.Encrypt(tc.plaintext, tc.salt)
		if err != nil {
			t.Fatalf("Encrypt(%q) error: %v", tc.plaintext, err)
		}
		pt, err := c.Decrypt(ct, tc.salt)
		if err != nil {
			t.Fatalf("Decrypt error for %q: %v", tc.plaintext, err)
		}
		if pt != tc.plaintext {
			t.Fatalf("round trip mismatch: got %q, want %q", pt, tc.plaintext)
		}
	}
}

func TestCipherWrongSaltFails(t *testing.T) {
	c := New(testKey())
	ct, err := c.Encrypt("a secret message", 1700000000_00)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decrypt(ct, 1700000000_01); err == nil {
		t.Fatal("expected decryption with the wrong salt to fail")
	}
}

func TestCipherTamperedCiphertextFails(t *testing.T) {
	c := New(testKey())
	salt := int64(1700000005_00)
	ct, err := c.Encrypt("another message entirely", salt)
	if err != nil {
		t.Fatal(err)
	}

	idx := strings.LastIndex(ct, ":") + 1
	body := []rune(ct)
	alphabet := []rune("abcdefghijklmnopqrstuvwxyz")
	tampered := string(body[:idx]) + string(alphabet[0]) + string(body[idx+1:])
	if tampered == ct {
		t.Skip("tamper produced an identical string, alphabet mismatch")
	}

	if _, err := c.Decrypt(tampered, salt); err == nil {
		t.Fatal("expected decryption of tampered ciphertext to fail")
	}
}

func TestLegacyCipherRoundTrip(t *testing.T) {
	c := NewLegacy(testKey())

	cases := []struct {
		plaintext string
		salt      int64
	}{
		{"hello legacy", 1700000000_00},
		{"", 1700000000_05},
	}

	for _, tc := range cases {
		ct, err := c.Encrypt(tc.plaintext, tc.salt)
		if err != nil {
			t.Fatalf("Encrypt(%q) error: %v", tc.plaintext, err)
		}
		pt, err := c.Decrypt(ct, tc.salt)
		if err != nil {
			t.Fatalf("Decrypt error for %q: %v", tc.plaintext, err)
		}
		if pt != tc.plaintext {
			t.Fatalf("round trip mismatch: got %q, want %q", pt, tc.plaintext)
		}
	}
}

func TestLegacyCipherWrongSaltFails(t *testing.T) {
	c := NewLegacy(testKey())
	ct, err := c.Encrypt("a secret message", 1700000000_00)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decrypt(ct, 1700000000_01); err == nil {
		t.Fatal("expected decryption with the wrong salt to fail")
	}
}
