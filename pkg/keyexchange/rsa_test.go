package keyexchange

import (
	"math/big"
	"testing"
)

func TestRSARoundTrip(t *testing.T) {
	keys, err := GenerateRSAKeys(64)
	if err != nil {
		t.Fatalf("GenerateRSAKeys: %v", err)
	}

	m := big.NewInt(123456789)
	pubExp, modulus := keys.PublicKey()
	client := RSAKeys{PublicExponent: pubExp, Modulus: modulus}

	ciphertext := client.Encrypt(m)
	recovered := keys.Decrypt(ciphertext)

	if recovered.Cmp(m) != 0 {
		t.Fatalf("RSA round trip failed: got %s, want %s", recovered, m)
	}
}

func TestRSADistinctKeypairs(t *testing.T) {
	a, err := GenerateRSAKeys(48)
	if err != nil {
		t.Fatalf("GenerateRSAKeys: %v", err)
	}
	b, err := GenerateRSAKeys(48)
	if err != nil {
		t.Fatalf("GenerateRSAKeys: %v", err)
	}
	if a.Modulus.Cmp(b.Modulus) == 0 {
		t.Fatal("two independently generated keypairs produced the same modulus")
	}
}
