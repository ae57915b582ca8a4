package keyexchange

import "testing"

func TestECSharedSecretAgrees(t *testing.T) {
	server, err := GenerateECKeys()
	if err != nil {
		t.Fatalf("GenerateECKeys (server): %v", err)
	}
	client, err := GenerateECKeys()
	if err != nil {
		t.Fatalf("GenerateECKeys (client): %v", err)
	}

	const salt = int64(1_700_000_000_00)

	serverKey, err := server.SharedSecret(client.PublicKey(), salt)
	if err != nil {
		t.Fatalf("server SharedSecret: %v", err)
	}
	clientKey, err := client.SharedSecret(server.PublicKey(), salt)
	if err != nil {
		t.Fatalf("client SharedSecret: %v", err)
	}

	if serverKey.Cmp(clientKey) != 0 {
		t.Fatalf("server and client derived different session keys: %s vs %s", serverKey, clientKey)
	}
}

func TestECSharedSecretBindsSalt(t *testing.T) {
	server, err := GenerateECKeys()
	if err != nil {
		t.Fatal(err)
	}
	client, err := GenerateECKeys()
	if err != nil {
		t.Fatal(err)
	}

	k1, err := server.SharedSecret(client.PublicKey(), 1_700_000_000_00)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := server.SharedSecret(client.PublicKey(), 1_700_000_001_00)
	if err != nil {
		t.Fatal(err)
	}

	if k1.Cmp(k2) == 0 {
		t.Fatal("different salts produced the same session key")
	}
}
