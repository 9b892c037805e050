package vault

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	salt, err := newKeySalt()
	if err != nil {
		t.Fatalf("newKeySalt: %v", err)
	}
	key := deriveKey([]byte("server-secret-at-least-32-bytes!"), salt)

	ciphertext, nonce, err := seal("ya29.access-token", key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := open(ciphertext, nonce, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "ya29.access-token" {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestDeriveKeyDifferentSalts(t *testing.T) {
	secret := []byte("server-secret-at-least-32-bytes!")
	salt1, _ := newKeySalt()
	salt2, _ := newKeySalt()

	if bytes.Equal(salt1, salt2) {
		t.Fatalf("expected random salts to differ")
	}
	if bytes.Equal(deriveKey(secret, salt1), deriveKey(secret, salt2)) {
		t.Errorf("expected different salts to derive different keys")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	salt, _ := newKeySalt()
	key := deriveKey([]byte("server-secret-at-least-32-bytes!"), salt)

	ciphertext, nonce, err := seal("refresh-token", key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ciphertext[0] ^= 0xff

	if _, err := open(ciphertext, nonce, key); err == nil {
		t.Errorf("expected authentication failure for tampered ciphertext")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	salt1, _ := newKeySalt()
	salt2, _ := newKeySalt()
	secret := []byte("server-secret-at-least-32-bytes!")

	ciphertext, nonce, err := seal("refresh-token", deriveKey(secret, salt1))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := open(ciphertext, nonce, deriveKey(secret, salt2)); err == nil {
		t.Errorf("expected failure when opening with a key from another salt")
	}
}
