package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	k1 := DeriveKey([]byte("shared secret"))
	k2 := DeriveKey([]byte("shared secret"))
	if k1 != k2 {
		t.Error("same secret produced different keys")
	}

	k3 := DeriveKey([]byte("other secret"))
	if k1 == k3 {
		t.Error("different secrets produced the same key")
	}
}

func TestDeriveConversationKey(t *testing.T) {
	master := DeriveKey([]byte("master"))

	k1 := DeriveConversationKey(master, "conv-a")
	k2 := DeriveConversationKey(master, "conv-a")
	if k1 != k2 {
		t.Error("same conversation produced different keys")
	}

	k3 := DeriveConversationKey(master, "conv-b")
	if k1 == k3 {
		t.Error("different conversations produced the same key")
	}
	if k1 == master {
		t.Error("conversation key equals master key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey([]byte("secret"))
	plaintext := []byte("hello peer")

	ciphertext, nonce, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	decrypted, err := Decrypt(key, ciphertext, nonce)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, decrypted)
	}
}

func TestEncryptFreshNonce(t *testing.T) {
	key := DeriveKey([]byte("secret"))

	_, nonce1, err := Encrypt(key, []byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	_, nonce2, err := Encrypt(key, []byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Equal(nonce1, nonce2) {
		t.Error("nonce reused across calls")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	ciphertext, nonce, err := Encrypt(DeriveKey([]byte("right")), []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(DeriveKey([]byte("wrong")), ciphertext, nonce); err != ErrDecryption {
		t.Errorf("expected ErrDecryption, got %v", err)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	key := DeriveKey([]byte("secret"))
	ciphertext, nonce, err := Encrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	ciphertext[0] ^= 0xFF
	if _, err := Decrypt(key, ciphertext, nonce); err != ErrDecryption {
		t.Errorf("expected ErrDecryption, got %v", err)
	}
}

func TestDecryptBadNonce(t *testing.T) {
	key := DeriveKey([]byte("secret"))
	ciphertext, _, err := Encrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(key, ciphertext, []byte("short")); err != ErrDecryption {
		t.Errorf("expected ErrDecryption, got %v", err)
	}
}

func TestHashVerify(t *testing.T) {
	data := []byte("some data")
	digest := Hash(data)

	if !VerifyHash(data, digest) {
		t.Error("digest did not verify")
	}
	if VerifyHash([]byte("other data"), digest) {
		t.Error("digest verified against wrong data")
	}
}
