package credential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
)

// AESDecryptor is a reference Decryptor implementation (§6 treats the
// primitive itself as external; production deployments bring their own).
// It expects blobs produced by AESEncrypt: a random nonce followed by
// AES-GCM ciphertext wrapping a JSON-encoded field map.
type AESDecryptor struct {
	key []byte // 16, 24 or 32 bytes (AES-128/192/256)
}

func NewAESDecryptor(key []byte) *AESDecryptor {
	return &AESDecryptor{key: key}
}

func (d *AESDecryptor) Decrypt(_ context.Context, blob []byte) (map[string]string, error) {
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return nil, fmt.Errorf("credential: invalid key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: gcm init: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("credential: malformed blob")
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credential: decrypt failed: %w", err)
	}
	var fields map[string]string
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("credential: malformed plaintext: %w", err)
	}
	return fields, nil
}

// AESEncrypt is the matching helper used by tests to produce fixtures; the
// encryption side is out of the core's scope (§6) but useful for fixtures.
func AESEncrypt(key []byte, fields map[string]string) ([]byte, error) {
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}
