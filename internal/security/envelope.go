package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length in bytes
	KeySize = 32

	keyInfo = "ampos-license-cache-v1"
)

// DeriveKey derives the cache encryption key from the license key and the
// host identity. The result is deterministic for a given pair and is never
// written to disk.
func DeriveKey(licenseKey, hostIdentity string) []byte {
	secret := []byte(licenseKey + "|" + hostIdentity)
	r := hkdf.New(sha256.New, secret, nil, []byte(keyInfo))

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails when asked for more than 255*HashLen bytes
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	return key
}

// Encrypt seals plaintext with AES-256-GCM. A fresh nonce is generated per
// call and prepended to the ciphertext; the result is standard base64.
func Encrypt(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It reports false for any malformed, truncated,
// tampered or wrongly keyed input and never panics.
func Decrypt(blob string, key []byte) ([]byte, bool) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, false
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, false
	}
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return nil, false
	}

	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SecureCompare performs constant-time comparison of two byte slices
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
