// Package secret encrypts credentials at rest. Values are sealed with
// XChaCha20-Poly1305 and prefixed "v1:" so legacy plaintext rows keep
// decrypting to themselves until they are rewritten.
package secret

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// EnvKeyName is the environment variable holding the base64 key.
const EnvKeyName = "FORGE_SECRET_KEY"

const versionPrefix = "v1:"

// Cipher seals and opens credential strings.
type Cipher struct {
	key []byte
}

// NewCipher builds a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	out := make([]byte, len(key))
	copy(out, key)
	return &Cipher{key: out}, nil
}

// GenerateKey returns a fresh random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := cryptorand.Read(key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	return key, nil
}

// EncodeKey renders a key for storage in env or config rows.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey parses a key produced by EncodeKey.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// EncryptString seals a plaintext value. Empty input stays empty so optional
// credential fields round-trip without noise.
func (c *Cipher) EncryptString(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := cryptorand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return versionPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a sealed value. Values without the version prefix are
// treated as legacy plaintext and returned unchanged; tampered ciphertexts
// return an error.
func (c *Cipher) DecryptString(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if !strings.HasPrefix(value, versionPrefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(value[len(versionPrefix):])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}

// KeyStore persists the generated key when no env key is provided.
type KeyStore interface {
	GetSecretKey(ctx context.Context) (string, error)
	SaveSecretKey(ctx context.Context, encoded string) error
}

// LoadCipher resolves the encryption key: FORGE_SECRET_KEY env first, then
// the persisted key, else a fresh key is generated and stored. Restarting
// with a different key only affects rows written since; legacy plaintext
// still round-trips.
func LoadCipher(ctx context.Context, store KeyStore) (*Cipher, error) {
	if encoded := os.Getenv(EnvKeyName); encoded != "" {
		key, err := DecodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvKeyName, err)
		}
		return NewCipher(key)
	}

	if store != nil {
		encoded, err := store.GetSecretKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("load persisted secret key: %w", err)
		}
		if encoded != "" {
			key, err := DecodeKey(encoded)
			if err != nil {
				return nil, fmt.Errorf("persisted secret key: %w", err)
			}
			return NewCipher(key)
		}
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if store != nil {
		if err := store.SaveSecretKey(ctx, EncodeKey(key)); err != nil {
			return nil, fmt.Errorf("persist secret key: %w", err)
		}
	}
	return NewCipher(key)
}
