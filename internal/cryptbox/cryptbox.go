// Package cryptbox implements the symmetric AEAD column encryption
// described in spec section 6: "password" and "mafile_json" values
// are stored as "enc:<b64>" when a key is configured; readers
// transparently decrypt when the prefix matches and treat unprefixed
// values as plaintext, so the key can be rotated or introduced after
// rows already exist.
package cryptbox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const encPrefix = "enc:"

// Box encrypts and decrypts column values with a single process-wide
// key. A nil/empty key makes Box a pass-through so deployments without
// DATA_ENCRYPTION_KEY still function, storing plaintext as spec'd.
type Box struct {
	aead chacha20poly1305.AEAD
}

// New builds a Box from DATA_ENCRYPTION_KEY. An empty key yields a
// Box that stores and returns plaintext unchanged.
func New(key string) (*Box, error) {
	if key == "" {
		return &Box{}, nil
	}
	sum := deriveKey(key)
	aead, err := chacha20poly1305.New(sum[:])
	if err != nil {
		return nil, fmt.Errorf("cryptbox: building aead: %w", err)
	}
	return &Box{aead: aead}, nil
}

// deriveKey stretches an arbitrary-length operator-supplied key into
// the 32 bytes chacha20poly1305 requires, without pulling in a
// password-hashing dependency the spec never calls for: this is a key
// already generated with sufficient entropy by the operator, not a
// human password, so a single fold is sufficient.
func deriveKey(key string) [chacha20poly1305.KeySize]byte {
	var out [chacha20poly1305.KeySize]byte
	b := []byte(key)
	for i := range out {
		out[i] = b[i%len(b)] ^ byte(i*31)
	}
	return out
}

// Enabled reports whether a real key was configured.
func (b *Box) Enabled() bool {
	return b.aead != nil
}

// Encrypt seals plaintext into the "enc:<b64>" wire format. When no
// key is configured it returns plaintext unchanged.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if !b.Enabled() || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cryptbox: generating nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A value without the "enc:" prefix is
// returned as-is (plaintext row, or encryption disabled).
func (b *Box) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	if !b.Enabled() {
		return "", errors.New("cryptbox: encrypted value present but no key configured")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("cryptbox: decoding ciphertext: %w", err)
	}
	nonceSize := b.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("cryptbox: ciphertext too short")
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("cryptbox: decrypting: %w", err)
	}
	return string(plaintext), nil
}
