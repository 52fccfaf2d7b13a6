// Package sealed encrypts sensitive event content (system prompts) with a
// session-scoped XChaCha20-Poly1305 key.
//
// Sealed values are strings of the form
//
//	Prefix + base64([Version: 1 byte] [Nonce: 24 bytes] [Ciphertext+Tag])
//
// The prefix makes both operations idempotent: encrypting a sealed value or
// decrypting a plain one returns the input unchanged.
package sealed

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Prefix marks a sealed value.
const Prefix = "bluelamp-sealed:"

// KeySize is the size in bytes of the master key and derived session keys.
const KeySize = 32

// Version is the format byte, authenticated as additional data.
const Version byte = 0x01

var hkdfInfoSession = []byte("bluelamp.session.system-message.v1")

// ErrMalformed is returned for a prefixed value that cannot be decoded.
var ErrMalformed = errors.New("malformed sealed value")

// Service encrypts and decrypts content strings.
type Service interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(value string) (string, error)
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Null is a Service that stores content unchanged. Tests use it where the
// ciphertext itself is irrelevant.
type Null struct{}

func (Null) Encrypt(plaintext string) (string, error) { return plaintext, nil }
func (Null) Decrypt(value string) (string, error)     { return value, nil }

// Cipher seals values with a key derived for one session.
type Cipher struct {
	key []byte
}

// NewCipher derives the session key from masterKey and sessionID via
// HKDF-SHA256.
func NewCipher(masterKey []byte, sessionID string) (*Cipher, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	reader := hkdf.New(sha256.New, masterKey, []byte(sessionID), hkdfInfoSession)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals plaintext. A value that is already sealed is returned as is.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if IsSealed(plaintext) {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = Version
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], []byte(plaintext), []byte{Version})

	return Prefix + base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a sealed value. A value without the prefix is returned as is.
func (c *Cipher) Decrypt(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", fmt.Errorf("%w: %d bytes is too short", ErrMalformed, len(blob))
	}
	if blob[0] != Version {
		return "", fmt.Errorf("%w: version %d is not supported", ErrMalformed, blob[0])
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], []byte{Version})
	if err != nil {
		return "", fmt.Errorf("decryption failed (wrong key or tampered data): %w", err)
	}
	return string(plaintext), nil
}

// LoadOrCreateKey reads the master key at path, creating a random one with
// 0600 permissions if the file does not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != KeySize {
			return nil, fmt.Errorf("key file %s has %d bytes, expected %d", path, len(data), KeySize)
		}
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}
