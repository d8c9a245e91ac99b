// Package vault seals snapshot bytes with AES-GCM under a key derived from a passphrase.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrSealed is returned when sealed data is read without a passphrase.
	ErrSealed = errors.New("snapshot is sealed")
	// ErrOpen is returned when sealed data cannot be opened.
	ErrOpen = errors.New("cannot open sealed snapshot (wrong passphrase or tampered data)")
)

// magic prefixes every sealed blob; the byte after it is the layout version.
var magic = []byte("CXSEAL")

const (
	layoutVersion = 1
	saltSize      = 16
	keySize       = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// IsSealed reports whether data starts with the sealed header.
func IsSealed(data []byte) bool {
	return len(data) > len(magic) && bytes.HasPrefix(data, magic)
}

// Seal encrypts plaintext under passphrase. The output carries the header, the
// argon2id salt, the GCM nonce and the ciphertext, in that order.
func Seal(plaintext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("seal: empty passphrase")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	header := make([]byte, 0, len(magic)+1+saltSize+len(nonce))
	header = append(header, magic...)
	header = append(header, layoutVersion)
	header = append(header, salt...)
	header = append(header, nonce...)
	// The header is authenticated along with the payload.
	return gcm.Seal(header, nonce, plaintext, header), nil
}

// Open reverses Seal. Unsealed input is returned unchanged so callers can pass any
// snapshot through it.
func Open(data []byte, passphrase string) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	if passphrase == "" {
		return nil, ErrSealed
	}
	rest := data[len(magic):]
	if rest[0] != layoutVersion {
		return nil, fmt.Errorf("%w: unknown layout %d", ErrOpen, rest[0])
	}
	rest = rest[1:]
	if len(rest) < saltSize {
		return nil, fmt.Errorf("%w: truncated header", ErrOpen)
	}
	salt := rest[:saltSize]

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	rest = rest[saltSize:]
	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrOpen)
	}
	header := data[:len(data)-len(rest)+nonceSize]
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keySize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
