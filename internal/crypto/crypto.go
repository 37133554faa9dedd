// Package crypto holds the ciphers used around payments: AES-GCM sealing of
// gateway responses kept with payment transactions, and the fixed-IV AES-CBC
// that Sadad checksums use.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix versions the stored format so the key or cipher can change
// without guessing what old rows hold.
const sealedPrefix = "v1."

var (
	ErrMissingKey    = errors.New("encryption key is required")
	ErrInvalidKey    = errors.New("encryption key must be 32 bytes for AES-256")
	ErrMalformed     = errors.New("sealed value is malformed")
	ErrUnknownFormat = errors.New("sealed value has an unknown format")
	ErrWrongOrder    = errors.New("sealed value does not belong to this order")
)

// Sealer protects raw gateway responses at rest. Every value is bound to the
// order number it was sealed for and only opens for that order.
type Sealer interface {
	Seal(orderNumber string, plaintext []byte) (string, error)
	Open(orderNumber, sealed string) ([]byte, error)
}

type gcmSealer struct {
	aead cipher.AEAD
}

// NewSealer builds an AES-256-GCM sealer from ENCRYPTION_KEY.
func NewSealer(key string) (Sealer, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &gcmSealer{aead: aead}, nil
}

func (s *gcmSealer) Seal(orderNumber string, plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plaintext, associatedData(orderNumber))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *gcmSealer) Open(orderNumber, sealed string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return nil, ErrUnknownFormat
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(data) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrMalformed
	}

	nonce, ciphertext := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, associatedData(orderNumber))
	if err != nil {
		// GCM cannot tell a wrong key from a wrong order; the order binding
		// is the case that happens in practice.
		return nil, ErrWrongOrder
	}
	return plaintext, nil
}

func associatedData(orderNumber string) []byte {
	return []byte("gateway-response:" + orderNumber)
}
