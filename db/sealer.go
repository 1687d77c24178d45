package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Sealer encrypts secret columns before they reach disk.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

// plainSealer stores values as-is. Used when no encryption key is configured.
type plainSealer struct{}

func (plainSealer) Seal(plain string) (string, error)  { return plain, nil }
func (plainSealer) Open(sealed string) (string, error) { return sealed, nil }

type gcmSealer struct {
	aead cipher.AEAD
}

// NewSealer returns an AES-GCM sealer for a hex encoded 16, 24 or 32 byte key.
// An empty key disables encryption.
func NewSealer(hexKey string) (Sealer, error) {
	if hexKey == "" {
		return plainSealer{}, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}

	return gcmSealer{aead: aead}, nil
}

func (s gcmSealer) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	return hex.EncodeToString(s.aead.Seal(nonce, nonce, []byte(plain), nil)), nil
}

func (s gcmSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	raw, err := hex.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding sealed value: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("sealed value too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("opening sealed value: %w", err)
	}
	return string(plain), nil
}
