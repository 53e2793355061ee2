// Package credential seals provider API tokens at rest and checks that a
// token is usable before any resource is created with it.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/terrpan/agentfleet/internal/provider"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrSealedCorrupt is returned when a sealed credential cannot be opened,
// either because it was tampered with or the key changed.
var ErrSealedCorrupt = errors.New("sealed credential cannot be opened")

// Vault encrypts tokens with a single symmetric key (NaCl secretbox).
type Vault struct {
	key [keySize]byte
}

// NewVault builds a Vault from a base64-encoded 32-byte key.
func NewVault(encodedKey string) (*Vault, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("credential key is not valid base64: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", keySize, len(raw))
	}
	v := &Vault{}
	copy(v.key[:], raw)
	clear(raw)
	return v, nil
}

// GenerateKey returns a fresh base64-encoded key suitable for NewVault.
func GenerateKey() (string, error) {
	var k [keySize]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(k[:]), nil
}

// Seal encrypts token.  The nonce is prepended to the ciphertext.
func (v *Vault) Seal(token provider.Token) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	plain := []byte(token.Reveal())
	defer clear(plain)
	return secretbox.Seal(nonce[:], plain, &nonce, &v.key), nil
}

// Open decrypts sealed and hands the token to fn.  Callers must not
// retain the token beyond fn.  The token is an immutable string, so its
// memory is left to the garbage collector; only the decryption buffer is
// cleared.  Open returns fn's error.
func (v *Vault) Open(sealed []byte, fn func(provider.Token) error) error {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return ErrSealedCorrupt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return ErrSealedCorrupt
	}
	defer clear(plain)

	return fn(provider.Token(plain))
}
