// Package crypto seals exchange key material at rest with AES-256-GCM.
//
// Sealed values look like ENC[v<version>]:base64(nonce|ciphertext|tag). The
// version names the master key; the scope (user, exchange, environment,
// field) is bound as additional data, so a value only opens on the row it
// was sealed for.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

const (
	envelopeHead = "ENC[v"
	envelopeSep  = "]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrScopeRequired     = errors.New("sealing scope is required")
)

// sealKey is one master key version with its AEAD built once.
type sealKey struct {
	version int
	aead    cipher.AEAD
}

func newSealKey(raw []byte, version int) (*sealKey, error) {
	if len(raw) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &sealKey{version: version, aead: aead}, nil
}

func (k *sealKey) seal(plaintext, scope string) (string, error) {
	if scope == "" {
		return "", ErrScopeRequired
	}
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := k.aead.Seal(nonce, nonce, []byte(plaintext), []byte(scope))
	return formatEnvelope(k.version, sealed), nil
}

func (k *sealKey) open(payload []byte, scope string) (string, error) {
	if scope == "" {
		return "", ErrScopeRequired
	}
	ns := k.aead.NonceSize()
	if len(payload) < ns+k.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := k.aead.Open(nil, payload[:ns], payload[ns:], []byte(scope))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func formatEnvelope(version int, payload []byte) string {
	return envelopeHead + strconv.Itoa(version) + envelopeSep + base64.StdEncoding.EncodeToString(payload)
}

// parseEnvelope splits a sealed value into its key version and raw payload.
func parseEnvelope(s string) (int, []byte, error) {
	rest, ok := strings.CutPrefix(s, envelopeHead)
	if !ok {
		return 0, nil, ErrInvalidCiphertext
	}
	ver, body, ok := strings.Cut(rest, envelopeSep)
	if !ok {
		return 0, nil, ErrInvalidCiphertext
	}
	version, err := strconv.Atoi(ver)
	if err != nil || version <= 0 {
		return 0, nil, ErrInvalidCiphertext
	}
	payload, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: base64: %v", ErrInvalidCiphertext, err)
	}
	return version, payload, nil
}

// ParseVersion returns the key version of a sealed value, or 0 if it is not
// one.
func ParseVersion(sealed string) int {
	v, _, err := parseEnvelope(sealed)
	if err != nil {
		return 0
	}
	return v
}

// Scope builds the sealing scope for one account's key material.
func Scope(parts ...string) string {
	return strings.Join(parts, "|")
}
