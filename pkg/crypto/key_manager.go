package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
)

// EnvKeyPrefix names the master key variables: MASTER_ENCRYPTION_KEY is
// version 1, MASTER_ENCRYPTION_KEY_V2 version 2, and so on.
const EnvKeyPrefix = "MASTER_ENCRYPTION_KEY"

const maxKeyVersion = 10

var ErrKeyNotFound = errors.New("encryption key not found")

// KeyManager holds every configured master key version. The highest version
// seals; any loaded version opens. It is immutable after construction and
// safe for concurrent use.
type KeyManager struct {
	current int
	keys    map[int]*sealKey
}

// NewKeyManager loads base64 keys through lookup (os.Getenv in production).
// Version 1 is required.
func NewKeyManager(lookup func(string) string) (*KeyManager, error) {
	km := &KeyManager{keys: make(map[int]*sealKey)}

	for v := 1; v <= maxKeyVersion; v++ {
		name := EnvKeyPrefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", EnvKeyPrefix, v)
		}
		raw := lookup(name)
		if raw == "" {
			if v == 1 {
				return nil, fmt.Errorf("load primary key %s: %w", name, ErrKeyNotFound)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", name, err)
		}
		sk, err := newSealKey(key, v)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", name, err)
		}
		km.keys[v] = sk
		km.current = v
	}
	return km, nil
}

// Seal encrypts plaintext bound to scope with the current key version.
func (km *KeyManager) Seal(plaintext, scope string) (string, error) {
	return km.keys[km.current].seal(plaintext, scope)
}

// Open decrypts a sealed value with the key version named in its envelope.
func (km *KeyManager) Open(sealed, scope string) (string, error) {
	version, payload, err := parseEnvelope(sealed)
	if err != nil {
		return "", err
	}
	key, ok := km.keys[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return key.open(payload, scope)
}

// Reseal opens a value and seals it again under the current version. Values
// already on the current version are returned unchanged.
func (km *KeyManager) Reseal(sealed, scope string) (string, error) {
	if ParseVersion(sealed) == km.current {
		return sealed, nil
	}
	plaintext, err := km.Open(sealed, scope)
	if err != nil {
		return "", fmt.Errorf("open for reseal: %w", err)
	}
	return km.Seal(plaintext, scope)
}

// CurrentVersion is the version new values are sealed with.
func (km *KeyManager) CurrentVersion() int { return km.current }

// Versions lists the loaded key versions in ascending order.
func (km *KeyManager) Versions() []int {
	out := make([]int, 0, len(km.keys))
	for v := range km.keys {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// GenerateKey returns a random base64 AES-256 key for MASTER_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
