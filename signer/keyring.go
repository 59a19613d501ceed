// Package signer holds custodial credentials encrypted at rest and signs with
// them on request. Key material never leaves this package.
package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12
	// VersionPrefix is the prefix for encrypted data
	VersionPrefix = "ENC[v%d]:"

	envKeyPrefix = "MASTER_ENCRYPTION_KEY"
	maxVersions  = 10
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrKeyNotFound       = errors.New("encryption key not found")
)

// Encryptor handles AES-256-GCM encryption and decryption for one key version.
type Encryptor struct {
	gcm     cipher.AEAD
	version int
}

// NewEncryptor creates a new Encryptor with the given key.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{gcm: gcm, version: version}, nil
}

// Encrypt returns ENC[vN]:base64(nonce+ciphertext).
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf(VersionPrefix, e.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(ciphertext string) ([]byte, error) {
	idx := strings.Index(ciphertext, "]:")
	if !strings.HasPrefix(ciphertext, "ENC[v") || idx == -1 {
		return nil, ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext[idx+2:])
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := e.gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ParseVersion extracts the version number from an encrypted string.
// Returns 0 if the format is invalid.
func ParseVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}

// KeyRing holds every loaded key version. New blobs use the latest one.
type KeyRing struct {
	mu         sync.RWMutex
	current    int
	encryptors map[int]*Encryptor
}

// NewKeyRing builds a ring from explicit keys, version -> 32-byte key.
func NewKeyRing(keys map[int][]byte) (*KeyRing, error) {
	kr := &KeyRing{encryptors: make(map[int]*Encryptor)}
	for v, key := range keys {
		enc, err := NewEncryptor(key, v)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", v, err)
		}
		kr.encryptors[v] = enc
		if v > kr.current {
			kr.current = v
		}
	}
	if kr.current == 0 {
		return nil, ErrKeyNotFound
	}
	return kr, nil
}

// KeyRingFromEnv loads MASTER_ENCRYPTION_KEY (v1, required) and
// MASTER_ENCRYPTION_KEY_V2..V10 (optional), each base64 encoded.
func KeyRingFromEnv() (*KeyRing, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= maxVersions; v++ {
		name := envKeyPrefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", envKeyPrefix, v)
		}
		raw := os.Getenv(name)
		if raw == "" {
			if v == 1 {
				return nil, fmt.Errorf("%s: %w", name, ErrKeyNotFound)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", name, err)
		}
		keys[v] = key
	}
	return NewKeyRing(keys)
}

// Encrypt seals plaintext with the current key version.
func (kr *KeyRing) Encrypt(plaintext []byte) (string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.encryptors[kr.current].Encrypt(plaintext)
}

// Decrypt picks the key version from the ciphertext prefix.
func (kr *KeyRing) Decrypt(ciphertext string) ([]byte, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return nil, ErrInvalidCiphertext
	}
	kr.mu.RLock()
	enc, ok := kr.encryptors[version]
	kr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key version %d not available", version)
	}
	return enc.Decrypt(ciphertext)
}

// CurrentVersion returns the version new blobs are sealed with.
func (kr *KeyRing) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// GenerateKey returns a random base64-encoded AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
