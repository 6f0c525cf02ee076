// Package crypto encrypts user exchange credentials at rest with
// AES-256-GCM. Ciphertexts carry a key-version prefix so keys can be rotated
// without re-encrypting every row up front.
package crypto

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
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	envKeyPrefix  = "MASTER_ENCRYPTION_KEY"
	versionFormat = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrKeyNotFound       = errors.New("encryption key not found in environment")
)

// Encryptor seals and opens secrets with a single key version.
type Encryptor struct {
	key     []byte
	version int
}

// NewEncryptor builds an encryptor for a 32-byte key.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Encryptor{key: key, version: version}, nil
}

// Encrypt returns "ENC[vN]:" + base64(nonce||ciphertext).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(versionFormat, e.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt for a ciphertext produced with this key version.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	idx := strings.Index(ciphertext, "]:")
	if !strings.HasPrefix(ciphertext, "ENC[v") || idx == -1 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// ParseVersion extracts the key version from a ciphertext, 0 when malformed.
func ParseVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext, versionFormat, &version); err != nil {
		return 0
	}
	return version
}

// KeyManager holds all loaded key versions and always encrypts with the
// newest one. Keys come from MASTER_ENCRYPTION_KEY (v1) and
// MASTER_ENCRYPTION_KEY_V2..V10, base64-encoded.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager loads keys from the environment; v1 is required.
func NewKeyManager() (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor)}

	if err := km.loadKey(1, envKeyPrefix); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	km.currentVer = 1

	for v := 2; v <= 10; v++ {
		if err := km.loadKey(v, fmt.Sprintf("%s_V%d", envKeyPrefix, v)); err == nil {
			km.currentVer = v
		}
	}
	return km, nil
}

func (km *KeyManager) loadKey(version int, envName string) error {
	encoded := os.Getenv(envName)
	if encoded == "" {
		return ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode key %s: %w", envName, err)
	}
	enc, err := NewEncryptor(key, version)
	if err != nil {
		return fmt.Errorf("create encryptor v%d: %w", version, err)
	}
	km.encryptors[version] = enc
	return nil
}

// Encrypt seals with the current key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.encryptors[km.currentVer].Encrypt(plaintext)
}

// Decrypt opens a ciphertext with whatever key version produced it.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return enc.Decrypt(ciphertext)
}

// CurrentVersion reports the version used for new ciphertexts.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// GenerateKey produces a random base64-encoded AES-256 key, for operator use.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
