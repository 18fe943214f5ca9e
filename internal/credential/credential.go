// Package credential keeps provider API keys encrypted at rest.
// Values are sealed with AES-256-GCM under a key derived from a random
// per-installation salt and the current user, so a copied database is
// useless on another account.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// EncryptedPrefix marks values as encrypted in storage.
const EncryptedPrefix = "enc:v2:"

const saltSize = 32

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidFormat    = errors.New("invalid encrypted format")
)

// SecretPatterns are configuration keys whose values are always encrypted.
var SecretPatterns = []string{"*.api_key", "*.token", "*_API_KEY"}

// Manager seals and opens secret values.
type Manager struct {
	aead cipher.AEAD
}

// NewManager loads the salt at saltPath, creating it on first use.
func NewManager(saltPath string) (*Manager, error) {
	salt, err := loadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	h.Write(salt)
	if home, err := os.UserHomeDir(); err == nil {
		h.Write([]byte(home))
	}
	fmt.Fprintf(h, "uid:%d", os.Getuid())

	block, err := aes.NewCipher(h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Manager{aead: aead}, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path) // #nosec G304
	if err == nil && len(salt) == saltSize {
		return salt, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read credential salt: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to write credential salt: %w", err)
	}
	return salt, nil
}

// Encrypt seals plaintext. The empty string stays empty.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed value. Values without the prefix are returned as-is.
func (m *Manager) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrInvalidFormat, err)
	}
	n := m.aead.NonceSize()
	if len(raw) < n {
		return "", ErrInvalidFormat
	}
	plain, err := m.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// IsEncrypted checks if a value is already encrypted.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// IsSecret reports whether key names a value that must be encrypted.
func IsSecret(key string) bool {
	for _, pattern := range SecretPatterns {
		if ok, _ := doublestar.Match(pattern, key); ok {
			return true
		}
	}
	return false
}

// MaskSecret returns a masked version of a secret for display purposes.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// KeyValueStore is the persistence the Vault writes through.
type KeyValueStore interface {
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)
}

// Vault stores configuration values, encrypting the secret ones.
type Vault struct {
	store KeyValueStore
	m     *Manager
}

func NewVault(s KeyValueStore, m *Manager) *Vault {
	return &Vault{store: s, m: m}
}

func (v *Vault) Set(key, value string) error {
	if IsSecret(key) {
		sealed, err := v.m.Encrypt(value)
		if err != nil {
			return err
		}
		value = sealed
	}
	return v.store.SetConfig(key, value)
}

func (v *Vault) Get(key string) (string, error) {
	stored, err := v.store.GetConfig(key)
	if err != nil {
		return "", err
	}
	return v.m.Decrypt(stored)
}

// Lookup returns the stored value for key, falling back to the environment
// variable env. Stored values win.
func (v *Vault) Lookup(key, env string) string {
	if val, err := v.Get(key); err == nil && val != "" {
		return val
	}
	return os.Getenv(env)
}
