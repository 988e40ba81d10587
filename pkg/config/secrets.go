package config

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"addinhost/pkg/logging"
)

type SecretStore interface {
	GetSecret(ctx context.Context, key string) (string, error)
	SetSecret(ctx context.Context, key string, value string) error
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

type Encryption interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryption seals values with AES-256-GCM. Keys of any other length
// are stretched with SHA-256.
type AESEncryption struct {
	aead cipher.AEAD
}

func NewAESEncryption(key []byte) (*AESEncryption, error) {
	if len(key) != 32 {
		hash := sha256.Sum256(key)
		key = hash[:]
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESEncryption{aead: gcm}, nil
}

func (e *AESEncryption) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESEncryption) Decrypt(ciphertext []byte) ([]byte, error) {
	size := e.aead.NonceSize()
	if len(ciphertext) < size {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:size], ciphertext[size:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

const (
	secretExt      = ".enc"
	secretCacheTTL = 5 * time.Minute
)

// FileSecretStore keeps one encrypted, base64-encoded file per secret.
type FileSecretStore struct {
	basePath   string
	encryption Encryption
	logger     logging.Logger

	mu    sync.RWMutex
	cache map[string]cachedSecret
	now   func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewFileSecretStore(basePath string, encryption Encryption, logger logging.Logger) (*FileSecretStore, error) {
	if err := os.MkdirAll(basePath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secret store directory: %w", err)
	}
	return &FileSecretStore{
		basePath:   basePath,
		encryption: encryption,
		logger:     logging.OrNop(logger),
		cache:      make(map[string]cachedSecret),
		now:        time.Now,
	}, nil
}

func (s *FileSecretStore) path(key string) string {
	return filepath.Join(s.basePath, sanitizeKey(key)+secretExt)
}

func (s *FileSecretStore) GetSecret(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	cached, exists := s.cache[key]
	s.mu.RUnlock()
	if exists && cached.expiresAt.After(s.now()) {
		return cached.value, nil
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	plaintext, err := s.encryption.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret %s: %w", key, err)
	}
	value := string(plaintext)
	s.remember(key, value)
	return value, nil
}

func (s *FileSecretStore) SetSecret(ctx context.Context, key string, value string) error {
	ciphertext, err := s.encryption.Encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	if err := os.WriteFile(s.path(key), []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	s.remember(key, value)
	s.logger.Debug("Secret stored", "key", key)
	return nil
}

func (s *FileSecretStore) remember(key, value string) {
	s.mu.Lock()
	s.cache[key] = cachedSecret{value: value, expiresAt: s.now().Add(secretCacheTTL)}
	s.mu.Unlock()
}

func (s *FileSecretStore) DeleteSecret(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return fmt.Errorf("failed to delete secret file: %w", err)
	}
	return nil
}

// ListSecrets returns the stored keys in their sanitized form.
func (s *FileSecretStore) ListSecrets(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if key, ok := strings.CutSuffix(e.Name(), secretExt); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func sanitizeKey(key string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		"..", "_",
	)
	return replacer.Replace(key)
}
