package crypto

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

	"github.com/evanharte/playsync/internal/logger"
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrInvalidKeySize    = errors.New("invalid key size")
)

// EncryptionManager handles encryption and decryption of per-user playback
// credentials stored in the database
type EncryptionManager struct {
	key    []byte
	logger *logger.Logger
}

// NewEncryptionManager creates a new encryption manager. The key comes from
// the ENCRYPTION_KEY environment variable, the key file under the data
// directory, or is generated and persisted on first use.
func NewEncryptionManager(dataDir string, log *logger.Logger) (*EncryptionManager, error) {
	key, err := getOrCreateEncryptionKey(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}

	return &EncryptionManager{
		key:    key,
		logger: log,
	}, nil
}

// NewEncryptionManagerWithKey creates an encryption manager with a specific
// 32-byte key. Used by tests.
func NewEncryptionManagerWithKey(key []byte, log *logger.Logger) (*EncryptionManager, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}
	return &EncryptionManager{
		key:    key,
		logger: log,
	}, nil
}

// DeriveKeyFromPassword derives an encryption key from a password using SHA-256
func DeriveKeyFromPassword(password string) []byte {
	hash := sha256.Sum256([]byte(password))
	return hash[:]
}

// Encrypt encrypts plaintext using AES-256-GCM
func (em *EncryptionManager) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(em.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts ciphertext using AES-256-GCM
func (em *EncryptionManager) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(em.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		em.logger.Error("Ciphertext too short", map[string]interface{}{
			"data_length": len(data),
			"nonce_size":  nonceSize,
		})
		return "", ErrInvalidCiphertext
	}

	nonce, cipherData := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// getOrCreateEncryptionKey gets the encryption key from the environment or
// the key file, creating and persisting a new one if neither exists
func getOrCreateEncryptionKey(dataDir string) ([]byte, error) {
	if keyStr := os.Getenv("ENCRYPTION_KEY"); keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err != nil {
			return nil, fmt.Errorf("failed to decode encryption key from environment: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
		}
		return key, nil
	}

	keyPath := getKeyFilePath(dataDir)
	if data, err := os.ReadFile(keyPath); err == nil {
		key, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode encryption key from file: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
		}
		return key, nil
	}

	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to save encryption key: %w", err)
	}

	return key, nil
}

func getKeyFilePath(dataDir string) string {
	if env := os.Getenv("DATA_DIR"); env != "" {
		dataDir = env
	}
	if dataDir == "" {
		dataDir = "./data"
	}
	os.MkdirAll(dataDir, 0755)
	return filepath.Join(dataDir, "encryption.key")
}
