package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/hkdf"
)

var (
	masterKeyOnce sync.Once
	masterKey     []byte
	masterKeyErr  error
	masterKeyPath string // Can be set via SetMasterKeyPath before first use
)

// hkdfInfo binds derived keys to their purpose so the same master material
// can never be reused for a different concern.
const hkdfInfo = "keywarden/signing-key-at-rest/v1"

// SetMasterKeyPath configures where to load the master encryption key from.
// This must be called before any encryption/decryption operations.
// If not set, the key will be loaded from the CORE_MASTER_KEY environment variable.
func SetMasterKeyPath(path string) {
	masterKeyPath = path
}

// loadMasterKey loads key material from either:
// 1. File specified by masterKeyPath (if set)
// 2. CORE_MASTER_KEY environment variable
// 3. Generates an ephemeral key for development (NOT for production)
//
// A 32-byte AES-256 key is then derived from the material with HKDF-SHA256.
func loadMasterKey() ([]byte, error) {
	var keyMaterial []byte

	if masterKeyPath != "" {
		data, err := os.ReadFile(masterKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read master key file: %w", err)
		}
		keyMaterial = data
	} else if envKey := os.Getenv("CORE_MASTER_KEY"); envKey != "" {
		keyMaterial = []byte(envKey)
	} else {
		// Development fallback - encrypted keys won't survive a restart
		keyMaterial = make([]byte, 32)
		if _, err := rand.Read(keyMaterial); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral master key: %w", err)
		}
	}

	derived := make([]byte, 32)
	kdf := hkdf.New(sha256.New, keyMaterial, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}
	return derived, nil
}

// getMasterKey returns the derived master key, loading it on first use.
func getMasterKey() ([]byte, error) {
	masterKeyOnce.Do(func() {
		masterKey, masterKeyErr = loadMasterKey()
	})
	if masterKeyErr != nil {
		return nil, masterKeyErr
	}
	return masterKey, nil
}

// EncryptPrivateKey encrypts a PEM-encoded private key using AES-256-GCM.
// The output format is: [12-byte nonce][encrypted data][16-byte auth tag]
// This ensures authenticated encryption with a random nonce per encryption.
func EncryptPrivateKey(pemData []byte) ([]byte, error) {
	key, err := getMasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get master key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// gcm.Seal appends the ciphertext and auth tag to nonce
	return gcm.Seal(nonce, nonce, pemData, nil), nil
}

// DecryptPrivateKey decrypts data encrypted with EncryptPrivateKey.
// Expects format: [12-byte nonce][encrypted data][16-byte auth tag]
func DecryptPrivateKey(encryptedData []byte) ([]byte, error) {
	key, err := getMasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get master key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(encryptedData) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := encryptedData[:nonceSize], encryptedData[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}
