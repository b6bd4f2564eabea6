package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// AES block size; also the IV length
	IVLength = aes.BlockSize

	// Maximum plaintext size to prevent DoS (16MB)
	MaxPlaintextSize = 16 * 1024 * 1024
)

// ErrUndecryptable is returned for every decryption failure regardless of
// cause (wrong key, malformed input, corrupt padding). Callers must treat it
// as "undecryptable" and must not try to distinguish why.
var ErrUndecryptable = errors.New("data could not be decrypted")

// EncryptForPeer encrypts plaintext with AES-256-CBC under the shared secret.
// The wire form is base64(iv) + ":" + base64(ciphertext) with a fresh random
// IV per call.
func EncryptForPeer(plaintext []byte, sharedSecret string) (string, error) {
	if len(plaintext) == 0 {
		return "", fmt.Errorf("plaintext cannot be empty")
	}
	if len(plaintext) > MaxPlaintextSize {
		return "", fmt.Errorf("plaintext too large: %d bytes (max: %d)", len(plaintext), MaxPlaintextSize)
	}

	key, err := secretKeyBytes(sharedSecret)
	if err != nil {
		return "", fmt.Errorf("invalid shared secret: %w", err)
	}
	defer SecureWipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, IVLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptFromPeer reverses EncryptForPeer. All failures collapse into
// ErrUndecryptable; it never panics.
func DecryptFromPeer(encrypted, sharedSecret string) ([]byte, error) {
	key, err := secretKeyBytes(sharedSecret)
	if err != nil {
		return nil, ErrUndecryptable
	}
	defer SecureWipe(key)

	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return nil, ErrUndecryptable
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != IVLength {
		return nil, ErrUndecryptable
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrUndecryptable
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrUndecryptable
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, ok := pkcs7Unpad(padded, aes.BlockSize)
	if !ok || len(plaintext) == 0 {
		return nil, ErrUndecryptable
	}

	return plaintext, nil
}

// secretKeyBytes decodes a hex-encoded 256-bit shared secret.
func secretKeyBytes(sharedSecret string) ([]byte, error) {
	key, err := hex.DecodeString(sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("secret is not valid hex")
	}
	if len(key) != SharedSecretLength {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", SharedSecretLength, len(key))
	}
	return key, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, false
		}
	}
	return data[:len(data)-padding], true
}
