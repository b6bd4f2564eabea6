// Package crypto implements the primitives of the classpair wire protocol:
// key-pair generation, shared-secret derivation, symmetric encryption, HMAC
// signing and integrity checksums.
//
// The key agreement is intentionally not a real Diffie-Hellman exchange: the
// "public" key is a one-way hash of the private key, and DeriveSharedSecret
// runs a KDF over the concatenation of one side's private key and the other
// side's public key. Two peers calling it with mirrored inputs derive
// different values unless the call sites coordinate which half each side
// contributes. This matches the deployed wire format and must not be changed
// without a protocol version bump; a production-grade replacement would be
// X25519.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Private key length in bytes (256 bits)
	PrivateKeyLength = 32

	// PBKDF2 iteration count for shared-secret derivation
	DerivationIterations = 10000

	// Derived shared-secret length in bytes (256 bits)
	SharedSecretLength = 32
)

// derivationSalt is fixed so both peers derive identical output from
// identical input. Secrecy comes from the private key, not the salt.
var derivationSalt = []byte("classpair-p2p-key-derivation")

// KeyPair holds a device keypair as hex strings. The public key is a
// SHA-256 digest of the private key and never reveals it.
type KeyPair struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// GenerateKeyPair creates a new random keypair.
func GenerateKeyPair() (*KeyPair, error) {
	raw := make([]byte, PrivateKeyLength)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	privateKey := hex.EncodeToString(raw)
	digest := sha256.Sum256([]byte(privateKey))

	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  hex.EncodeToString(digest[:]),
	}, nil
}

// DeriveSharedSecret derives a 256-bit secret from one side's private key and
// the peer's public key using PBKDF2-SHA256. Returns a hex string.
func DeriveSharedSecret(ownPrivateKey, peerPublicKey string) (string, error) {
	if ownPrivateKey == "" {
		return "", fmt.Errorf("own private key cannot be empty")
	}
	if peerPublicKey == "" {
		return "", fmt.Errorf("peer public key cannot be empty")
	}

	material := []byte(ownPrivateKey + peerPublicKey)
	secret := pbkdf2.Key(material, derivationSalt, DerivationIterations, SharedSecretLength, sha256.New)

	return hex.EncodeToString(secret), nil
}

// SecureWipe overwrites a byte slice with zeros.
func SecureWipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
