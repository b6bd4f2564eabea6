package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SignMessage computes an HMAC-SHA256 signature over content, keyed by the
// signer's private key. Returns a hex string.
//
// Note: verification requires the signer's private key, so only a party that
// already holds it can check the signature. This is a known limitation of the
// deployed scheme, kept for wire compatibility.
func SignMessage(content, privateKey string) string {
	mac := hmac.New(sha256.New, []byte(privateKey))
	mac.Write([]byte(content))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature in constant time.
func VerifySignature(content, signature, privateKey string) bool {
	expected := SignMessage(content, privateKey)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Checksum returns the SHA-256 digest of data as a hex string.
func Checksum(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// TruncatedChecksum returns the first n hex characters of the SHA-256 digest.
func TruncatedChecksum(data []byte, n int) string {
	sum := Checksum(data)
	if n > len(sum) {
		n = len(sum)
	}
	return sum[:n]
}

// ComputeDataHash returns the SHA-256 digest of the canonical JSON
// serialization of v. Struct fields marshal in declaration order and map keys
// are sorted, so equal values always hash identically. Used for tamper and
// corruption detection, not authentication.
func ComputeDataHash(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize data for hashing: %w", err)
	}
	return Checksum(data), nil
}
