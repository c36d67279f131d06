// File: internal/infra/security/signer.go
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignHMAC computes the hex-encoded HMAC-SHA256 of body under secret.
// Used both to verify inbound provider signatures and to sign outbound
// delivery bodies.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether signature matches the HMAC-SHA256 of body
// under secret. Comparison is constant-time.
func VerifyHMAC(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := SignHMAC(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// EqualToken compares two shared tokens in constant time. Providers that
// do not sign payloads authenticate with a static token instead.
func EqualToken(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return hmac.Equal([]byte(configured), []byte(presented))
}
