package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix is the required scheme prefix on the signature header.
const SignaturePrefix = "sha256="

// Verify checks an inbound payload's HMAC-SHA256 signature. The header must
// carry the literal "sha256=" prefix followed by the hex digest of the raw,
// unparsed body keyed by the provider secret. Comparison is constant time.
// Malformed input of any kind verifies false, never panics or errors.
func Verify(rawBody []byte, secret string, signatureHeader string) bool {
	if secret == "" {
		return false
	}
	if !strings.HasPrefix(signatureHeader, SignaturePrefix) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signatureHeader[len(SignaturePrefix):]))
}

// Sign computes the signature header value for a body and secret. Used by
// tests and by outbound webhook simulation tooling.
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
