package webhooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyAcceptsValidSignature(t *testing.T) {
	body := []byte(`{"id":"evt-1","type":"page.created"}`)
	secret := "whsec_abc123"

	assert.True(t, Verify(body, secret, Sign(body, secret)))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"id":"evt-1","type":"page.created"}`)
	secret := "whsec_abc123"
	header := Sign(body, secret)

	tampered := make([]byte, len(body))
	copy(tampered, body)
	tampered[5] ^= 0x01

	assert.False(t, Verify(tampered, secret, header))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"id":"evt-1"}`)
	header := Sign(body, "whsec_abc123")

	assert.False(t, Verify(body, "whsec_abc124", header))
}

func TestVerifyRequiresPrefix(t *testing.T) {
	body := []byte(`{"id":"evt-1"}`)
	secret := "whsec_abc123"
	header := Sign(body, secret)

	assert.False(t, Verify(body, secret, header[len(SignaturePrefix):]))
	assert.False(t, Verify(body, secret, "md5="+header[len(SignaturePrefix):]))
	assert.False(t, Verify(body, secret, ""))
}

func TestVerifyRejectsEmptySecret(t *testing.T) {
	body := []byte(`{"id":"evt-1"}`)

	assert.False(t, Verify(body, "", Sign(body, "")))
}
