package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyGitHubSignature(t *testing.T) {
	payload := []byte(`{"action":"opened"}`)
	secret := "hunter2"
	header := "sha256=" + sign(payload, secret)

	assert.True(t, VerifyGitHubSignature(payload, header, secret))

	// One flipped payload byte invalidates the signature.
	mutated := append([]byte(nil), payload...)
	mutated[0] ^= 0x01
	assert.False(t, VerifyGitHubSignature(mutated, header, secret))

	assert.False(t, VerifyGitHubSignature(payload, header, "wrong"))
	assert.False(t, VerifyGitHubSignature(payload, "", secret))
	assert.False(t, VerifyGitHubSignature(payload, sign(payload, secret), secret), "missing prefix")
	assert.False(t, VerifyGitHubSignature(payload, "sha256=not-hex", secret))
	assert.False(t, VerifyGitHubSignature(payload, "sha1="+sign(payload, secret), secret))
}

func TestVerifyToken(t *testing.T) {
	assert.True(t, VerifyToken("tok-123", "tok-123"))
	assert.False(t, VerifyToken("tok-123", "tok-456"))
	assert.False(t, VerifyToken("", "tok-123"))
	assert.False(t, VerifyToken("tok-123", ""))
	assert.False(t, VerifyToken("", ""))
}

func TestVerifyHexHMAC(t *testing.T) {
	payload := []byte("hello world")
	secret := "s3cret"

	assert.True(t, VerifyHexHMAC(payload, sign(payload, secret), secret))
	assert.False(t, VerifyHexHMAC(payload, sign(payload, "other"), secret))
	assert.False(t, VerifyHexHMAC(payload, "zz", secret))
	assert.False(t, VerifyHexHMAC(payload, "", secret))
	assert.False(t, VerifyHexHMAC(payload, sign(payload, secret), ""))
}

func TestVerifyDispatch(t *testing.T) {
	payload := []byte("payload")
	secret := "k"

	assert.True(t, Verify(SchemeGitHub, payload, "sha256="+sign(payload, secret), secret))
	assert.True(t, Verify(SchemeToken, nil, "k", secret))
	assert.True(t, Verify(SchemeHexHMAC, payload, sign(payload, secret), secret))
	assert.False(t, Verify(Scheme("unknown"), payload, sign(payload, secret), secret))
}
