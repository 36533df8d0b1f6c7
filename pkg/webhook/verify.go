// Package webhook verifies inbound webhook signatures. Verification is a
// self-contained primitive: every scheme returns a plain boolean and
// malformed input is simply false, never an error or a panic.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Scheme selects how the provider encodes the signature header.
type Scheme string

const (
	// SchemeGitHub is the X-Hub-Signature-256 format: "sha256=" followed
	// by the hex HMAC-SHA256 of the payload.
	SchemeGitHub Scheme = "github"
	// SchemeToken is plain shared-token equality (no payload binding).
	SchemeToken Scheme = "token"
	// SchemeHexHMAC is a bare hex HMAC-SHA256 with no prefix.
	SchemeHexHMAC Scheme = "hex-hmac"
)

// Verify dispatches to the scheme's verifier. Unknown schemes fail closed.
func Verify(scheme Scheme, payload []byte, header, secret string) bool {
	switch scheme {
	case SchemeGitHub:
		return VerifyGitHubSignature(payload, header, secret)
	case SchemeToken:
		return VerifyToken(header, secret)
	case SchemeHexHMAC:
		return VerifyHexHMAC(payload, header, secret)
	default:
		return false
	}
}

// VerifyGitHubSignature checks a "sha256=<hex>" header against the payload.
func VerifyGitHubSignature(payload []byte, header, secret string) bool {
	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return VerifyHexHMAC(payload, digest, secret)
}

// VerifyToken compares a shared token in constant time.
func VerifyToken(header, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(secret)) == 1
}

// VerifyHexHMAC checks a bare hex-encoded HMAC-SHA256 of the payload.
func VerifyHexHMAC(payload []byte, digest, secret string) bool {
	if digest == "" || secret == "" {
		return false
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
