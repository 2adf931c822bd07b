package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
)

// verifySignature checks a "<alg>=<hex>" header against the HMAC of body
func verifySignature(body []byte, signature, secret, algorithm string) bool {
	expected, ok := computeSignature(body, secret, algorithm)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

// computeSignature returns the header value a sender would produce
func computeSignature(body []byte, secret, algorithm string) (string, bool) {
	var newHash func() hash.Hash
	switch algorithm {
	case "sha256":
		newHash = sha256.New
	case "sha1":
		newHash = sha1.New
	default:
		return "", false
	}

	h := hmac.New(newHash, []byte(secret))
	h.Write(body)
	return fmt.Sprintf("%s=%s", algorithm, hex.EncodeToString(h.Sum(nil))), true
}
