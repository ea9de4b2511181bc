// Package sign computes webhook payload signatures. Signing is pure so its
// correctness can be checked without any HTTP in the loop.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header carries the payload signature on webhook deliveries.
const Header = "X-Tracker-Signature"

// Signature returns the hex HMAC-SHA256 of payload under secret.
func Signature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches payload under secret, in constant time.
func Verify(payload []byte, secret, sig string) bool {
	expected, err := hex.DecodeString(Signature(payload, secret))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
