// Package authtoken derives the optional REGISTER trust token from a
// shared cluster secret, the same PBKDF2-HMAC-SHA256 construction the
// codebase's document-store authentication layer uses for password
// verification — repurposed here as a lightweight cluster-membership
// check, not a full user/credential system.
package authtoken

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	iterationCount = 4096
	keyLength      = 32
)

// Derive computes the REGISTER token a participant must present when the
// coordinator is configured with a shared secret. The participant id is
// used as the PBKDF2 salt so that every participant gets a distinct token
// even under the same secret.
func Derive(secret, participantID string) string {
	key := pbkdf2.Key([]byte(secret), []byte(participantID), iterationCount, keyLength, sha256.New)
	return hex.EncodeToString(key)
}

// Verify reports whether token is the token a participant with the given
// id should present under secret. A constant-time comparison avoids
// leaking the correct token through timing.
func Verify(secret, participantID, token string) bool {
	want := Derive(secret, participantID)
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}
