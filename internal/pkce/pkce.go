// Package pkce generates the verifier/challenge pair and the anti-CSRF state
// nonce for the authorization-code flow (RFC 7636, S256 method).
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Verifier length in raw bytes before encoding. RFC 7636 allows 43-128
// encoded characters; 64 bytes encodes to 86.
const verifierLength = 64

// State nonce length in raw bytes before encoding.
const stateLength = 32

// Generate returns a new code verifier and its S256 challenge.
// The verifier comes from a cryptographically secure random source; the
// challenge is base64url(SHA-256(verifier)) without padding.
func Generate() (verifier, challenge string, err error) {
	raw := make([]byte, verifierLength)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	return verifier, Challenge(verifier), nil
}

// Challenge derives the S256 code challenge for a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// State returns a random state parameter for CSRF protection.
func State() (string, error) {
	raw := make([]byte, stateLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
