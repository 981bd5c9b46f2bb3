package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// StateBytes is the entropy of a generated CSRF state token.
const StateBytes = 32

// GenerateState returns a URL-safe random token with StateBytes of entropy.
func GenerateState() (string, error) {
	b := make([]byte, StateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GeneratePKCECodes generates a code verifier and code challenge for PKCE.
// Uses the S256 challenge method (SHA-256 hash, base64url encoded).
func GeneratePKCECodes() (codeVerifier, codeChallenge string, err error) {
	// 64 random bytes encode to 86 characters, inside the 43-128 range
	verifierBytes := make([]byte, 64)
	if _, err := rand.Read(verifierBytes); err != nil {
		return "", "", err
	}
	codeVerifier = base64.RawURLEncoding.EncodeToString(verifierBytes)
	return codeVerifier, ChallengeS256(codeVerifier), nil
}

// ChallengeS256 derives the S256 code challenge for a verifier.
func ChallengeS256(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// VerifyPKCE verifies that the code verifier matches the code challenge.
func VerifyPKCE(codeVerifier, codeChallenge string) bool {
	return EqualTokens(ChallengeS256(codeVerifier), codeChallenge)
}

// EqualTokens compares two secrets in constant time. Empty values never match.
func EqualTokens(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
