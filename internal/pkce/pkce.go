// Package pkce implements the S256 proof-key flow from RFC 7636. The plain
// method is rejected outright.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// MethodS256 is the only accepted code challenge method.
	MethodS256 = "S256"

	minVerifierLen = 43
	maxVerifierLen = 128
)

var (
	// ErrInvalidVerifier is returned when a verifier fails the RFC 7636
	// format rules.
	ErrInvalidVerifier = errors.New("invalid code verifier")

	// ErrVerifierMismatch is returned when the verifier does not hash to
	// the recorded challenge.
	ErrVerifierMismatch = errors.New("code verifier does not match challenge")

	// ErrUnsupportedMethod is returned for any method other than S256.
	ErrUnsupportedMethod = errors.New("unsupported code challenge method")
)

// GenerateVerifier returns a fresh high-entropy code verifier: 32 random
// bytes, base64url-encoded without padding (43 characters).
func GenerateVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ChallengeS256 derives the S256 challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidFormat reports whether s satisfies the RFC 7636 verifier grammar:
// 43-128 characters from the unreserved set [A-Za-z0-9-._~].
func ValidFormat(s string) bool {
	if len(s) < minVerifierLen || len(s) > maxVerifierLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

// VerifyS256 checks a verifier against a recorded challenge. The method must
// be exactly "S256"; the comparison is constant time.
func VerifyS256(verifier, challenge, method string) error {
	if method != MethodS256 {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if !ValidFormat(verifier) {
		return ErrInvalidVerifier
	}
	derived := ChallengeS256(verifier)
	if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
		return ErrVerifierMismatch
	}
	return nil
}
