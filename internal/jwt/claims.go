// Package jwt issues and verifies the server's RS256 tokens: access tokens,
// rotating refresh tokens and OIDC ID tokens.
package jwt

import (
	jwtlib "github.com/golang-jwt/jwt/v5"
)

// TokenKind distinguishes the three token families the engine issues.
type TokenKind string

const (
	KindAccess  TokenKind = "access_token"
	KindRefresh TokenKind = "refresh_token"
	KindID      TokenKind = "id_token"
)

// Claims is the claim set carried by every token the engine issues.
// RegisteredClaims covers iss/sub/aud/exp/nbf/iat/jti.
type Claims struct {
	jwtlib.RegisteredClaims

	// ClientID is the public client identifier the token was issued to.
	ClientID string `json:"client_id,omitempty"`

	// Scope is the space-delimited granted scope.
	Scope string `json:"scope,omitempty"`

	// Permissions are the user's effective permissions at issuance time.
	Permissions []string `json:"permissions,omitempty"`

	// TokenType marks refresh tokens so they cannot pass as access tokens.
	TokenType string `json:"token_type,omitempty"`

	// OIDC profile claims, set on ID tokens only.
	Email             string `json:"email,omitempty"`
	EmailVerified     bool   `json:"email_verified,omitempty"`
	Name              string `json:"name,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Nonce             string `json:"nonce,omitempty"`
}

// HasScope reports whether the space-delimited scope claim contains name.
func (c *Claims) HasScope(name string) bool {
	start := 0
	for i := 0; i <= len(c.Scope); i++ {
		if i == len(c.Scope) || c.Scope[i] == ' ' {
			if c.Scope[start:i] == name {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// HasPermission reports whether the permissions claim contains name.
func (c *Claims) HasPermission(name string) bool {
	for _, p := range c.Permissions {
		if p == name {
			return true
		}
	}
	return false
}
