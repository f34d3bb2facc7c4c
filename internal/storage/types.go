// Package storage defines the repository port the authorization server core
// consumes, together with the persisted record types it owns.
package storage

import (
	"time"
)

// ClientType distinguishes clients that can keep a secret from those that cannot.
type ClientType string

const (
	// ClientTypeConfidential is a server-side client holding a secret.
	ClientTypeConfidential ClientType = "confidential"
	// ClientTypePublic is a client that cannot keep a secret (SPA, mobile).
	ClientTypePublic ClientType = "public"
)

// Client is a registered OAuth2 client. The core reads clients; admin flows
// that create and mutate them live outside the core.
type Client struct {
	ID              string
	ClientID        string
	Type            ClientType
	SecretHash      string // bcrypt; empty iff public
	SecretExpiresAt *time.Time
	RedirectURIs    []string
	AllowedScopes   []string
	GrantTypes      []string
	JWKSURI         string
	RequirePKCE     bool
	IsActive        bool
	AccessTokenTTL  time.Duration // zero means server default
	RefreshTokenTTL time.Duration // zero means server default
	CreatedAt       time.Time
}

// IsPublic reports whether the client is a public client.
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// HasGrantType reports whether the client is registered for the grant type.
func (c *Client) HasGrantType(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// HasScope reports whether the scope is in the client's allowed set.
func (c *Client) HasScope(scope string) bool {
	for _, s := range c.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// PKCERequired reports whether PKCE is mandatory for this client.
// Public clients always require PKCE.
func (c *Client) PKCERequired() bool {
	return c.IsPublic() || c.RequirePKCE
}

// User is an end-user record. Read-only to the core.
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	Username      string
	GivenName     string
	FamilyName    string
	IsActive      bool
}

// Name returns the user's display name composed from given and family names.
func (u *User) Name() string {
	switch {
	case u.GivenName != "" && u.FamilyName != "":
		return u.GivenName + " " + u.FamilyName
	case u.GivenName != "":
		return u.GivenName
	case u.FamilyName != "":
		return u.FamilyName
	default:
		return u.Username
	}
}

// Scope is an entry in the global scope catalogue.
type Scope struct {
	Name     string
	IsPublic bool
	IsActive bool
}

// AuthorizationCode is a single-use code binding a consent decision to a
// client, user, redirect URI and PKCE challenge.
type AuthorizationCode struct {
	Code            string // 256-bit random, hex
	ClientID        string // surrogate client id
	UserID          string
	RedirectURI     string
	Scope           []string
	CodeChallenge   string
	ChallengeMethod string // always "S256" when a challenge is present
	Nonce           string
	ExpiresAt       time.Time
	ConsumedAt      *time.Time
	CreatedAt       time.Time
}

// AccessToken is the persisted record of an issued access token. Only the
// SHA-256 hash of the JWT is stored, never the JWT itself.
type AccessToken struct {
	ID        string
	TokenHash string // SHA-256 hex of the raw JWT
	JTI       string
	ClientID  string // surrogate client id
	UserID    string // empty for client-credentials tokens
	Scope     []string
	ExpiresAt time.Time
	Revoked   bool
	AuthCode  string // issuing authorization code, if any
	CreatedAt time.Time
}

// RefreshToken is the persisted record of an issued refresh token. Rotation
// links successive tokens through PreviousTokenID/ReplacedByTokenID.
type RefreshToken struct {
	ID                string
	TokenHash         string
	JTI               string
	ClientID          string
	UserID            string
	Scope             []string
	ExpiresAt         time.Time
	Revoked           bool
	RevokedAt         *time.Time
	PreviousTokenID   string
	ReplacedByTokenID string
	AuthCode          string
	CreatedAt         time.Time
}

// PendingAuthorization is a validated authorize request awaiting the user's
// consent decision, which an external consent UI collaborator supplies.
type PendingAuthorization struct {
	ID              string
	ClientID        string // surrogate client id
	UserID          string
	RedirectURI     string
	Scope           []string
	State           string
	Nonce           string
	CodeChallenge   string
	ChallengeMethod string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorUser   ActorType = "USER"
	ActorClient ActorType = "CLIENT"
	ActorSystem ActorType = "SYSTEM"
)

// AuditStatus is the terminal outcome of an audited action.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "SUCCESS"
	AuditFailure AuditStatus = "FAILURE"
)

// AuditEntry is a single audit log record.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	ActorType ActorType      `json:"actor_type"`
	ActorID   string         `json:"actor_id,omitempty"`
	Status    AuditStatus    `json:"status"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
