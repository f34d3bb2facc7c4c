package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when creating a duplicate record.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrCodeConsumed is returned when consuming an authorization code that
	// was already consumed. Exactly one concurrent consumer wins.
	ErrCodeConsumed = errors.New("authorization code already consumed")
)

// JTIBlacklist is the replay-prevention record for token identifiers.
// A matching JTI must be treated as revoked during verification.
type JTIBlacklist interface {
	// BlacklistJTI records a JTI as revoked until expiresAt.
	BlacklistJTI(ctx context.Context, jti string, expiresAt time.Time) error

	// IsJTIBlacklisted reports whether a JTI has been revoked.
	IsJTIBlacklisted(ctx context.Context, jti string) (bool, error)
}

// Repository is the persistence port consumed by the core. Implementations
// are collaborators; the core never assumes an on-disk layout.
//
// All methods honour context cancellation. Multi-row mutations tied to a
// single protocol step (code consumption plus token issuance, refresh
// rotation) must run inside WithinTx.
type Repository interface {
	JTIBlacklist

	// Clients, users and scopes are owned by collaborators; read-only here.
	FindClientByClientID(ctx context.Context, clientID string) (*Client, error)
	FindClientByID(ctx context.Context, id string) (*Client, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindActiveScopes(ctx context.Context, names []string) ([]*Scope, error)
	GetUserEffectivePermissions(ctx context.Context, userID string) ([]string, error)

	// Authorization codes.
	CreateAuthCode(ctx context.Context, code *AuthorizationCode) error
	FindAuthCode(ctx context.Context, code string) (*AuthorizationCode, error)
	// ConsumeAuthCode sets consumedAt iff it is currently unset. A second
	// attempt returns ErrCodeConsumed.
	ConsumeAuthCode(ctx context.Context, code string, at time.Time) error
	DeleteAuthCode(ctx context.Context, code string) error
	// RevokeTokensIssuedForCode revokes every access and refresh token whose
	// record references the given authorization code, returning the revoked
	// tokens so their JTIs can be blacklisted.
	RevokeTokensIssuedForCode(ctx context.Context, code string) ([]*AccessToken, []*RefreshToken, error)

	// Access tokens.
	CreateAccessToken(ctx context.Context, token *AccessToken) error
	FindAccessTokenByHash(ctx context.Context, hash string) (*AccessToken, error)
	RevokeAccessTokenByHash(ctx context.Context, hash string) error

	// Refresh tokens.
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	FindRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error)
	// RevokeRefreshToken marks a token revoked and records its successor.
	RevokeRefreshToken(ctx context.Context, id, replacedByID string, at time.Time) error
	// RevokeRefreshTokenChain revokes every token reachable from id through
	// PreviousTokenID and ReplacedByTokenID links, returning the affected
	// tokens so their JTIs can be blacklisted.
	RevokeRefreshTokenChain(ctx context.Context, id string) ([]*RefreshToken, error)

	// Pending authorizations (consent bridge).
	CreatePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error
	// TakePendingAuthorization returns and removes a pending authorization;
	// a second take returns ErrNotFound.
	TakePendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error)

	// Audit.
	AppendAuditLog(ctx context.Context, entry *AuditEntry) error

	// WithinTx runs fn inside a single transaction. The Repository passed to
	// fn is transaction-bound; mutations become visible atomically on commit
	// and are discarded when fn returns an error.
	WithinTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
