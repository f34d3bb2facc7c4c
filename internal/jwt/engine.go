package jwt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authz-engine/oauth-core/internal/keys"
	"github.com/authz-engine/oauth-core/internal/storage"
)

var (
	// ErrTokenExpired is returned for structurally valid but expired tokens.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked is returned when the token's JTI is blacklisted.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrInvalidToken covers signature, claim and type failures.
	ErrInvalidToken = errors.New("invalid token")
)

// Engine issues and verifies the server's JWTs. Signing keys come from the
// key service; revocation state from the JTI blacklist.
type Engine struct {
	keys      *keys.Service
	blacklist storage.JTIBlacklist
	logger    *zap.Logger

	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	idTTL      time.Duration
}

// Options configures an Engine.
type Options struct {
	Issuer          string
	Audience        string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	IDTokenTTL      time.Duration
}

// NewEngine creates a token engine.
func NewEngine(ks *keys.Service, blacklist storage.JTIBlacklist, opts Options, logger *zap.Logger) (*Engine, error) {
	if ks == nil {
		return nil, fmt.Errorf("key service is required")
	}
	if opts.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AccessTokenTTL <= 0 {
		opts.AccessTokenTTL = time.Hour
	}
	if opts.RefreshTokenTTL <= 0 {
		opts.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if opts.IDTokenTTL <= 0 {
		opts.IDTokenTTL = opts.AccessTokenTTL
	}
	return &Engine{
		keys:       ks,
		blacklist:  blacklist,
		logger:     logger,
		issuer:     opts.Issuer,
		audience:   opts.Audience,
		accessTTL:  opts.AccessTokenTTL,
		refreshTTL: opts.RefreshTokenTTL,
		idTTL:      opts.IDTokenTTL,
	}, nil
}

// IssuedToken is a freshly signed token with the metadata its persisted
// record needs.
type IssuedToken struct {
	Raw       string
	JTI       string
	Hash      string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// AccessTokenTTL returns the effective access token lifetime, preferring the
// client-specific override.
func (e *Engine) AccessTokenTTL(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return e.accessTTL
}

// RefreshTokenTTL returns the effective refresh token lifetime.
func (e *Engine) RefreshTokenTTL(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return e.refreshTTL
}

// IssueAccessToken signs an access token. Subject is the user id, or the
// client id for client-credentials tokens. Permissions ride along for
// resource servers that enforce them.
func (e *Engine) IssueAccessToken(subject, clientID, scope string, permissions []string, ttl time.Duration) (*IssuedToken, error) {
	now := time.Now()
	if ttl <= 0 {
		ttl = e.accessTTL
	}
	claims := &Claims{
		RegisteredClaims: e.registered(subject, now, ttl),
		ClientID:         clientID,
		Scope:            scope,
		Permissions:      permissions,
	}
	return e.sign(claims, now)
}

// IssueRefreshToken signs a refresh token marked with token_type so it can
// never pass verification as an access token.
func (e *Engine) IssueRefreshToken(subject, clientID, scope string, ttl time.Duration) (*IssuedToken, error) {
	now := time.Now()
	if ttl <= 0 {
		ttl = e.refreshTTL
	}
	claims := &Claims{
		RegisteredClaims: e.registered(subject, now, ttl),
		ClientID:         clientID,
		Scope:            scope,
		TokenType:        string(KindRefresh),
	}
	return e.sign(claims, now)
}

// IDTokenInput carries the OIDC profile data for an ID token.
type IDTokenInput struct {
	User  *storage.User
	Scope []string
	Nonce string
}

// IssueIDToken signs an OIDC ID token. The audience is the client id, and
// profile claims are filtered by the granted scope.
func (e *Engine) IssueIDToken(clientID string, in IDTokenInput) (*IssuedToken, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    e.issuer,
			Subject:   in.User.ID,
			Audience:  jwtlib.ClaimStrings{clientID},
			ExpiresAt: jwtlib.NewNumericDate(now.Add(e.idTTL)),
			NotBefore: jwtlib.NewNumericDate(now),
			IssuedAt:  jwtlib.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Nonce: in.Nonce,
	}
	for _, s := range in.Scope {
		switch s {
		case "email":
			claims.Email = in.User.Email
			claims.EmailVerified = in.User.EmailVerified
		case "profile":
			claims.Name = in.User.Name()
			claims.GivenName = in.User.GivenName
			claims.FamilyName = in.User.FamilyName
			claims.PreferredUsername = in.User.Username
		}
	}
	return e.sign(claims, now)
}

func (e *Engine) registered(subject string, now time.Time, ttl time.Duration) jwtlib.RegisteredClaims {
	rc := jwtlib.RegisteredClaims{
		Issuer:    e.issuer,
		Subject:   subject,
		ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		NotBefore: jwtlib.NewNumericDate(now),
		IssuedAt:  jwtlib.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	if e.audience != "" {
		rc.Audience = jwtlib.ClaimStrings{e.audience}
	}
	return rc
}

func (e *Engine) sign(claims *Claims, now time.Time) (*IssuedToken, error) {
	raw, err := e.keys.Sign(claims)
	if err != nil {
		return nil, err
	}
	return &IssuedToken{
		Raw:       raw,
		JTI:       claims.ID,
		Hash:      HashToken(raw),
		ExpiresAt: claims.ExpiresAt.Time,
		IssuedAt:  now,
	}, nil
}

// HashToken returns the hex SHA-256 digest of a raw token. Stored records
// hold this digest, never the token itself.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// VerifyAccessToken verifies signature and claims of an access token and
// checks its JTI against the blacklist.
func (e *Engine) VerifyAccessToken(ctx context.Context, raw string) (*Claims, error) {
	claims, err := e.verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	if claims.TokenType == string(KindRefresh) {
		return nil, fmt.Errorf("%w: refresh token used as access token", ErrInvalidToken)
	}
	return claims, nil
}

// VerifyRefreshToken verifies a refresh token, requiring the refresh
// token_type marker.
func (e *Engine) VerifyRefreshToken(ctx context.Context, raw string) (*Claims, error) {
	claims, err := e.verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != string(KindRefresh) {
		return nil, fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}
	return claims, nil
}

func (e *Engine) verify(ctx context.Context, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwtlib.ParseWithClaims(raw, claims, e.keys.Keyfunc,
		jwtlib.WithValidMethods([]string{"RS256"}),
		jwtlib.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if err := e.validateStandardClaims(claims); err != nil {
		return nil, err
	}

	if e.blacklist != nil {
		revoked, err := e.blacklist.IsJTIBlacklisted(ctx, claims.ID)
		if err != nil {
			// Revocation state being unreachable must not take the whole
			// token path down; log and continue.
			e.logger.Warn("jti blacklist check failed", zap.Error(err))
		} else if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

func (e *Engine) validateStandardClaims(claims *Claims) error {
	now := time.Now()

	if claims.ExpiresAt == nil {
		return fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}
	if now.After(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return fmt.Errorf("%w: token not yet valid", ErrInvalidToken)
	}
	if claims.Issuer != e.issuer {
		return fmt.Errorf("%w: wrong issuer", ErrInvalidToken)
	}
	if e.audience != "" && !hasAudience(claims.Audience, e.audience) {
		return fmt.Errorf("%w: wrong audience", ErrInvalidToken)
	}
	if claims.ID == "" {
		return fmt.Errorf("%w: missing jti claim", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return nil
}

func hasAudience(aud jwtlib.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
