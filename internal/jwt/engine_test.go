package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authz-engine/oauth-core/internal/keys"
	"github.com/authz-engine/oauth-core/internal/storage"
)

func testEngine(t *testing.T, opts Options) (*Engine, *storage.MemoryRepository) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ks, err := keys.NewService(&keys.KeyPair{
		KID:        "v1",
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(ks.Close)

	if opts.Issuer == "" {
		opts.Issuer = "https://auth.example.com"
	}
	if opts.Audience == "" {
		opts.Audience = "api"
	}
	repo := storage.NewMemoryRepository()
	engine, err := NewEngine(ks, repo, opts, nil)
	require.NoError(t, err)
	return engine, repo
}

func TestEngine_DefaultTTLs(t *testing.T) {
	engine, _ := testEngine(t, Options{})

	assert.Equal(t, time.Hour, engine.AccessTokenTTL(0))
	assert.Equal(t, 30*24*time.Hour, engine.RefreshTokenTTL(0))

	// Client-specific overrides win.
	assert.Equal(t, 5*time.Minute, engine.AccessTokenTTL(5*time.Minute))
	assert.Equal(t, 24*time.Hour, engine.RefreshTokenTTL(24*time.Hour))
}

func TestEngine_AccessTokenRoundTrip(t *testing.T) {
	engine, _ := testEngine(t, Options{})
	ctx := context.Background()

	issued, err := engine.IssueAccessToken("u-1", "web-app", "openid profile", []string{"orders:read"}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.JTI)
	assert.Equal(t, HashToken(issued.Raw), issued.Hash)

	claims, err := engine.VerifyAccessToken(ctx, issued.Raw)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.Equal(t, "web-app", claims.ClientID)
	assert.True(t, claims.HasScope("openid"))
	assert.True(t, claims.HasScope("profile"))
	assert.False(t, claims.HasScope("prof"))
	assert.True(t, claims.HasPermission("orders:read"))
}

func TestEngine_RefreshTokenIsNotAnAccessToken(t *testing.T) {
	engine, _ := testEngine(t, Options{})
	ctx := context.Background()

	issued, err := engine.IssueRefreshToken("u-1", "web-app", "openid", 0)
	require.NoError(t, err)

	_, err = engine.VerifyAccessToken(ctx, issued.Raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims, err := engine.VerifyRefreshToken(ctx, issued.Raw)
	require.NoError(t, err)
	assert.Equal(t, string(KindRefresh), claims.TokenType)
}

func TestEngine_AccessTokenIsNotARefreshToken(t *testing.T) {
	engine, _ := testEngine(t, Options{})
	ctx := context.Background()

	issued, err := engine.IssueAccessToken("u-1", "web-app", "openid", nil, 0)
	require.NoError(t, err)

	_, err = engine.VerifyRefreshToken(ctx, issued.Raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEngine_ExpiredToken(t *testing.T) {
	engine, _ := testEngine(t, Options{})
	ctx := context.Background()

	issued, err := engine.IssueAccessToken("u-1", "web-app", "openid", nil, -time.Minute)
	require.NoError(t, err)

	_, err = engine.VerifyAccessToken(ctx, issued.Raw)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestEngine_RevokedJTI(t *testing.T) {
	engine, repo := testEngine(t, Options{})
	ctx := context.Background()

	issued, err := engine.IssueAccessToken("u-1", "web-app", "openid", nil, 0)
	require.NoError(t, err)

	require.NoError(t, repo.BlacklistJTI(ctx, issued.JTI, issued.ExpiresAt))

	_, err = engine.VerifyAccessToken(ctx, issued.Raw)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestEngine_WrongIssuerRejected(t *testing.T) {
	engine, _ := testEngine(t, Options{Issuer: "https://auth.example.com"})
	other, _ := testEngine(t, Options{Issuer: "https://other.example.com"})
	ctx := context.Background()

	issued, err := other.IssueAccessToken("u-1", "web-app", "openid", nil, 0)
	require.NoError(t, err)

	// Signature fails first (different key), but even a cross-signed token
	// would fail the issuer check.
	_, err = engine.VerifyAccessToken(ctx, issued.Raw)
	assert.Error(t, err)
}

func TestEngine_IDTokenProfileClaims(t *testing.T) {
	engine, _ := testEngine(t, Options{})

	user := &storage.User{
		ID:            "u-1",
		Email:         "ada@example.com",
		EmailVerified: true,
		Username:      "ada",
		GivenName:     "Ada",
		FamilyName:    "Lovelace",
	}

	issued, err := engine.IssueIDToken("web-app", IDTokenInput{
		User:  user,
		Scope: []string{"openid", "email", "profile"},
		Nonce: "n-123",
	})
	require.NoError(t, err)

	// ID tokens are audience-bound to the client, so the resource-server
	// verification path rejects them.
	_, err = engine.VerifyAccessToken(context.Background(), issued.Raw)
	assert.Error(t, err)
}

func TestEngine_IDTokenScopeFiltering(t *testing.T) {
	engine, _ := testEngine(t, Options{})

	user := &storage.User{ID: "u-1", Email: "ada@example.com", EmailVerified: true}

	// Without the email scope the email claims must stay out.
	issued, err := engine.IssueIDToken("web-app", IDTokenInput{
		User:  user,
		Scope: []string{"openid"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Raw)
}
