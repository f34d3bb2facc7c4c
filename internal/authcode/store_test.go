package authcode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authz-engine/oauth-core/internal/pkce"
	"github.com/authz-engine/oauth-core/internal/storage"
)

func issueTestCode(t *testing.T, store *Store, repo storage.Repository, req IssueRequest) *storage.AuthorizationCode {
	t.Helper()
	if req.ClientID == "" {
		req.ClientID = "c-1"
	}
	if req.UserID == "" {
		req.UserID = "u-1"
	}
	if req.RedirectURI == "" {
		req.RedirectURI = "https://app.example.com/callback"
	}
	code, err := store.Issue(context.Background(), repo, req)
	require.NoError(t, err)
	return code
}

func TestIssue(t *testing.T) {
	store := NewStore(nil)
	repo := storage.NewMemoryRepository()

	code := issueTestCode(t, store, repo, IssueRequest{Scope: []string{"openid"}})
	assert.Len(t, code.Code, 64, "32 random bytes hex encoded")
	assert.WithinDuration(t, time.Now().Add(TTL), code.ExpiresAt, time.Second)

	stored, err := repo.FindAuthCode(context.Background(), code.Code)
	require.NoError(t, err)
	assert.Nil(t, stored.ConsumedAt)
}

func TestRedeem_Success(t *testing.T) {
	store := NewStore(nil)
	repo := storage.NewMemoryRepository()
	ctx := context.Background()

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)

	code := issueTestCode(t, store, repo, IssueRequest{
		Scope:           []string{"openid", "profile"},
		CodeChallenge:   pkce.ChallengeS256(verifier),
		ChallengeMethod: "S256",
		Nonce:           "n-1",
	})

	redeemed, err := store.Redeem(ctx, repo, RedeemRequest{
		Code:         code.Code,
		ClientID:     "c-1",
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "profile"}, redeemed.Scope)
	assert.Equal(t, "n-1", redeemed.Nonce)

	stored, err := repo.FindAuthCode(ctx, code.Code)
	require.NoError(t, err)
	assert.NotNil(t, stored.ConsumedAt)
}

func TestRedeem_UnknownCode(t *testing.T) {
	store := NewStore(nil)
	repo := storage.NewMemoryRepository()

	_, err := store.Redeem(context.Background(), repo, RedeemRequest{
		Code:        "does-not-exist",
		ClientID:    "c-1",
		RedirectURI: "https://app.example.com/callback",
	})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestRedeem_SecondUseIsReplay(t *testing.T) {
	store := NewStore(nil)
	repo := storage.NewMemoryRepository()
	ctx := context.Background()

	code := issueTestCode(t, store, repo, IssueRequest{})
	req := RedeemRequest{
		Code:        code.Code,
		ClientID:    "c-1",
		RedirectURI: "https://app.example.com/callback",
	}

	_, err := store.Redeem(ctx, repo, req)
	require.NoError(t, err)

	_, err = store.Redeem(ctx, repo, req)
	assert.ErrorIs(t, err, ErrCodeReplayed)
}

func TestRevokeDerived(t *testing.T) {
	store := NewStore(nil)
	repo := storage.NewMemoryRepository()
	ctx := context.Background()

	code := issueTestCode(t, store, repo, IssueRequest{})
	require.NoError(t, repo.CreateAccessToken(ctx, &storage.AccessToken{
		ID: "at-1", TokenHash: "ah-1", JTI: "aj-1", ClientID: "c-1",
		AuthCode: code.Code, ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, repo.CreateRefreshToken(ctx, &storage.RefreshToken{
		ID: "rt-1", TokenHash: "rh-1", JTI: "rj-1", ClientID: "c-1",
		AuthCode: code.Code, ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, store.RevokeDerived(ctx, repo, code.Code))

	at, err := repo.FindAccessTokenByHash(ctx, "ah-1")
	require.NoError(t, err)
	assert.True(t, at.Revoked)

	rt, err := repo.FindRefreshTokenByHash(ctx, "rh-1")
	require.NoError(t, err)
	assert.True(t, rt.Revoked)

	for _, jti := range []string{"aj-1", "rj-1"} {
		revoked, err := repo.IsJTIBlacklisted(ctx, jti)
		require.NoError(t, err)
		assert.True(t, revoked, "jti %s must be blacklisted", jti)
	}
}

func TestRedeem_ExpiredCode(t *testing.T) {
	store := NewStore(nil)
	repo := storage.NewMemoryRepository()
	ctx := context.Background()

	code := issueTestCode(t, store, repo, IssueRequest{})
	// Backdate past the TTL.
	code.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, repo.DeleteAuthCode(ctx, code.Code))
	require.NoError(t, repo.CreateAuthCode(ctx, code))

	_, err := store.Redeem(ctx, repo, RedeemRequest{
		Code:        code.Code,
		ClientID:    "c-1",
		RedirectURI: "https://app.example.com/callback",
	})
	assert.ErrorIs(t, err, ErrCodeExpired)

	// Redeem itself leaves the record alone; deleting it is the caller's
	// job, in a transaction that commits.
	found, err := repo.FindAuthCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Nil(t, found.ConsumedAt)
}

func TestRedeem_WrongClient(t *testing.T) {
	store := NewStore(nil)
	repo := storage.NewMemoryRepository()

	code := issueTestCode(t, store, repo, IssueRequest{})
	_, err := store.Redeem(context.Background(), repo, RedeemRequest{
		Code:        code.Code,
		ClientID:    "c-other",
		RedirectURI: "https://app.example.com/callback",
	})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestRedeem_WrongRedirectURI(t *testing.T) {
	store := NewStore(nil)
	repo := storage.NewMemoryRepository()

	code := issueTestCode(t, store, repo, IssueRequest{})
	_, err := store.Redeem(context.Background(), repo, RedeemRequest{
		Code:        code.Code,
		ClientID:    "c-1",
		RedirectURI: "https://evil.example.com/callback",
	})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestRedeem_PKCEMismatchLeavesCodeUnconsumed(t *testing.T) {
	store := NewStore(nil)
	repo := storage.NewMemoryRepository()
	ctx := context.Background()

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)

	code := issueTestCode(t, store, repo, IssueRequest{
		CodeChallenge:   pkce.ChallengeS256(verifier),
		ChallengeMethod: "S256",
	})

	wrong, err := pkce.GenerateVerifier()
	require.NoError(t, err)

	_, err = store.Redeem(ctx, repo, RedeemRequest{
		Code:         code.Code,
		ClientID:     "c-1",
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: wrong,
	})
	assert.ErrorIs(t, err, ErrPKCEFailed)

	// The mismatch must not burn the code; a correct retry succeeds.
	_, err = store.Redeem(ctx, repo, RedeemRequest{
		Code:         code.Code,
		ClientID:     "c-1",
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
	})
	assert.NoError(t, err)
}

func TestRedeem_MissingVerifierWhenChallengeRecorded(t *testing.T) {
	store := NewStore(nil)
	repo := storage.NewMemoryRepository()

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)

	code := issueTestCode(t, store, repo, IssueRequest{
		CodeChallenge:   pkce.ChallengeS256(verifier),
		ChallengeMethod: "S256",
	})

	_, err = store.Redeem(context.Background(), repo, RedeemRequest{
		Code:        code.Code,
		ClientID:    "c-1",
		RedirectURI: "https://app.example.com/callback",
	})
	assert.ErrorIs(t, err, ErrPKCEFailed)
}
