package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_Clients(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddClient(&Client{
		ID:       "c-1",
		ClientID: "web-app",
		Type:     ClientTypeConfidential,
		IsActive: true,
	})

	ctx := context.Background()

	c, err := repo.FindClientByClientID(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, "c-1", c.ID)

	c, err = repo.FindClientByID(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "web-app", c.ClientID)

	_, err = repo.FindClientByClientID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_ConsumeAuthCode_SingleWinner(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	code := &AuthorizationCode{
		Code:      "abc123",
		ClientID:  "c-1",
		UserID:    "u-1",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, repo.CreateAuthCode(ctx, code))

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- repo.ConsumeAuthCode(ctx, "abc123", time.Now())
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrCodeConsumed):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one consumer must win")
	assert.Equal(t, workers-1, losses)

	stored, err := repo.FindAuthCode(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, stored.ConsumedAt)
}

func TestMemoryRepository_WithinTx_RollsBackOnError(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := repo.WithinTx(ctx, func(ctx context.Context, tx Repository) error {
		require.NoError(t, tx.CreateAccessToken(ctx, &AccessToken{
			ID:        "at-1",
			TokenHash: "hash-1",
			JTI:       "jti-1",
			ClientID:  "c-1",
			ExpiresAt: time.Now().Add(time.Hour),
		}))
		// Visible inside the transaction.
		_, ferr := tx.FindAccessTokenByHash(ctx, "hash-1")
		require.NoError(t, ferr)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = repo.FindAccessTokenByHash(ctx, "hash-1")
	assert.ErrorIs(t, err, ErrNotFound, "rollback must discard the insert")
}

func TestMemoryRepository_WithinTx_CommitsOnSuccess(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Repository) error {
		return tx.CreateRefreshToken(ctx, &RefreshToken{
			ID:        "rt-1",
			TokenHash: "hash-rt",
			JTI:       "jti-rt",
			ClientID:  "c-1",
			ExpiresAt: time.Now().Add(time.Hour),
		})
	})
	require.NoError(t, err)

	rt, err := repo.FindRefreshTokenByHash(ctx, "hash-rt")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", rt.ID)
}

func TestMemoryRepository_RevokeRefreshTokenChain(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	// rt-1 -> rt-2 -> rt-3 rotation chain.
	for i, tok := range []*RefreshToken{
		{ID: "rt-1", TokenHash: "h1", JTI: "j1", ClientID: "c-1", ReplacedByTokenID: "rt-2"},
		{ID: "rt-2", TokenHash: "h2", JTI: "j2", ClientID: "c-1", PreviousTokenID: "rt-1", ReplacedByTokenID: "rt-3"},
		{ID: "rt-3", TokenHash: "h3", JTI: "j3", ClientID: "c-1", PreviousTokenID: "rt-2"},
	} {
		tok.ExpiresAt = time.Now().Add(time.Duration(i+1) * time.Hour)
		require.NoError(t, repo.CreateRefreshToken(ctx, tok))
	}
	require.NoError(t, repo.RevokeRefreshToken(ctx, "rt-1", "rt-2", time.Now()))

	revoked, err := repo.RevokeRefreshTokenChain(ctx, "rt-2")
	require.NoError(t, err)
	assert.Len(t, revoked, 3, "chain revocation reaches both directions")

	for _, hash := range []string{"h1", "h2", "h3"} {
		rt, err := repo.FindRefreshTokenByHash(ctx, hash)
		require.NoError(t, err)
		assert.True(t, rt.Revoked, "token %s must be revoked", rt.ID)
	}
}

func TestMemoryRepository_RevokeTokensIssuedForCode(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateAccessToken(ctx, &AccessToken{
		ID: "at-1", TokenHash: "ah1", JTI: "aj1", ClientID: "c-1",
		AuthCode: "code-x", ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, repo.CreateRefreshToken(ctx, &RefreshToken{
		ID: "rt-1", TokenHash: "rh1", JTI: "rj1", ClientID: "c-1",
		AuthCode: "code-x", ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, repo.CreateAccessToken(ctx, &AccessToken{
		ID: "at-2", TokenHash: "ah2", JTI: "aj2", ClientID: "c-1",
		AuthCode: "other", ExpiresAt: time.Now().Add(time.Hour),
	}))

	access, refresh, err := repo.RevokeTokensIssuedForCode(ctx, "code-x")
	require.NoError(t, err)
	require.Len(t, access, 1)
	require.Len(t, refresh, 1)
	assert.Equal(t, "at-1", access[0].ID)
	assert.Equal(t, "rt-1", refresh[0].ID)

	untouched, err := repo.FindAccessTokenByHash(ctx, "ah2")
	require.NoError(t, err)
	assert.False(t, untouched.Revoked)
}

func TestMemoryRepository_TakePendingAuthorization_SingleUse(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreatePendingAuthorization(ctx, &PendingAuthorization{
		ID:        "p-1",
		ClientID:  "c-1",
		UserID:    "u-1",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}))

	p, err := repo.TakePendingAuthorization(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", p.UserID)

	_, err = repo.TakePendingAuthorization(ctx, "p-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_JTIBlacklist(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	revoked, err := repo.IsJTIBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, repo.BlacklistJTI(ctx, "jti-1", time.Now().Add(time.Hour)))
	revoked, err = repo.IsJTIBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Entries whose tokens already expired never register.
	require.NoError(t, repo.BlacklistJTI(ctx, "jti-old", time.Now().Add(-time.Minute)))
	revoked, err = repo.IsJTIBlacklisted(ctx, "jti-old")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestMemoryRepository_ConcurrentTransactions(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = repo.WithinTx(ctx, func(ctx context.Context, tx Repository) error {
				return tx.CreateAccessToken(ctx, &AccessToken{
					ID:        fmt.Sprintf("at-%d", i),
					TokenHash: fmt.Sprintf("h-%d", i),
					JTI:       fmt.Sprintf("j-%d", i),
					ClientID:  "c-1",
					ExpiresAt: time.Now().Add(time.Hour),
				})
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		_, err := repo.FindAccessTokenByHash(ctx, fmt.Sprintf("h-%d", i))
		require.NoError(t, err)
	}
}
