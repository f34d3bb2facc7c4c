package scope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authz-engine/oauth-core/internal/storage"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", nil},
		{"whitespace only", "   ", nil},
		{"single", "openid", []string{"openid"}},
		{"multiple", "openid profile email", []string{"openid", "profile", "email"}},
		{"extra whitespace", "  openid   profile  ", []string{"openid", "profile"}},
		{"duplicates collapsed", "openid profile openid", []string{"openid", "profile"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.raw))
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	scopes := []string{"openid", "profile", "orders:read"}
	assert.Equal(t, scopes, Parse(Format(scopes)))
}

func TestIsOIDC(t *testing.T) {
	assert.True(t, IsOIDC([]string{"openid", "profile"}))
	assert.False(t, IsOIDC([]string{"profile"}))
	assert.False(t, IsOIDC(nil))
}

func TestValidateWithinGrant(t *testing.T) {
	granted := []string{"openid", "profile", "orders:read"}

	assert.NoError(t, ValidateWithinGrant(nil, granted))
	assert.NoError(t, ValidateWithinGrant([]string{"openid"}, granted))
	assert.NoError(t, ValidateWithinGrant(granted, granted))

	err := ValidateWithinGrant([]string{"openid", "orders:write"}, granted)
	assert.ErrorIs(t, err, ErrScopeExceedsGrant)
}

func newCatalogueRepo(t *testing.T) *storage.MemoryRepository {
	t.Helper()
	repo := storage.NewMemoryRepository()
	repo.AddScope(&storage.Scope{Name: "openid", IsPublic: true, IsActive: true})
	repo.AddScope(&storage.Scope{Name: "profile", IsPublic: true, IsActive: true})
	repo.AddScope(&storage.Scope{Name: "admin", IsPublic: false, IsActive: true})
	repo.AddScope(&storage.Scope{Name: "legacy", IsPublic: true, IsActive: false})
	return repo
}

func TestResolver_ValidateForClient(t *testing.T) {
	repo := newCatalogueRepo(t)
	resolver := NewResolver(repo)
	ctx := context.Background()

	confidential := &storage.Client{
		ClientID:      "backend",
		Type:          storage.ClientTypeConfidential,
		AllowedScopes: []string{"openid", "profile", "admin", "legacy", "ghost"},
	}
	public := &storage.Client{
		ClientID:      "spa",
		Type:          storage.ClientTypePublic,
		AllowedScopes: []string{"openid", "profile", "admin"},
	}

	t.Run("allowed scopes pass", func(t *testing.T) {
		got, err := resolver.ValidateForClient(ctx, []string{"openid", "profile"}, confidential)
		require.NoError(t, err)
		assert.Equal(t, []string{"openid", "profile"}, got)
	})

	t.Run("empty request passes", func(t *testing.T) {
		got, err := resolver.ValidateForClient(ctx, nil, confidential)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("unregistered scope fails", func(t *testing.T) {
		_, err := resolver.ValidateForClient(ctx, []string{"orders:read"}, confidential)
		assert.ErrorIs(t, err, ErrScopeNotAllowed)
	})

	t.Run("inactive scope fails", func(t *testing.T) {
		_, err := resolver.ValidateForClient(ctx, []string{"legacy"}, confidential)
		assert.ErrorIs(t, err, ErrScopeNotAllowed)
	})

	t.Run("unknown catalogue entry fails", func(t *testing.T) {
		_, err := resolver.ValidateForClient(ctx, []string{"ghost"}, confidential)
		assert.ErrorIs(t, err, ErrScopeNotAllowed)
	})

	t.Run("confidential client may take non-public scope", func(t *testing.T) {
		_, err := resolver.ValidateForClient(ctx, []string{"admin"}, confidential)
		assert.NoError(t, err)
	})

	t.Run("public client rejected for non-public scope", func(t *testing.T) {
		_, err := resolver.ValidateForClient(ctx, []string{"admin"}, public)
		assert.ErrorIs(t, err, ErrScopeNotAllowed)
	})
}
