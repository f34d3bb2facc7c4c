package oauth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authz-engine/oauth-core/internal/jwt"
	"github.com/authz-engine/oauth-core/internal/storage"
)

// HandleRevoke serves POST /oauth/revoke (RFC 7009). The endpoint answers
// 200 for unknown tokens and tokens owned by other clients: revocation
// must not be a token-validity oracle.
func (s *Service) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, ErrInvalidRequest("revocation requests must use POST"))
		return
	}
	if err := r.ParseForm(); err != nil {
		WriteError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	ctx := r.Context()
	auth, err := s.authenticator.Authenticate(ctx, r)
	if err != nil {
		WriteError(w, ErrInvalidClient())
		return
	}
	client := auth.Client

	raw := r.PostFormValue("token")
	if raw == "" {
		WriteError(w, ErrInvalidRequest("token is required"))
		return
	}
	hint := r.PostFormValue("token_type_hint")

	if err := s.revokeToken(ctx, client, raw, hint); err != nil {
		s.logger.Error("token revocation failed", zap.Error(err))
		WriteError(w, ErrServerError())
		return
	}

	s.record(ctx, &storage.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    "oauth.revoke",
		ActorType: storage.ActorClient,
		ActorID:   client.ClientID,
		Status:    storage.AuditSuccess,
		IP:        ClientIP(r),
		UserAgent: r.UserAgent(),
		Resource:  r.URL.Path,
	})

	if s.OnRevoke != nil {
		s.OnRevoke()
	}

	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// revokeToken looks the token up in both stores, hint first. Unknown and
// foreign tokens are silently ignored.
func (s *Service) revokeToken(ctx context.Context, client *storage.Client, raw, hint string) error {
	hash := jwt.HashToken(raw)

	tryRefresh := func() (bool, error) { return s.revokeRefreshByHash(ctx, client, hash) }
	tryAccess := func() (bool, error) { return s.revokeAccessByHash(ctx, client, hash) }

	order := []func() (bool, error){tryAccess, tryRefresh}
	if hint == "refresh_token" {
		order = []func() (bool, error){tryRefresh, tryAccess}
	}
	for _, try := range order {
		done, err := try()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

func (s *Service) revokeAccessByHash(ctx context.Context, client *storage.Client, hash string) (bool, error) {
	token, err := s.repo.FindAccessTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if token.ClientID != client.ID {
		// Pretend not found; the response is 200 either way.
		return true, nil
	}
	if err := s.repo.RevokeAccessTokenByHash(ctx, hash); err != nil {
		return false, err
	}
	if err := s.repo.BlacklistJTI(ctx, token.JTI, token.ExpiresAt); err != nil {
		s.logger.Warn("blacklist revoked access jti failed", zap.Error(err))
	}
	return true, nil
}

// revokeRefreshByHash revokes a refresh token and its whole rotation chain:
// a client revoking one generation means the session is over.
func (s *Service) revokeRefreshByHash(ctx context.Context, client *storage.Client, hash string) (bool, error) {
	token, err := s.repo.FindRefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if token.ClientID != client.ID {
		return true, nil
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		revoked, err := tx.RevokeRefreshTokenChain(ctx, token.ID)
		if err != nil {
			return err
		}
		for _, t := range revoked {
			if err := tx.BlacklistJTI(ctx, t.JTI, t.ExpiresAt); err != nil {
				s.logger.Warn("blacklist revoked refresh jti failed", zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
