package server

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/authz-engine/oauth-core/internal/oauth"
	"github.com/authz-engine/oauth-core/internal/storage"
)

// userinfoHandler implements the OIDC userinfo endpoint. Claims come from a
// fresh user lookup rather than the token, so profile edits show up without
// waiting for reissue; the token's scope still gates which claims appear.
func (s *Server) userinfoHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	user, err := s.oauth.Repo().FindUserByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeBearerError(w, http.StatusUnauthorized, "invalid_token", "token subject is not a user")
			return
		}
		s.logger.Error("userinfo lookup failed", zap.Error(err))
		oauth.WriteError(w, oauth.ErrServerError())
		return
	}
	if !user.IsActive {
		writeBearerError(w, http.StatusUnauthorized, "invalid_token", "user account is deactivated")
		return
	}

	info := map[string]any{"sub": user.ID}
	if claims.HasScope("profile") {
		info["name"] = user.Name()
		info["preferred_username"] = user.Username
		if user.GivenName != "" {
			info["given_name"] = user.GivenName
		}
		if user.FamilyName != "" {
			info["family_name"] = user.FamilyName
		}
	}
	if claims.HasScope("email") {
		info["email"] = user.Email
		info["email_verified"] = user.EmailVerified
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, info)
}
